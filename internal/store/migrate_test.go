package store

import (
	"testing"
	"testing/fstest"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	fsys, err := Migrations("")
	if err != nil {
		t.Fatalf("Migrations() error = %v", err)
	}
	ups, err := pendingCandidates(fsys)
	if err != nil {
		t.Fatalf("pendingCandidates() error = %v", err)
	}
	if len(ups) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	for _, up := range ups {
		down := up[:len(up)-len(".up.sql")] + ".down.sql"
		if _, err := fsys.Open(down); err != nil {
			t.Fatalf("missing down migration for %s: %v", up, err)
		}
	}
}

func TestPendingCandidatesSortsAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_files.up.sql":  {Data: []byte("SELECT 2")},
		"0001_init.up.sql":   {Data: []byte("SELECT 1")},
		"0001_init.down.sql": {Data: []byte("SELECT 0")},
		"README.md":          {Data: []byte("notes")},
		"nested/0003.up.sql": {Data: []byte("SELECT 3")},
	}
	got, err := pendingCandidates(fsys)
	if err != nil {
		t.Fatalf("pendingCandidates() error = %v", err)
	}
	if len(got) != 2 || got[0] != "0001_init.up.sql" || got[1] != "0002_files.up.sql" {
		t.Fatalf("unexpected migrations: %v", got)
	}
}

func TestMigrationsRejectsMissingDir(t *testing.T) {
	if _, err := Migrations("/definitely/not/here"); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}
