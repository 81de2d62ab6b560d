// Package blob adapts external object stores to the opaque key/value byte
// store the submission pipeline writes to.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var ErrNotFound = errors.New("blob not found")

// Store is the contract every backend satisfies. Delete of a missing key is
// not an error.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ObjectKey builds prefix/{owner}/{homework}/{name}-{unix millis}{ext}. When
// ext is empty the extension of name is kept.
func ObjectKey(prefix, ownerID, homeworkID, name, ext string, at time.Time) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if ext == "" {
		ext = path.Ext(base)
	}
	base = sanitize(strings.TrimSuffix(base, path.Ext(base)))
	return fmt.Sprintf("%s/%s/%s/%s-%d%s",
		strings.TrimSuffix(prefix, "/"),
		sanitize(ownerID),
		sanitize(homeworkID),
		base,
		at.UnixMilli(),
		strings.ToLower(ext),
	)
}

func sanitize(segment string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(segment) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}
