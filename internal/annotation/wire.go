package annotation

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodePages parses the wire object keyed by page number. A null or empty
// body decodes to an empty map.
func DecodePages(data []byte) (Pages, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Pages{}, nil
	}
	var pages Pages
	if err := json.Unmarshal(trimmed, &pages); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if pages == nil {
		pages = Pages{}
	}
	return pages, nil
}

// EncodePages writes the wire object. Pages without annotations are omitted.
func EncodePages(pages Pages) ([]byte, error) {
	out := make(Pages, len(pages))
	for page, items := range pages {
		if len(items) > 0 {
			out[page] = items
		}
	}
	return json.Marshal(out)
}
