// Package content holds the content block cache and the draft/publish pipeline.
package content

import (
	"hemtjanst/api/internal/store"
)

type (
	Block  = store.ContentBlock
	Fields = store.Fields
)

var (
	ErrNotFound        = store.ErrNotFound
	ErrVersionConflict = store.ErrVersionConflict
)

// Merge applies patch on top of base one level deep. Later fields win; nested objects are replaced, not merged.
func Merge(base, patch Fields) Fields {
	out := make(Fields, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

type blockID struct {
	key    string
	locale string
}
