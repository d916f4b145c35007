package sync

import (
	"sort"

	"github.com/schaermu/pressync/internal/corpus"
	"github.com/schaermu/pressync/internal/manifest"
)

// DetectOptions tunes Detect.
type DetectOptions struct {
	// Force classifies every document as Changed.
	Force bool
}

// Detect classifies docs against the manifest of the last successful run.
// Manifest entries without a matching document are ignored. Detect has no
// side effects.
func Detect(docs []corpus.Document, m manifest.Manifest, opts DetectOptions) *Classification {
	c := &Classification{}

	for _, doc := range docs {
		entry, known := m[doc.Path]
		switch {
		case opts.Force:
			c.Changed = append(c.Changed, doc)
		case !known:
			c.New = append(c.New, doc)
		case entry.Fingerprint != doc.Fingerprint:
			c.Changed = append(c.Changed, doc)
		default:
			c.Unchanged = append(c.Unchanged, doc)
		}
	}

	byPath := func(list []corpus.Document) {
		sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	}
	byPath(c.New)
	byPath(c.Changed)
	byPath(c.Unchanged)

	return c
}
