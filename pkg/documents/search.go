package documents

import (
	"strings"
)

// searchMetadataKeys are the metadata fields folded into the derived
// search representation.
var searchMetadataKeys = []string{"title", "description", "tags"}

// DeriveSearchText builds the document's search representation from its
// current field values. It is recomputed in full on every create/update
// rather than patched incrementally, so the result is always a pure
// function of the document's state.
func DeriveSearchText(d *Document) string {
	parts := make([]string, 0, 8)

	appendPart := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" {
			parts = append(parts, strings.ToLower(s))
		}
	}

	appendPart(d.Filename)
	if d.OriginalFilename != d.Filename {
		appendPart(d.OriginalFilename)
	}
	if d.ExtractedText != nil {
		appendPart(*d.ExtractedText)
	}
	for _, key := range searchMetadataKeys {
		appendPart(d.Metadata[key])
	}

	return strings.Join(parts, " ")
}
