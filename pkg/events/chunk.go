package events

import (
	"encoding/base64"
	"encoding/json"
)

// DefaultMaxURLLength bounds the events request URL.
const DefaultMaxURLLength = 2000

// EncodedLength returns the length of v as base64url encoded JSON.
func EncodedLength(v any) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return base64.RawURLEncoding.EncodedLen(len(raw))
}

// Chunk splits list into chunks whose summed encoded length fits maxLength.
//
// Events are taken from the end of list, so each chunk holds events in
// reverse order. A chunk keeps filling while space remains; an event that
// overflows the chunk is put back for the next one, unless the chunk is
// still empty, in which case the oversized event is sent alone. Every event
// lands in exactly one chunk.
func Chunk[T any](maxLength int, list []T) [][]T {
	if maxLength <= 0 {
		maxLength = DefaultMaxURLLength
	}

	pending := append([]T(nil), list...)
	var chunks [][]T

	for len(pending) > 0 {
		var chunk []T
		remaining := maxLength

		for remaining > 0 && len(pending) > 0 {
			last := len(pending) - 1
			e := pending[last]
			pending = pending[:last]

			remaining -= EncodedLength(e)
			if remaining < 0 && len(chunk) > 0 {
				pending = append(pending, e)
				break
			}
			chunk = append(chunk, e)
		}

		chunks = append(chunks, chunk)
	}
	return chunks
}
