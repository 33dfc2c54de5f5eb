// Package snapshot serialises the bounded set of search responses kept on a
// task awaiting manual selection.
package snapshot

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"resonance/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode serialises responses, keeping at most maxResponses and dropping
// trailing responses until the payload fits in maxBytes. Callers pass
// responses best first. Zero limits are disabled.
func Encode(responses []domain.SearchResponse, maxResponses, maxBytes int) ([]byte, int, error) {
	if maxResponses > 0 && len(responses) > maxResponses {
		responses = responses[:maxResponses]
	}
	for {
		data, err := json.Marshal(responses)
		if err != nil {
			return nil, 0, fmt.Errorf("encode search snapshot: %w", err)
		}
		if maxBytes <= 0 || len(data) <= maxBytes || len(responses) <= 1 {
			return data, len(responses), nil
		}
		// drop roughly the overflow share, at least one response
		keep := len(responses) * maxBytes / len(data)
		if keep >= len(responses) {
			keep = len(responses) - 1
		}
		if keep < 1 {
			keep = 1
		}
		responses = responses[:keep]
	}
}

// Decode parses a snapshot produced by Encode.
func Decode(data []byte) ([]domain.SearchResponse, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var responses []domain.SearchResponse
	if err := json.Unmarshal(data, &responses); err != nil {
		return nil, fmt.Errorf("decode search snapshot: %w", err)
	}
	return responses, nil
}
