// Package ai produces streamed model responses for @-mentioned assistants.
package ai

import "context"

// Chunk is one increment of a streamed response. A Chunk with Final set
// closes the stream; Err, when non-nil, reports why generation stopped
// early.
type Chunk struct {
	Content string
	Final   bool
	Err     error
}

// Generator streams a model response for a query. The returned channel is
// closed after the final chunk. Cancelling ctx aborts generation.
type Generator interface {
	Stream(ctx context.Context, modelName, query string) (<-chan Chunk, error)
}
