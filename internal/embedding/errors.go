package embedding

import (
	"errors"
	"fmt"

	"docflow/internal/util"
)

var ErrProviderRequired = errors.New("embedding provider is required")

// EmbeddingFailedError reports the input that could not be embedded. Index is
// the position in the slice passed to EmbedBatch or EmbedEach.
type EmbeddingFailedError struct {
	Index int
	Cause error
}

func (e *EmbeddingFailedError) Error() string {
	return fmt.Sprintf("embedding input %d: %v", e.Index, e.Cause)
}

func (e *EmbeddingFailedError) Unwrap() []error {
	return []error{util.ErrExternalCall, e.Cause}
}
