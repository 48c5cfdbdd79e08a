package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

func SHA256Hex(b []byte) string {
	x := sha256.Sum256(b)
	return hex.EncodeToString(x[:])
}

// ChunkID is stable for a given document, index and text so re-inserting the
// same chunk is a no-op.
func ChunkID(documentID string, index int, text string) string {
	return SHA256Hex([]byte(fmt.Sprintf("%s:%d:%s", documentID, index, SHA256Hex([]byte(text)))))
}

// UsageID keys the usage record of a deterministic call such as embedding
// chunk index of a document.
func UsageID(documentID, operation string, index int) string {
	return SHA256Hex([]byte(fmt.Sprintf("usage:%s:%s:%d", documentID, operation, index)))[:32]
}
