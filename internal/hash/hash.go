// Package hash computes the hex SHA-256 digests used by the audit ledger.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Calculate returns the hex SHA-256 digest of the JSON encoding of data.
// Map keys are emitted in sorted order by encoding/json, so two maps with the
// same content hash identically regardless of insertion order.
func Calculate(data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}

	return Sum(jsonData), nil
}

// CalculateString returns the hex SHA-256 digest of the literal bytes of data.
func CalculateString(data string) string {
	return Sum([]byte(data))
}

func Sum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// HasZeroPrefix reports whether the hex digest starts with n '0' characters.
func HasZeroPrefix(digest string, n int) bool {
	if n <= 0 {
		return true
	}
	if len(digest) < n {
		return false
	}
	for i := 0; i < n; i++ {
		if digest[i] != '0' {
			return false
		}
	}
	return true
}
