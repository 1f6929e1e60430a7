package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Checksum returns the hex SHA-256 digest of v's canonical JSON.
//
// A nil value yields ok == false: dedup is disabled for that invocation.
// Scalars and lists digest exactly like their plain JSON text, so
// Checksum(25) == sha256("25").
func Checksum(v any) (sum string, ok bool, err error) {
	if v == nil {
		return "", false, nil
	}
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", false, fmt.Errorf("checksum: %w", err)
	}
	if string(canonical) == "null" {
		return "", false, nil
	}
	return hashBytes(canonical), true, nil
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
