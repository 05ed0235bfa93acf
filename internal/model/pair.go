package model

import (
	"fmt"
	"strings"
)

// CanonicalPair sorts two identities so that lookups and inserts agree on order.
func CanonicalPair(a, b string) (string, string) {
	if strings.Compare(a, b) > 0 {
		return b, a
	}
	return a, b
}

// PairKey derives the unique conversation key for an unordered identity pair.
// The length prefix keeps the key unambiguous whatever characters the IDs contain.
func PairKey(a, b string) string {
	first, second := CanonicalPair(a, b)
	return fmt.Sprintf("%d:%s|%s", len(first), first, second)
}
