package querykey

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Prefix is prepended to every key so cache entries are easy to tell apart
// from other keyed state.
const Prefix = "sanity-"

// Make derives a stable cache key for a GROQ query and its parameters.
//
// Parameters are serialized with encoding/json, which writes map keys in
// sorted order, so two parameter maps with the same entries produce the same
// key regardless of insertion order. A nil or empty map contributes nothing.
// The query is length-prefixed so its bytes cannot run into the params.
func Make(query string, params map[string]any) string {
	h, _ := blake2b.New256(nil)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(query)))
	h.Write(n[:])
	h.Write([]byte(query))
	if len(params) > 0 {
		b, err := json.Marshal(params)
		if err != nil {
			// Not JSON: fall back to the formatted value, still deterministic
			// for the value as given.
			b = []byte(fmt.Sprintf("%#v", params))
		}
		h.Write(b)
	}
	sum := h.Sum(nil)
	return Prefix + hex.EncodeToString(sum[:16])
}
