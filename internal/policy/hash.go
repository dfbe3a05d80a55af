package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// HashParams produces a stable digest of a tool invocation's parameters,
// used to bind a confirmation to the exact action that was proposed.
// json.Marshal sorts map keys, so the digest is deterministic.
func HashParams(tool string, params map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	if params != nil {
		raw, err := json.Marshal(params)
		if err == nil {
			h.Write(raw)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CartHash digests a cart snapshot. The snapshot is round-tripped through
// JSON first so a typed snapshot and its decoded wire form hash identically.
// An empty cart hashes to "".
func CartHash(cart interface{}) string {
	if cart == nil {
		return ""
	}
	raw, err := json.Marshal(cart)
	if err != nil {
		return ""
	}
	var canonical interface{}
	if err := json.Unmarshal(raw, &canonical); err != nil {
		return ""
	}
	raw, err = json.Marshal(canonical)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
