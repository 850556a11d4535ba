package rollback

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"

	"github.com/chasemcd/mug-engine/internal/env"
)

// hashDigits is how much of the SHA-256 hex digest is kept as a confirmed
// frame's state hash (§3 "State hash... 16 hex characters").
const hashDigits = 16

// floatPrecision is the number of decimal places floats are rounded to
// before hashing, so that two peers whose floating-point arithmetic differs
// in its last bits (common across platforms/compilers) still agree on a
// confirmed frame's hash (§4.5.5 "normalize floats to 10 decimal places
// before hashing").
const floatPrecision = 10

// HashState computes the confirmed-frame state hash used for inter-peer
// desync detection (§4.5.5, wire type 0x07). The state is decoded as generic
// JSON, every float64 leaf is rounded to floatPrecision decimals, and the
// normalized structure is re-encoded (with sorted object keys, since
// encoding/json already sorts map keys on marshal) before hashing — this
// makes the hash independent of key order and of float noise.
func HashState(s env.State) (string, error) {
	var v any
	if err := json.Unmarshal(s, &v); err != nil {
		return "", err
	}
	normalized := normalizeFloats(v)
	b, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:hashDigits], nil
}

func normalizeFloats(v any) any {
	switch t := v.(type) {
	case float64:
		scale := math.Pow10(floatPrecision)
		return math.Round(t*scale) / scale
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeFloats(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeFloats(vv)
		}
		return out
	default:
		return v
	}
}
