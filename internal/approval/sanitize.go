package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SanitizedRequest is the redacted representation of a tool call, safe to
// log, display, and fingerprint. Secret-bearing values are replaced with
// byte-length plus content hash; keys are always preserved.
type SanitizedRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// secretKeys name argument fields whose values must never appear in logs.
var secretKeys = map[string]bool{
	"env": true, "environment": true, "content": true, "body": true,
	"data": true, "token": true, "secret": true, "password": true,
	"api_key": true, "apikey": true, "authorization": true, "credentials": true,
}

// Sanitize builds the redacted request for a tool call.
func Sanitize(tool string, args map[string]any) *SanitizedRequest {
	return &SanitizedRequest{Tool: tool, Args: sanitizeMap(args, false)}
}

func sanitizeMap(args map[string]any, forceRedact bool) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		redact := forceRedact || secretKeys[strings.ToLower(k)]
		switch val := v.(type) {
		case map[string]any:
			// A sensitive map keeps only its key names; values of a
			// nested env-style map are secrets by definition.
			out[k] = sanitizeMap(val, redact)
		case string:
			if redact {
				out[k] = redactString(val)
			} else {
				out[k] = val
			}
		case []any:
			items := make([]any, len(val))
			for i, item := range val {
				if s, ok := item.(string); ok && redact {
					items[i] = redactString(s)
				} else if m, ok := item.(map[string]any); ok {
					items[i] = sanitizeMap(m, redact)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}

func redactString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("redacted[len=%d sha256=%s]", len(s), hex.EncodeToString(sum[:])[:12])
}

// Fingerprint computes the stable hash identifying an equivalence class of
// tool calls. Identical fingerprints share one approval decision within a
// session and one slot in the denial-loop guard.
func Fingerprint(req *SanitizedRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Tool))
	h.Write([]byte{0})
	writeCanonical(h, req.Args)
	return hex.EncodeToString(h.Sum(nil))
}

// writeCanonical serializes a value with sorted map keys so the hash does
// not depend on Go's map iteration order.
func writeCanonical(h interface{ Write([]byte) (int, error) }, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		h.Write([]byte{'{'})
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{':'})
			writeCanonical(h, val[k])
			h.Write([]byte{','})
		}
		h.Write([]byte{'}'})
	case []any:
		h.Write([]byte{'['})
		for _, item := range val {
			writeCanonical(h, item)
			h.Write([]byte{','})
		}
		h.Write([]byte{']'})
	default:
		b, _ := json.Marshal(val)
		h.Write(b)
	}
}
