package diaglog

import "strings"

const redacted = "[REDACTED]"

// sensitive reports whether a payload key may carry credentials. Matching
// ignores case so "Password" and "authToken"-style keys are caught too.
func sensitive(key string) bool {
	switch k := strings.ToLower(key); k {
	case "password", "secret", "challenge", "salt", "auth", "authentication":
		return true
	default:
		return strings.HasSuffix(k, "password") || strings.HasSuffix(k, "token")
	}
}

// Redact returns a copy of v in which every sensitive key holds
// "[REDACTED]". Nested maps and slices are walked; v is never modified.
func Redact(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if sensitive(k) {
				out[k] = redacted
			} else {
				out[k] = Redact(child)
			}
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, child := range val {
			if sensitive(k) {
				child = redacted
			}
			out[k] = child
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for _, elem := range val {
			out = append(out, Redact(elem))
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, 0, len(val))
		for _, elem := range val {
			out = append(out, Redact(elem))
		}
		return out
	}
	return v
}
