package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"tether/internal/agent/ports"
)

// Key derives the exact-tier key for a call: a hash over the tool name and
// its arguments with map keys sorted at every level, so logically equal
// calls collide regardless of argument order.
func Key(call ports.ToolCall) string {
	sum := sha256.Sum256([]byte(canonical(call)))
	return hex.EncodeToString(sum[:])
}

// Describe renders a call as text for the semantic tier.
func Describe(call ports.ToolCall) string {
	return canonical(call)
}

func canonical(call ports.ToolCall) string {
	return fmt.Sprintf("%s %s", strings.TrimSpace(call.Name), normalizeArgs(call.Arguments))
}

// normalizeArgs serializes arguments deterministically. json.Marshal sorts
// top-level map keys; nested maps are converted so they sort too.
func normalizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(sortedMap(args))
	if err != nil {
		return "{}"
	}
	return string(data)
}

func sortedMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		if nested, ok := v.(map[string]any); ok {
			v = sortedMap(nested)
		}
		out[k] = v
	}
	return out
}
