// Package cache keeps tool results across loop iterations so repeated or
// near-repeated calls skip execution. Two tiers: an exact tier keyed by a
// hash of the normalized call, and an optional semantic tier that finds
// the nearest previously-answered call above a similarity threshold.
//
// The cache never blocks readers behind a computation: a miss returns
// immediately and concurrent tasks may compute the same result twice.
// Any tier failure degrades to a miss rather than an execution error.
package cache

import (
	"strings"
	"time"

	"tether/internal/agent/ports"
)

const (
	defaultMaxSize = 256
	defaultTTL     = 5 * time.Minute
)

// HitKind says which tier served a lookup.
type HitKind string

const (
	HitExact    HitKind = "exact"
	HitSemantic HitKind = "semantic"
)

// Lookup is the outcome of a cache probe.
type Lookup struct {
	Hit  bool
	Kind HitKind
	// Key identifies the entry that served the hit.
	Key    string
	Result ports.ToolResult
	// Similarity is set for semantic hits.
	Similarity float32
}

// Stats counts cache traffic since process start.
type Stats struct {
	ExactHits    uint64 `json:"exact_hits"`
	SemanticHits uint64 `json:"semantic_hits"`
	Misses       uint64 `json:"misses"`
	Stores       uint64 `json:"stores"`
	Entries      int    `json:"entries"`
}

// Config configures both tiers.
type Config struct {
	// MaxSize bounds the exact tier's entry count.
	MaxSize int `yaml:"max_size" json:"max_size"`
	// DefaultTTL applies when Store is called without a TTL.
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
	// SimilarityThreshold gates semantic hits; zero disables the tier.
	SimilarityThreshold float32 `yaml:"similarity_threshold" json:"similarity_threshold"`
	// PersistPath persists the semantic index; empty keeps it in memory.
	PersistPath string `yaml:"persist_path" json:"persist_path"`
	// ExcludeTools lists tools whose results must never be cached.
	ExcludeTools []string `yaml:"exclude_tools" json:"exclude_tools"`
}

// DefaultConfig excludes every tool with side effects from caching.
func DefaultConfig() Config {
	return Config{
		MaxSize:             defaultMaxSize,
		DefaultTTL:          defaultTTL,
		SimilarityThreshold: 0.92,
		ExcludeTools: []string{
			"file_write",
			"file_edit",
			"shell_exec",
			"http_post",
		},
	}
}

// Cacheable reports whether a result may be stored. Failed results are
// never cached (a retry should re-execute), nor are results of dangerous
// or explicitly excluded tools.
func (c Config) Cacheable(meta ports.ToolMetadata, call ports.ToolCall, result *ports.ToolResult) bool {
	if result == nil || result.Failed() {
		return false
	}
	if meta.Dangerous {
		return false
	}
	name := strings.TrimSpace(call.Name)
	for _, excluded := range c.ExcludeTools {
		if strings.EqualFold(strings.TrimSpace(excluded), name) {
			return false
		}
	}
	return true
}
