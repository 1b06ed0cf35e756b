package cache

import (
	"context"
	"fmt"
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"

	"tether/internal/agent/ports"
)

const semanticCollection = "tool-results"

// SemanticIndex maps call descriptions to exact-tier keys through a vector
// collection. It stores no results itself; a nearest-neighbor match is
// only a hit if the exact tier still holds the referenced entry.
type SemanticIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewSemanticIndex builds the semantic tier over the given embedder.
// persistPath persists the index across runs; empty keeps it in memory.
func NewSemanticIndex(persistPath string, embedder ports.Embedder) (*SemanticIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("cache: semantic index needs an embedder")
	}

	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(persistPath, "semantic.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("open persistent index: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(semanticCollection, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	return &SemanticIndex{db: db, collection: collection}, nil
}

// Add indexes text under the exact-tier key.
func (s *SemanticIndex) Add(ctx context.Context, key, text string) error {
	err := s.collection.AddDocument(ctx, chromem.Document{
		ID:       key,
		Content:  text,
		Metadata: map[string]string{"key": key},
	})
	if err != nil {
		return fmt.Errorf("index document %s: %w", key, err)
	}
	return nil
}

// Nearest returns the closest indexed key at or above threshold.
func (s *SemanticIndex) Nearest(ctx context.Context, text string, threshold float32) (key string, similarity float32, ok bool, err error) {
	count := s.collection.Count()
	if count == 0 {
		return "", 0, false, nil
	}
	topK := 3
	if topK > count {
		topK = count
	}

	results, err := s.collection.Query(ctx, text, topK, nil, nil)
	if err != nil {
		return "", 0, false, fmt.Errorf("query index: %w", err)
	}
	for _, result := range results {
		if result.Similarity >= threshold {
			return result.ID, result.Similarity, true, nil
		}
	}
	return "", 0, false, nil
}

// Remove drops a key from the index, used when the exact tier no longer
// holds the entry it points at.
func (s *SemanticIndex) Remove(ctx context.Context, key string) error {
	return s.collection.Delete(ctx, nil, nil, key)
}

// Count returns the number of indexed descriptions.
func (s *SemanticIndex) Count() int {
	return s.collection.Count()
}
