package snippet

import (
	"context"
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var seedData []byte

// SeedSnippets returns the example snippets shipped with the server
func SeedSnippets() ([]NewSnippet, error) {
	var seeds []NewSnippet
	if err := yaml.Unmarshal(seedData, &seeds); err != nil {
		return nil, fmt.Errorf("parsing seed data: %w", err)
	}
	return seeds, nil
}

// Seed stores the example snippets when the store is empty and reports how many
// were created.
func Seed(ctx context.Context, store Store) (int, error) {
	existing, err := store.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	seeds, err := SeedSnippets()
	if err != nil {
		return 0, err
	}
	for _, s := range seeds {
		if _, err := store.Create(ctx, s); err != nil {
			return 0, fmt.Errorf("seeding %q: %w", s.Title, err)
		}
	}
	return len(seeds), nil
}
