package snippet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedSnippets(t *testing.T) {
	seeds, err := SeedSnippets()
	require.NoError(t, err)
	require.Len(t, seeds, 3)

	assert.Equal(t, "Hello World", seeds[0].Title)
	assert.Equal(t, `print("Hello, World!")`, seeds[0].Code)
	require.NotNil(t, seeds[0].Description)
	assert.Equal(t, "Basic print statement", *seeds[0].Description)

	assert.Equal(t, "FizzBuzz", seeds[1].Title)
	assert.Contains(t, seeds[1].Code, "    if i % 3 == 0 and i % 5 == 0:\n")
	assert.Equal(t, "Fibonacci", seeds[2].Title)

	for _, s := range seeds {
		require.NoError(t, s.Validate())
	}
}

func TestSeed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n, err := Seed(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Seeding twice leaves the store alone
	n, err = Seed(ctx, s)
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "Fibonacci", list[0].Title)
	assert.Equal(t, "Hello World", list[2].Title)
}

func TestSeedSkipsNonEmptyStore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, NewSnippet{Title: "mine", Code: "1"})
	require.NoError(t, err)

	n, err := Seed(ctx, s)
	require.NoError(t, err)
	assert.Zero(t, n)
}
