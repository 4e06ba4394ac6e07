package mock_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/tiermem/memory/embedder/mock"
)

func TestEmbedBatchDeterministic(t *testing.T) {
	e := mock.New()

	first, err := e.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	second, err := e.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)

	require.Len(t, first, 2)
	assert.Equal(t, first, second, "equal inputs produce equal vectors")
	assert.NotEqual(t, first[0], first[1], "different inputs produce different vectors")
}

func TestEmbedBatchUnitVectors(t *testing.T) {
	e := mock.New()

	vectors, err := e.EmbedBatch(context.Background(), []string{"some content"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Len(t, vectors[0], e.Dimensions())

	var norm float64
	for _, v := range vectors[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestEmbedBatchRespectsCancellation(t *testing.T) {
	e := mock.New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.EmbedBatch(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
}
