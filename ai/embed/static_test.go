package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticIsDeterministic(t *testing.T) {
	svc := NewStatic(64)
	ctx := context.Background()

	a, err := svc.Embed(ctx, "what is a goroutine?")
	require.NoError(t, err)
	b, err := svc.Embed(ctx, "what is a goroutine?")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := svc.Embed(ctx, "what is a channel?")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestStaticProducesUnitVectors(t *testing.T) {
	svc := NewStatic(128)

	vec, err := svc.Embed(context.Background(), "normalize me")
	require.NoError(t, err)
	require.Len(t, vec, 128)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	require.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
}

func TestStaticDefaultsDimensions(t *testing.T) {
	svc := NewStatic(0)
	require.Equal(t, 256, svc.Dimensions())
	require.Equal(t, "static-hash", svc.Model())
}

func TestStaticBatchMatchesSingle(t *testing.T) {
	svc := NewStatic(32)
	ctx := context.Background()

	batch, err := svc.EmbedBatch(ctx, []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, batch, 2)

	one, err := svc.Embed(ctx, "one")
	require.NoError(t, err)
	require.Equal(t, one, batch[0])
}
