package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticDiscover(t *testing.T) {
	t.Parallel()

	s := NewStatic([]string{"https://a.com", " ", "https://b.com", "https://c.com"})

	got, err := s.Discover(context.Background(), "ignored", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.com", "https://b.com"}, got)

	got, err = s.Discover(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	got[0] = "mutated"
	again, err := s.Discover(context.Background(), "", 1)
	require.NoError(t, err)
	require.Equal(t, "https://a.com", again[0])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Discover(ctx, "", 1)
	require.ErrorIs(t, err, context.Canceled)
}
