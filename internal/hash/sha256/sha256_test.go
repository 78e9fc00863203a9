package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/distributed-scraper/internal/scrape"
)

var _ scrape.Hasher = New()

func TestHash(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{in: "abc", want: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
	}
	for _, tt := range tests {
		got, err := New().Hash([]byte(tt.in))
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
	}
}

func TestHashDistinguishesURLs(t *testing.T) {
	t.Parallel()

	a, err := New().Hash([]byte("https://example.com/a"))
	require.NoError(t, err)
	b, err := New().Hash([]byte("https://example.com/b"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Len(t, a, 64)
}
