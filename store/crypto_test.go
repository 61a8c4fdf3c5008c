package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testKeyHex = "0f1e2d3c4b5a69788796a5b4c3d2e1f00112233445566778899aabbccddeeff0"

func TestSealerRoundtrip(t *testing.T) {
	sealer, err := NewContentSealer(testKeyHex)
	require.NoError(t, err)

	sealed, err := sealer.Seal("the user works at a hospital")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sealed, sealedPrefix))
	require.NotContains(t, sealed, "hospital")

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "the user works at a hospital", opened)
}

func TestSealerNoncesDiffer(t *testing.T) {
	sealer, err := NewContentSealer(testKeyHex)
	require.NoError(t, err)

	a, err := sealer.Seal("same content")
	require.NoError(t, err)
	b, err := sealer.Seal("same content")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestNilSealerPassesThrough(t *testing.T) {
	var sealer *ContentSealer

	sealed, err := sealer.Seal("plain content")
	require.NoError(t, err)
	require.Equal(t, "plain content", sealed)

	opened, err := sealer.Open("plain content")
	require.NoError(t, err)
	require.Equal(t, "plain content", opened)
}

func TestOpenLeavesUnsealedContentAlone(t *testing.T) {
	sealer, err := NewContentSealer(testKeyHex)
	require.NoError(t, err)

	// Rows written before encryption was enabled lack the prefix.
	opened, err := sealer.Open("legacy plaintext row")
	require.NoError(t, err)
	require.Equal(t, "legacy plaintext row", opened)
}

func TestSealerRejectsBadKeys(t *testing.T) {
	_, err := NewContentSealer("not-hex")
	require.Error(t, err)

	_, err = NewContentSealer("abcd")
	require.Error(t, err)
}

func TestOpenRejectsTamperedContent(t *testing.T) {
	sealer, err := NewContentSealer(testKeyHex)
	require.NoError(t, err)

	sealed, err := sealer.Seal("intact content")
	require.NoError(t, err)

	tampered := sealed[:len(sealed)-2] + "AA"
	if tampered == sealed {
		tampered = sealed[:len(sealed)-2] + "BB"
	}
	_, err = sealer.Open(tampered)
	require.Error(t, err)
}
