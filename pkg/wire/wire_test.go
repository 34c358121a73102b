package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUint64RoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteUint64(&buf, 123456789))
	got, err := ReadUint64(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, 123456789, got)
}

func TestStringRoundTripsWithPadding(t *testing.T) {
	cases := []string{"", "a", "exactly8", "nine char", "/nix/store/abc123-foo.drv"}
	for _, s := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteString(&buf, s))
		assert.Zero(t, buf.Len()%8, "framed string must be padded to a multiple of 8 bytes")

		got, err := ReadString(&buf)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestStringListRoundTrips(t *testing.T) {
	items := []string{"/nix/store/abc-x.drv", "/nix/store/def-y"}
	var buf bytes.Buffer
	require.NoError(t, WriteStringList(&buf, items))
	got, err := ReadStringList(&buf)
	require.NoError(t, err)
	assert.Equal(t, items, got)
}

func TestEmptyStringListRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStringList(&buf, nil))
	got, err := ReadStringList(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}
