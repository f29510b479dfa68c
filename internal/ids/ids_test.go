package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUUIDv7Monotonic(t *testing.T) {
	a, err := NewV7()
	require.NoError(t, err)
	b, err := NewV7()
	require.NoError(t, err)
	require.True(t, a.Less(b), "successive UUIDv7 values must be strictly increasing")
}

func TestUUIDParseRoundTrip(t *testing.T) {
	id, err := NewV7()
	require.NoError(t, err)
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestChecksumRoundTrip(t *testing.T) {
	project, err := NewRandom()
	require.NoError(t, err)

	for _, enc := range []Encoding{EncodingIdentity, EncodingGzip, EncodingZstd, EncodingBrotli} {
		c, err := SumBytes(project, []byte("hello world"))
		require.NoError(t, err)
		c = c.WithEncoding(enc)

		encoded := c.Encode()
		require.Len(t, encoded, 34)

		decoded, err := DecodeChecksum(encoded)
		require.NoError(t, err)
		require.Equal(t, c, decoded)
	}

	deleted := DeletedChecksum
	decoded, err := DecodeChecksum(deleted.Encode())
	require.NoError(t, err)
	require.True(t, decoded.Deleted)
}

func TestChecksumDeterministic(t *testing.T) {
	project, err := NewRandom()
	require.NoError(t, err)

	a, err := SumBytes(project, []byte("same bytes"))
	require.NoError(t, err)
	b, err := SumBytes(project, []byte("same bytes"))
	require.NoError(t, err)
	require.Equal(t, a, b)

	other, err := NewRandom()
	require.NoError(t, err)
	c, err := SumBytes(other, []byte("same bytes"))
	require.NoError(t, err)
	require.NotEqual(t, a, c, "distinct projects must derive distinct keys")
}

func TestChecksumSharesDigestAcrossEncodings(t *testing.T) {
	project, err := NewRandom()
	require.NoError(t, err)
	c, err := SumBytes(project, []byte("payload"))
	require.NoError(t, err)

	gz := c.WithEncoding(EncodingGzip)
	require.Equal(t, c.Digest, gz.Digest)
	require.NotEqual(t, c.Key(), gz.Key())
}

func TestEncodingHintRoundTrip(t *testing.T) {
	h := EncodingHint{Identity: 1, Gzip: 2, Zstd: 3, Brotli: 4}
	encoded := h.Encode()
	require.Len(t, encoded, 8)
	decoded := DecodeEncodingHint(encoded)
	require.Equal(t, h, decoded)
}

func TestEncodingHintPreferred(t *testing.T) {
	h := ids_fullHint()

	enc, ok := h.Preferred(map[Encoding]bool{EncodingGzip: true, EncodingBrotli: true})
	require.True(t, ok)
	require.Equal(t, EncodingBrotli, enc)

	enc, ok = h.Preferred(map[Encoding]bool{EncodingGzip: true})
	require.True(t, ok)
	require.Equal(t, EncodingGzip, enc)

	enc, ok = h.Preferred(nil)
	require.True(t, ok)
	require.Equal(t, EncodingIdentity, enc)
}

func ids_fullHint() EncodingHint {
	return EncodingHint{Identity: 1, Gzip: 2, Zstd: 3, Brotli: 4}
}

func TestEncodingHintPreferredNoneAvailable(t *testing.T) {
	h := EncodingHint{Identity: 0, Gzip: 5}
	_, ok := h.Preferred(nil)
	require.False(t, ok)
}

func TestFQDNNormalization(t *testing.T) {
	cases := []struct {
		in   string
		want FQDN
	}{
		{"Example.COM.", "example.com"},
		{"example.com", "example.com"},
		{"  example.com  ", "example.com"},
	}
	for _, tc := range cases {
		got, err := ParseFQDN(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got)
	}
}

func TestFQDNIdempotentUpToTrailingDot(t *testing.T) {
	a, err := ParseFQDN("example.com.")
	require.NoError(t, err)
	b, err := ParseFQDN(a.String())
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, a.String(), b.String())
}

func TestFQDNRejectsRootAndLocalhost(t *testing.T) {
	for _, bad := range []string{"", ".", "localhost", "sub.localhost"} {
		_, err := ParseFQDN(bad)
		require.Error(t, err, bad)
	}
}

func TestStripPort(t *testing.T) {
	require.Equal(t, "example.com", StripPort("example.com:443"))
	require.Equal(t, "example.com", StripPort("example.com"))
}
