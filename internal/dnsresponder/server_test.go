package dnsresponder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChallengeLabel(t *testing.T) {
	label, ok := challengeLabel("abc123.acme.example.com.", "acme.example.com.")
	require.True(t, ok)
	require.Equal(t, "abc123", label)

	_, ok = challengeLabel("acme.example.com.", "acme.example.com.")
	require.False(t, ok)

	_, ok = challengeLabel("abc123.other.com.", "acme.example.com.")
	require.False(t, ok)
}
