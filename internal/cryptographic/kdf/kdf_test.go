package kdf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey(t *testing.T) {
	master := bytes.Repeat([]byte("m"), 32)

	k1, err := DeriveKey(master, 1)
	require.NoError(t, err)
	assert.Len(t, k1, 32)

	again, err := DeriveKey(master, 1)
	require.NoError(t, err)
	assert.Equal(t, k1, again)

	k2, err := DeriveKey(master, 2)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestDeriveKeyShortSecret(t *testing.T) {
	_, err := DeriveKey([]byte("short"), 1)
	assert.Error(t, err)
}
