package cloud

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateSSHKeyGeneratesWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	key, err := loadOrGenerateSSHKey(dir)
	require.NoError(t, err)
	require.NotNil(t, key.public)
	require.NotNil(t, key.signer)
}

func TestLoadOrGenerateSSHKeyReusesExisting(t *testing.T) {
	dir := t.TempDir()
	first, err := loadOrGenerateSSHKey(dir)
	require.NoError(t, err)

	second, err := loadOrGenerateSSHKey(dir)
	require.NoError(t, err)

	assert.Equal(t, first.public.Marshal(), second.public.Marshal())
}
