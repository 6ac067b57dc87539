package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStoreSetGet(t *testing.T) {
	kv, err := NewKVStore(t.TempDir())
	require.NoError(t, err)
	defer kv.Close()

	_, found, err := kv.Get("job_state:j1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, kv.Set("job_state:j1", []byte("v1")))

	value, found, err := kv.Get("job_state:j1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), value)

	// Overwrite
	require.NoError(t, kv.Set("job_state:j1", []byte("v2")))
	value, _, err = kv.Get("job_state:j1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)
}

func TestKVStoreSetNX(t *testing.T) {
	kv, err := NewKVStore(t.TempDir())
	require.NoError(t, err)
	defer kv.Close()

	stored, err := kv.SetNX("job_state:j1", []byte("first"))
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = kv.SetNX("job_state:j1", []byte("second"))
	require.NoError(t, err)
	assert.False(t, stored)

	value, _, err := kv.Get("job_state:j1")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), value)
}

func TestKVStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	kv, err := NewKVStore(dir)
	require.NoError(t, err)
	require.NoError(t, kv.Set("job_state:j1", []byte("durable")))
	require.NoError(t, kv.Close())

	kv, err = NewKVStore(dir)
	require.NoError(t, err)
	defer kv.Close()

	value, found, err := kv.Get("job_state:j1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("durable"), value)
}
