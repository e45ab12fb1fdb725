package badger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/marmos91/dittoweb/pkg/store/credential"
	credentialtesting "github.com/marmos91/dittoweb/pkg/store/credential/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, path string) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(context.Background(), BadgerStoreConfig{DBPath: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestBadgerStore runs the complete credential store suite against BadgerStore.
func TestBadgerStore(t *testing.T) {
	suite := &credentialtesting.StoreTestSuite{
		NewStore: func(t *testing.T) credential.Store {
			return newTestStore(t, filepath.Join(t.TempDir(), "credentials"))
		},
	}

	suite.Run(t)
}

func TestBadgerStoreInMemory(t *testing.T) {
	store, err := NewBadgerStore(context.Background(), BadgerStoreConfig{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	h, err := store.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Insert(context.Background(), "alice", []byte("h")))

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestBadgerStorePersists reopens the database and expects the user to survive.
func TestBadgerStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")
	ctx := context.Background()

	store, err := NewBadgerStore(ctx, BadgerStoreConfig{DBPath: path})
	require.NoError(t, err)
	h, err := store.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Insert(ctx, "alice", []byte("hash")))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "second close is a no-op")

	reopened := newTestStore(t, path)
	h, err = reopened.Connect(ctx)
	require.NoError(t, err)

	hash, err := h.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("hash"), hash)

	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBadgerStoreRequiresPath(t *testing.T) {
	_, err := NewBadgerStore(context.Background(), BadgerStoreConfig{})
	assert.Error(t, err)
}

func TestBadgerStoreClosed(t *testing.T) {
	store := newTestStore(t, filepath.Join(t.TempDir(), "credentials"))
	require.NoError(t, store.Close())

	_, err := store.Connect(context.Background())
	assert.ErrorIs(t, err, credential.ErrStoreClosed)
	assert.ErrorIs(t, store.Healthcheck(context.Background()), credential.ErrStoreClosed)
}
