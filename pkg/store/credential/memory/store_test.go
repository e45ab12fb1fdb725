package memory

import (
	"context"
	"testing"

	"github.com/marmos91/dittoweb/pkg/store/credential"
	credentialtesting "github.com/marmos91/dittoweb/pkg/store/credential/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryStore runs the complete credential store suite against MemoryStore.
func TestMemoryStore(t *testing.T) {
	suite := &credentialtesting.StoreTestSuite{
		NewStore: func(t *testing.T) credential.Store {
			return NewMemoryStore()
		},
	}

	suite.Run(t)
}

func TestMemoryStoreClose(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	h, err := store.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Insert(ctx, "alice", []byte("h")))
	assert.Equal(t, 1, store.Len())

	require.NoError(t, store.Close())

	_, err = store.Connect(ctx)
	assert.ErrorIs(t, err, credential.ErrStoreClosed)
	_, err = h.Lookup(ctx, "alice")
	assert.ErrorIs(t, err, credential.ErrStoreClosed)
	assert.ErrorIs(t, store.Healthcheck(ctx), credential.ErrStoreClosed)
}
