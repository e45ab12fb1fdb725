// Package testing provides a reusable test suite for credential.Store
// implementations.
package testing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/marmos91/dittoweb/pkg/store/credential"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite tests the Store and Handle contracts, so it runs unchanged against
// every implementation.
type StoreTestSuite struct {
	// NewStore creates a fresh, empty store for each test. Cleanup is registered
	// on test by the factory when needed.
	NewStore func(test *testing.T) credential.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(test *testing.T) {
	test.Run("Handle", suite.RunHandleTests)
	test.Run("Concurrency", suite.RunConcurrencyTests)
	test.Run("Lifecycle", suite.RunLifecycleTests)
	test.Run("Pool", suite.RunPoolTests)
}

func (suite *StoreTestSuite) RunHandleTests(test *testing.T) {
	test.Run("Lookup_Missing", suite.TestLookup_Missing)
	test.Run("Insert_ThenLookup", suite.TestInsert_ThenLookup)
	test.Run("Insert_Duplicate", suite.TestInsert_Duplicate)
	test.Run("Lookup_ReturnsCopy", suite.TestLookup_ReturnsCopy)
	test.Run("Usernames_AreOpaque", suite.TestUsernames_AreOpaque)
	test.Run("Handles_ShareData", suite.TestHandles_ShareData)
}

func (suite *StoreTestSuite) RunConcurrencyTests(test *testing.T) {
	test.Run("Insert_SameUser", suite.TestInsert_SameUserConcurrently)
	test.Run("Insert_DistinctUsers", suite.TestInsert_DistinctUsersConcurrently)
}

func (suite *StoreTestSuite) RunLifecycleTests(test *testing.T) {
	test.Run("Healthcheck", suite.TestHealthcheck)
	test.Run("CancelledContext", suite.TestCancelledContext)
	test.Run("ClosedHandle", suite.TestClosedHandle)
}

func (suite *StoreTestSuite) RunPoolTests(test *testing.T) {
	test.Run("RegisterThenLogin", suite.TestPool_RegisterThenLogin)
	test.Run("Seed", suite.TestPool_Seed)
}

func (suite *StoreTestSuite) connect(test *testing.T) credential.Handle {
	test.Helper()
	store := suite.NewStore(test)
	h, err := store.Connect(context.Background())
	require.NoError(test, err)
	return h
}

// TestLookup_Missing verifies that an unknown user yields ErrUserNotFound.
func (suite *StoreTestSuite) TestLookup_Missing(test *testing.T) {
	h := suite.connect(test)

	hash, err := h.Lookup(context.Background(), "nobody")

	assert.ErrorIs(test, err, credential.ErrUserNotFound)
	assert.Nil(test, hash)
}

func (suite *StoreTestSuite) TestInsert_ThenLookup(test *testing.T) {
	h := suite.connect(test)
	ctx := context.Background()

	require.NoError(test, h.Insert(ctx, "alice", []byte("hash-a")))

	hash, err := h.Lookup(ctx, "alice")
	require.NoError(test, err)
	assert.Equal(test, []byte("hash-a"), hash)
}

// TestInsert_Duplicate verifies that the first hash wins and the second insert fails.
func (suite *StoreTestSuite) TestInsert_Duplicate(test *testing.T) {
	h := suite.connect(test)
	ctx := context.Background()

	require.NoError(test, h.Insert(ctx, "alice", []byte("first")))
	err := h.Insert(ctx, "alice", []byte("second"))
	assert.ErrorIs(test, err, credential.ErrUserExists)

	hash, err := h.Lookup(ctx, "alice")
	require.NoError(test, err)
	assert.Equal(test, []byte("first"), hash)
}

func (suite *StoreTestSuite) TestLookup_ReturnsCopy(test *testing.T) {
	h := suite.connect(test)
	ctx := context.Background()

	input := []byte("original")
	require.NoError(test, h.Insert(ctx, "bob", input))
	input[0] = 'X'

	hash, err := h.Lookup(ctx, "bob")
	require.NoError(test, err)
	hash[1] = 'Y'

	again, err := h.Lookup(ctx, "bob")
	require.NoError(test, err)
	assert.Equal(test, []byte("original"), again)
}

// TestUsernames_AreOpaque stores names that would break a string-built query.
func (suite *StoreTestSuite) TestUsernames_AreOpaque(test *testing.T) {
	h := suite.connect(test)
	ctx := context.Background()

	names := []string{
		"' OR '1'='1",
		"robert'); DROP TABLE user;--",
		"user/nested",
		"ünïcödé",
		"with space",
	}
	for i, name := range names {
		require.NoError(test, h.Insert(ctx, name, []byte(fmt.Sprintf("h%d", i))), name)
	}
	for i, name := range names {
		hash, err := h.Lookup(ctx, name)
		require.NoError(test, err, name)
		assert.Equal(test, fmt.Sprintf("h%d", i), string(hash), name)
	}

	_, err := h.Lookup(ctx, "user")
	assert.ErrorIs(test, err, credential.ErrUserNotFound, "prefix must not match")
}

func (suite *StoreTestSuite) TestHandles_ShareData(test *testing.T) {
	store := suite.NewStore(test)
	ctx := context.Background()

	h1, err := store.Connect(ctx)
	require.NoError(test, err)
	h2, err := store.Connect(ctx)
	require.NoError(test, err)

	require.NoError(test, h1.Insert(ctx, "carol", []byte("c")))
	hash, err := h2.Lookup(ctx, "carol")
	require.NoError(test, err)
	assert.Equal(test, []byte("c"), hash)
}

// TestInsert_SameUserConcurrently verifies exactly one concurrent registration of a
// name succeeds.
func (suite *StoreTestSuite) TestInsert_SameUserConcurrently(test *testing.T) {
	store := suite.NewStore(test)
	ctx := context.Background()

	const goroutines = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := store.Connect(ctx)
			if !assert.NoError(test, err) {
				return
			}
			err = h.Insert(ctx, "dave", []byte(fmt.Sprintf("h%d", i)))
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(test, err, credential.ErrUserExists)
		}(i)
	}
	wg.Wait()

	assert.Equal(test, int32(1), wins.Load())
}

func (suite *StoreTestSuite) TestInsert_DistinctUsersConcurrently(test *testing.T) {
	store := suite.NewStore(test)
	ctx := context.Background()

	const goroutines = 16
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := store.Connect(ctx)
			if !assert.NoError(test, err) {
				return
			}
			assert.NoError(test, h.Insert(ctx, fmt.Sprintf("user%d", i), []byte("h")))
		}(i)
	}
	wg.Wait()

	h, err := store.Connect(ctx)
	require.NoError(test, err)
	for i := 0; i < goroutines; i++ {
		_, err := h.Lookup(ctx, fmt.Sprintf("user%d", i))
		assert.NoError(test, err)
	}
}

func (suite *StoreTestSuite) TestHealthcheck(test *testing.T) {
	store := suite.NewStore(test)

	require.NoError(test, store.Healthcheck(context.Background()))
}

func (suite *StoreTestSuite) TestCancelledContext(test *testing.T) {
	h := suite.connect(test)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Lookup(ctx, "alice")
	assert.ErrorIs(test, err, context.Canceled)

	err = h.Insert(ctx, "alice", []byte("h"))
	assert.ErrorIs(test, err, context.Canceled)
}

func (suite *StoreTestSuite) TestClosedHandle(test *testing.T) {
	h := suite.connect(test)
	require.NoError(test, h.Close())

	_, err := h.Lookup(context.Background(), "alice")
	assert.ErrorIs(test, err, credential.ErrStoreClosed)
}

func (suite *StoreTestSuite) newPool(test *testing.T, size int) *credential.Pool {
	test.Helper()
	pool, err := credential.NewPool(context.Background(), suite.NewStore(test), credential.PoolConfig{
		Size:     size,
		HashCost: 4,
	})
	require.NoError(test, err)
	test.Cleanup(func() { _ = pool.Close() })
	return pool
}

// TestPool_RegisterThenLogin runs the full form flow through Verify.
func (suite *StoreTestSuite) TestPool_RegisterThenLogin(test *testing.T) {
	pool := suite.newPool(test, 2)
	ctx := context.Background()

	ok, err := credential.Verify(ctx, pool, credential.ActionLogin, "erin", "pw")
	require.NoError(test, err)
	assert.False(test, ok, "login before register")

	ok, err = credential.Verify(ctx, pool, credential.ActionRegister, "erin", "pw")
	require.NoError(test, err)
	assert.True(test, ok, "first register")

	ok, err = credential.Verify(ctx, pool, credential.ActionRegister, "erin", "other")
	require.NoError(test, err)
	assert.False(test, ok, "second register")

	ok, err = credential.Verify(ctx, pool, credential.ActionLogin, "erin", "pw")
	require.NoError(test, err)
	assert.True(test, ok, "login with right password")

	ok, err = credential.Verify(ctx, pool, credential.ActionLogin, "erin", "wrong")
	require.NoError(test, err)
	assert.False(test, ok, "login with wrong password")

	assert.Equal(test, 2, pool.Available(), "every handle returned")
}

func (suite *StoreTestSuite) TestPool_Seed(test *testing.T) {
	pool := suite.newPool(test, 1)
	ctx := context.Background()

	added, err := credential.Seed(ctx, pool, map[string]string{"a": "1", "b": "2"})
	require.NoError(test, err)
	assert.Equal(test, 2, added)

	added, err = credential.Seed(ctx, pool, map[string]string{"a": "changed", "c": "3"})
	require.NoError(test, err)
	assert.Equal(test, 1, added, "existing users are kept")

	ok, err := credential.Verify(ctx, pool, credential.ActionLogin, "a", "1")
	require.NoError(test, err)
	assert.True(test, ok)
}
