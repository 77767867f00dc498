package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategyengine/internal/events"
	"strategyengine/pkg/crypto"
	"strategyengine/pkg/db"
)

func testKey() []byte {
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func testKeyV2() []byte {
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func newTestVault(t *testing.T) (*Vault, *events.Bus) {
	t.Helper()
	return newTestVaultWithKeys(t, map[int][]byte{1: testKey()})
}

func newTestVaultWithKeys(t *testing.T, keys map[int][]byte) (*Vault, *events.Bus) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	bus := events.NewBus()
	v, err := New(database, keys, bus)
	require.NoError(t, err)
	return v, bus
}

func TestLinkGetRoundTripsDecryptedCredential(t *testing.T) {
	ctx := context.Background()
	v, bus := newTestVault(t)

	ch, unsub := bus.Subscribe(events.EventExchangeLinked, 1)
	defer unsub()

	id, err := v.Link(ctx, "u1", "binance-spot", "binance", "my-key", "my-secret")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case payload := <-ch:
		assert.Equal(t, id, payload)
	default:
		t.Fatal("expected EventExchangeLinked to be published")
	}

	cred, err := v.Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, "my-key", cred.APIKey)
	assert.Equal(t, "my-secret", cred.APISecret)
}

func TestGetForExchangeResolvesByCatalogID(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)

	_, err := v.Link(ctx, "u1", "binance-spot", "binance", "k1", "s1")
	require.NoError(t, err)

	cred, err := v.GetForExchange(ctx, "u1", "binance-spot")
	require.NoError(t, err)
	assert.Equal(t, "k1", cred.APIKey)

	_, err = v.GetForExchange(ctx, "u1", "unlinked-exchange")
	assert.ErrorIs(t, err, ErrNotLinked)
}

func TestUnlinkDeactivatesAndBlocksFurtherGet(t *testing.T) {
	ctx := context.Background()
	v, bus := newTestVault(t)

	ch, unsub := bus.Subscribe(events.EventExchangeUnlinked, 1)
	defer unsub()

	id, err := v.Link(ctx, "u1", "binance-spot", "binance", "k1", "s1")
	require.NoError(t, err)

	require.NoError(t, v.Unlink(ctx, "u1", id))

	select {
	case payload := <-ch:
		assert.Equal(t, id, payload)
	default:
		t.Fatal("expected EventExchangeUnlinked to be published")
	}

	_, err = v.Get(ctx, "u1", id)
	assert.ErrorIs(t, err, ErrNotLinked)

	_, err = v.GetForExchange(ctx, "u1", "binance-spot")
	assert.ErrorIs(t, err, ErrNotLinked)
}

func TestReconnectReactivatesWithFreshCredentials(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)

	id, err := v.Link(ctx, "u1", "binance-spot", "binance", "k1", "s1")
	require.NoError(t, err)
	require.NoError(t, v.Disconnect(ctx, "u1", id))

	require.NoError(t, v.Reconnect(ctx, "u1", id, "k2", "s2"))

	cred, err := v.Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, "k2", cred.APIKey)
}

func TestGetDecryptsCredentialEncryptedUnderRetiredKeyVersion(t *testing.T) {
	ctx := context.Background()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	bus := events.NewBus()

	v1, err := New(database, map[int][]byte{1: testKey()}, bus)
	require.NoError(t, err)
	id, err := v1.Link(ctx, "u1", "binance-spot", "binance", "k1", "s1")
	require.NoError(t, err)

	// Master key rotates: v2 is now current, but v1's credential must
	// still decrypt since its ciphertext still carries the v1 prefix.
	v2, err := New(database, map[int][]byte{1: testKey(), 2: testKeyV2()}, bus)
	require.NoError(t, err)

	cred, err := v2.Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, "k1", cred.APIKey)
	assert.Equal(t, "s1", cred.APISecret)
}
