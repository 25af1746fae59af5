package kvstore_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"fiatoracle/internal/kvstore"
)

func openBolt(t *testing.T, maxBytes int) *kvstore.Bolt {
	t.Helper()

	b, err := kvstore.OpenBolt(filepath.Join(t.TempDir(), "kv.db"), maxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func backends(t *testing.T, maxBytes int) map[string]kvstore.Store {
	return map[string]kvstore.Store{
		"memory": kvstore.NewMemory(maxBytes),
		"bbolt":  openBolt(t, maxBytes),
	}
}

func TestStore_SetGetRemove(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get("missing")
			require.ErrorIs(t, err, kvstore.ErrNotFound)

			require.NoError(t, s.Set("price:mainnet:XLM", []byte("0.12")))
			v, err := s.Get("price:mainnet:XLM")
			require.NoError(t, err)
			require.Equal(t, "0.12", string(v))

			require.NoError(t, s.Remove("price:mainnet:XLM"))
			_, err = s.Get("price:mainnet:XLM")
			require.ErrorIs(t, err, kvstore.ErrNotFound)

			// removing an absent key is not an error
			require.NoError(t, s.Remove("price:mainnet:XLM"))
		})
	}
}

func TestStore_KeysByPrefix(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set("price:mainnet:a", []byte("1")))
			require.NoError(t, s.Set("price:mainnet:b", []byte("2")))
			require.NoError(t, s.Set("price:testnet:a", []byte("3")))
			require.NoError(t, s.Set("fx:mainnet:USD", []byte("4")))

			keys, err := s.Keys("price:mainnet:")
			require.NoError(t, err)
			require.Equal(t, []string{"price:mainnet:a", "price:mainnet:b"}, keys)
		})
	}
}

func TestStore_QuotaExceeded(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t, 16) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set("k1", []byte("12345678")))
			require.ErrorIs(t, s.Set("k2", []byte("12345678")), kvstore.ErrQuotaExceeded)

			// overwriting in place frees the old value first
			require.NoError(t, s.Set("k1", []byte("abcdefgh")))

			require.NoError(t, s.Remove("k1"))
			require.NoError(t, s.Set("k2", []byte("12345678")))
		})
	}
}

func TestBolt_ReopenKeepsDataAndSize(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kv.db")
	b, err := kvstore.OpenBolt(path, 19)
	require.NoError(t, err)
	require.NoError(t, b.Set("k1", []byte("12345678")))
	require.NoError(t, b.Close())

	b, err = kvstore.OpenBolt(path, 19)
	require.NoError(t, err)
	defer b.Close()

	v, err := b.Get("k1")
	require.NoError(t, err)
	require.Equal(t, "12345678", string(v))
	require.ErrorIs(t, b.Set("k2", []byte("12345678")), kvstore.ErrQuotaExceeded)
}

func TestOpen_Drivers(t *testing.T) {
	t.Parallel()

	s, err := kvstore.Open(t.Context(), kvstore.Options{Driver: "memory"})
	require.NoError(t, err)
	require.IsType(t, &kvstore.Memory{}, s)

	_, err = kvstore.Open(t.Context(), kvstore.Options{Driver: "bbolt"})
	require.Error(t, err)

	_, err = kvstore.Open(t.Context(), kvstore.Options{Driver: "etcd"})
	require.Error(t, err)
}
