package secrets

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewFromSecret([]byte("unit-test-material"), storage.NewMemoryStore())
	require.NoError(t, err)
	return s
}

// TestPutGetRoundTrip tests seal, store and open
func TestPutGetRoundTrip(t *testing.T) {
	s := testStore(t)

	id, err := s.Put([]byte("agent auth token value"))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("agent auth token value"), got)
}

// TestCiphertextAtRest tests that stored bytes are not the plaintext
func TestCiphertextAtRest(t *testing.T) {
	backing := storage.NewMemoryStore()
	s, err := NewFromSecret([]byte("unit-test-material"), backing)
	require.NoError(t, err)

	plaintext := []byte("super sensitive")
	id, err := s.Put(plaintext)
	require.NoError(t, err)

	var raw []byte
	require.NoError(t, backing.Scan(types.KindSecret, id.String(), func(r storage.Row) error {
		raw = append(raw, r.Data...)
		return nil
	}))
	assert.NotContains(t, string(raw), "super sensitive")
}

// TestWrongKeyFailsToOpen tests key separation
func TestWrongKeyFailsToOpen(t *testing.T) {
	backing := storage.NewMemoryStore()

	a, err := NewFromSecret([]byte("key-a"), backing)
	require.NoError(t, err)
	b, err := NewFromSecret([]byte("key-b"), backing)
	require.NoError(t, err)

	id, err := a.Put([]byte("value"))
	require.NoError(t, err)

	_, err = b.Get(id)
	assert.Error(t, err)
}

// TestGetMissing tests lookup of an absent id
func TestGetMissing(t *testing.T) {
	s := testStore(t)

	_, err := s.Get(uuid.New())
	assert.True(t, storage.IsNotFound(err))
}

// TestDeleteIdempotent tests that double delete is not an error
func TestDeleteIdempotent(t *testing.T) {
	s := testStore(t)

	id, err := s.Put([]byte("value"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(id))
	require.NoError(t, s.Delete(id))

	_, err = s.Get(id)
	assert.True(t, storage.IsNotFound(err))
}

// TestRejectsEmptyInputs tests input validation
func TestRejectsEmptyInputs(t *testing.T) {
	_, err := New([]byte("short"), storage.NewMemoryStore())
	assert.Error(t, err)

	_, err = NewFromSecret(nil, storage.NewMemoryStore())
	assert.Error(t, err)

	s := testStore(t)
	_, err = s.Put(nil)
	assert.Error(t, err)
}
