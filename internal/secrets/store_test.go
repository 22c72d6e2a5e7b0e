package secrets

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryDurableStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func newMemoryDurableStore() *memoryDurableStore {
	return &memoryDurableStore{records: make(map[string]Record)}
}

func (m *memoryDurableStore) GetSecret(_ context.Context, name string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[name]
	return record, ok, nil
}

func (m *memoryDurableStore) PutSecret(_ context.Context, name string, ciphertext string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[name] = Record{Name: name, Ciphertext: ciphertext}
	return nil
}

func (m *memoryDurableStore) DeleteSecret(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, name)
	return nil
}

func newTestStore(t *testing.T, durable DurableStore) *Store {
	t.Helper()
	s, err := NewStore(durable, "installation-passphrase", []byte("fixed-salt"))
	require.NoError(t, err)
	return s
}

func TestStore_RoundTripThroughEncryption(t *testing.T) {
	durable := newMemoryDurableStore()
	s := newTestStore(t, durable)
	ctx := context.Background()

	s.Store(ctx, "apiKey", "sk-12345")

	// Simulate process restart losing the ephemeral copy.
	s.DropEphemeral()

	got, ok := s.Retrieve(ctx, "apiKey")
	require.True(t, ok)
	assert.Equal(t, "sk-12345", got)

	// The durable copy must not hold the plaintext.
	record, found, err := durable.GetSecret(ctx, "apiKey")
	require.NoError(t, err)
	require.True(t, found)
	assert.NotContains(t, record.Ciphertext, "sk-12345")
	assert.Empty(t, record.LegacyPlaintext)
}

func TestStore_LegacyPlaintextMigratedOnRead(t *testing.T) {
	durable := newMemoryDurableStore()
	durable.records["apiKey"] = Record{Name: "apiKey", LegacyPlaintext: "legacy-value"}
	s := newTestStore(t, durable)
	ctx := context.Background()

	got, ok := s.Retrieve(ctx, "apiKey")
	require.True(t, ok)
	assert.Equal(t, "legacy-value", got)

	record, found, err := durable.GetSecret(ctx, "apiKey")
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, record.LegacyPlaintext)
	assert.NotEmpty(t, record.Ciphertext)

	// Still readable after the ephemeral copy is gone.
	s.DropEphemeral()
	got, ok = s.Retrieve(ctx, "apiKey")
	require.True(t, ok)
	assert.Equal(t, "legacy-value", got)
}

func TestStore_CorruptedCiphertextIsAMiss(t *testing.T) {
	durable := newMemoryDurableStore()
	durable.records["apiKey"] = Record{Name: "apiKey", Ciphertext: "bm90LXJlYWwtY2lwaGVydGV4dA=="}
	s := newTestStore(t, durable)

	_, ok := s.Retrieve(context.Background(), "apiKey")
	assert.False(t, ok)
}

func TestStore_KeyMismatchIsAMiss(t *testing.T) {
	durable := newMemoryDurableStore()
	ctx := context.Background()

	first := newTestStore(t, durable)
	first.Store(ctx, "apiKey", "sk-12345")

	other, err := NewStore(durable, "different-passphrase", []byte("fixed-salt"))
	require.NoError(t, err)

	_, ok := other.Retrieve(ctx, "apiKey")
	assert.False(t, ok)
}

func TestStore_ClearRemovesBothCopies(t *testing.T) {
	durable := newMemoryDurableStore()
	s := newTestStore(t, durable)
	ctx := context.Background()

	s.Store(ctx, "apiKey", "sk-12345")
	s.Clear(ctx, "apiKey")

	_, ok := s.Retrieve(ctx, "apiKey")
	assert.False(t, ok)
	_, found, err := durable.GetSecret(ctx, "apiKey")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_NonceVariesPerWrite(t *testing.T) {
	durable := newMemoryDurableStore()
	s := newTestStore(t, durable)
	ctx := context.Background()

	s.Store(ctx, "a", "same-value")
	firstA, _, _ := durable.GetSecret(ctx, "a")
	s.Store(ctx, "a", "same-value")
	secondA, _, _ := durable.GetSecret(ctx, "a")

	assert.NotEqual(t, firstA.Ciphertext, secondA.Ciphertext)
}

func TestNewStore_RequiresPassphrase(t *testing.T) {
	_, err := NewStore(newMemoryDurableStore(), "", []byte("salt"))
	assert.Error(t, err)
}
