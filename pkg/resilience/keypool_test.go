package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPool_RoundRobin(t *testing.T) {
	kp := NewKeyPool([]string{"a", "", "b"})
	assert.Equal(t, 2, kp.Size())

	var got []string
	for i := 0; i < 4; i++ {
		k, err := kp.Next()
		require.NoError(t, err)
		got = append(got, k)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, got)
}

func TestKeyPool_SkipsRateLimitedKeys(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	kp := NewKeyPool([]string{"a", "b"})
	kp.now = func() time.Time { return now }

	kp.MarkRateLimited("a", now.Add(time.Minute))
	for i := 0; i < 3; i++ {
		k, err := kp.Next()
		require.NoError(t, err)
		assert.Equal(t, "b", k)
	}

	kp.MarkRateLimited("b", now.Add(30*time.Second))
	_, err := kp.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), now.Add(30*time.Second).Format(time.RFC3339))
	assert.NotContains(t, err.Error(), "\"a\"")

	now = now.Add(time.Minute)
	k, err := kp.Next()
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, k)
}

func TestKeyPool_Empty(t *testing.T) {
	_, err := NewKeyPool(nil).Next()
	assert.ErrorIs(t, err, ErrNoKeys)
}
