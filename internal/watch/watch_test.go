package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	policy := filepath.Join(dir, "policy.yaml")
	other := filepath.Join(dir, "other.yaml")
	require.NoError(t, os.WriteFile(policy, []byte("a"), 0o644))

	var calls atomic.Int32
	w, err := New([]string{policy}, func(context.Context) error {
		calls.Add(1)
		return nil
	}, WithDebounce(50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(other, []byte("ignored"), 0o644))
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(policy, []byte{byte('b' + i)}, 0o644))
	}
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load(), "a burst of writes runs the callback once")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestRunReturnsInitialError(t *testing.T) {
	policy := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policy, nil, 0o644))

	w, err := New([]string{policy}, func(context.Context) error { return errors.New("bad policy") })
	require.NoError(t, err)
	err = w.Run(context.Background())
	assert.ErrorContains(t, err, "bad policy")
}

func TestNewRequiresFiles(t *testing.T) {
	_, err := New(nil, func(context.Context) error { return nil })
	assert.Error(t, err)
}
