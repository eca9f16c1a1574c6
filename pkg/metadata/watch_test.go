package metadata

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const watchedRegistry = `
entities:
  widgets:
    table: widgets
    fields:
      - {name: id, type: integer}
    permissions: {read: customer}
`

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watchedRegistry), 0o644))

	var (
		mu    sync.Mutex
		loads []*Registry
		errs  []error
	)
	record := func(reg *Registry, err error) {
		mu.Lock()
		defer mu.Unlock()
		loads = append(loads, reg)
		errs = append(errs, err)
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(loads)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, nil, record) }()

	require.Eventually(t, func() bool { return count() == 1 }, 5*time.Second, 10*time.Millisecond)

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	require.NoError(t, os.WriteFile(path, []byte("entities: ["), 0o644))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 1 && errs[len(errs)-1] != nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(watchedRegistry), 0o644))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errs[len(errs)-1] == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, errs[0])
	_, ok := loads[0].Lookup("widgets")
	assert.True(t, ok)
	last := loads[len(loads)-1]
	require.NotNil(t, last)
	_, ok = last.Lookup("widgets")
	assert.True(t, ok)
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "missing", "registry.yaml"), nil, func(*Registry, error) {
		t.Fatal("onLoad must not run")
	})
	assert.Error(t, err)
}
