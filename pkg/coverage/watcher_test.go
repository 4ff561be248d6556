package coverage

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

func TestWatcher_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coverage-exemptions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("exemptions: []\n"), 0o644))

	initial, err := LoadExemptions(path)
	require.NoError(t, err)
	auditor := NewAuditor(baseTable(), initial)
	require.False(t, auditor.Audit().OK())

	w, err := NewWatcher(auditor, path, nil)
	require.NoError(t, err)
	defer w.Close()

	var (
		mu      sync.Mutex
		reloads []*Result
	)
	w.OnReload = func(res *Result) {
		mu.Lock()
		reloads = append(reloads, res)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, os.WriteFile(path,
		[]byte("exemptions:\n  - operation: POST /webhooks/sis\n    reason: signed\n"), 0o644))
	assert.Eventually(t, func() bool { return auditor.Audit().OK() }, 2*time.Second, 10*time.Millisecond)

	// A broken file keeps the previous set. Swap it in by rename so no
	// truncated intermediate state is observed.
	tmp := filepath.Join(dir, "broken.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("exemptions:\n  - operation: POST\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))
	time.Sleep(100 * time.Millisecond)
	assert.True(t, auditor.Audit().OK())

	mu.Lock()
	assert.NotEmpty(t, reloads)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
