package watch

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	lock  sync.Mutex
	calls [][]string
}

func (r *recorder) fn(ctx context.Context, changed []string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.calls = append(r.calls, changed)
}

func (r *recorder) get() [][]string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([][]string(nil), r.calls...)
}

func write(t *testing.T, path, content string) {
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
}

func TestBurstCoalesced(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.js"), filepath.Join(dir, "b.js")
	write(t, a, "1")
	write(t, b, "1")

	r := &recorder{}
	w := New([]string{dir}, 100*time.Millisecond, r.fn)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	for i := 0; i < 5; i++ {
		write(t, a, "2")
		write(t, b, "2")
	}

	require.Eventually(t, func() bool { return len(r.get()) == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	calls := r.get()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{a, b}, calls[0])
}

func TestFileWatchIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	src, other := filepath.Join(dir, "main.py"), filepath.Join(dir, "notes.txt")
	write(t, src, "x = 1")

	r := &recorder{}
	w := New([]string{src}, 50*time.Millisecond, r.fn)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	write(t, other, "ignored")
	time.Sleep(250 * time.Millisecond)
	assert.Empty(t, r.get())

	write(t, src, "x = 2")
	require.Eventually(t, func() bool { return len(r.get()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{src}, r.get()[0])
}

func TestStopSilences(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "main.js")
	write(t, src, "1")

	r := &recorder{}
	w := New([]string{src}, 50*time.Millisecond, r.fn)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())

	write(t, src, "2")
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, r.get())
}

func TestStartErrors(t *testing.T) {
	assert.Equal(t, ErrNoPaths, New(nil, 0, nil).Start(context.Background()))
	assert.Error(t, New([]string{"/does/not/exist"}, 0, nil).Start(context.Background()))
	assert.NoError(t, New(nil, 0, nil).Stop())
}
