package hlsfetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvusmedia/hlsfetch/internal/engine"
)

// allowAll is a URLFilter stub that treats every URL as safe, letting tests
// drive the manager against an httptest server the production safety.Filter
// would reject as loopback.
type allowAll struct{}

func (allowAll) IsSafe(context.Context, string) bool { return true }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(
		WithDownloadDir(dir),
		WithLogger(log.New(os.Stderr)),
		WithFilter(allowAll{}),
	)
	require.NoError(t, err)
	return m
}

func TestNewManager_CreatesDownloadDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "downloads")
	_, err := NewManager(WithDownloadDir(dir))
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCreateTask_RequiresURL(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateTask(CreateTaskOptions{})
	assert.Error(t, err)
}

func TestCreateTask_RejectsDuplicateID(t *testing.T) {
	m := newTestManager(t)
	opts := CreateTaskOptions{ID: "dup", URL: "https://example.com/playlist.m3u8"}

	_, err := m.CreateTask(opts)
	require.NoError(t, err)

	_, err = m.CreateTask(opts)
	assert.Error(t, err)
}

func TestCreateTask_GeneratesIDWhenUnset(t *testing.T) {
	m := newTestManager(t)
	snap, err := m.CreateTask(CreateTaskOptions{URL: "https://example.com/playlist.m3u8"})
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
}

func TestListTasks_PreservesCreationOrder(t *testing.T) {
	m := newTestManager(t)
	var ids []string
	for i := 0; i < 3; i++ {
		snap, err := m.CreateTask(CreateTaskOptions{
			ID:  fmt.Sprintf("task-%d", i),
			URL: "https://example.com/playlist.m3u8",
		})
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}

	list := m.ListTasks()
	require.Len(t, list, 3)
	for i, snap := range list {
		assert.Equal(t, ids[i], snap.ID)
	}
}

func TestLifecycleOps_ReturnErrNotFoundForUnknownTask(t *testing.T) {
	m := newTestManager(t)

	_, getErr := m.GetTask("missing")
	assert.ErrorIs(t, getErr, ErrNotFound)
	assert.ErrorIs(t, m.StartTask("missing"), ErrNotFound)
	assert.ErrorIs(t, m.PauseTask("missing"), ErrNotFound)
	assert.ErrorIs(t, m.ResumeTask("missing"), ErrNotFound)
	assert.ErrorIs(t, m.CancelTask("missing"), ErrNotFound)
	assert.ErrorIs(t, m.ForceSaveTask("missing"), ErrNotFound)
	assert.ErrorIs(t, m.RetrySegment("missing", 0), ErrNotFound)
	assert.ErrorIs(t, m.DeleteTask("missing", false), ErrNotFound)
}

func TestRetrySegment_MapsOutOfRangeSentinel(t *testing.T) {
	m := newTestManager(t)
	snap, err := m.CreateTask(CreateTaskOptions{URL: "https://example.com/playlist.m3u8"})
	require.NoError(t, err)

	err = m.RetrySegment(snap.ID, 5)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestManager_EndToEndDownload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:2.0,\nseg0.ts\n#EXTINF:2.0,\nseg1.ts\n#EXT-X-ENDLIST\n"))
	})
	mux.HandleFunc("/seg0.ts", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("aaa")) })
	mux.HandleFunc("/seg1.ts", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("bbb")) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := newTestManager(t)
	snap, err := m.CreateTask(CreateTaskOptions{URL: srv.URL + "/playlist.m3u8", Title: "sample"})
	require.NoError(t, err)

	require.NoError(t, m.StartTask(snap.ID))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err = m.GetTask(snap.ID)
		require.NoError(t, err)
		if snap.Status.IsTerminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	require.Equal(t, StateCompleted, snap.Status)
	data, err := os.ReadFile(snap.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "aaabbb", string(data))
}

func TestDeleteTask_CancelsRunningTaskAndRemovesRegistryEntry(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:2.0,\nseg0.ts\n#EXTINF:2.0,\nseg1.ts\n#EXT-X-ENDLIST\n"))
	})
	mux.HandleFunc("/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("aaa"))
	})
	mux.HandleFunc("/seg1.ts", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("bbb")) })
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(release)

	m := newTestManager(t)
	snap, err := m.CreateTask(CreateTaskOptions{URL: srv.URL + "/playlist.m3u8"})
	require.NoError(t, err)
	require.NoError(t, m.StartTask(snap.ID))

	// Let the worker reach and block inside the first segment request, so
	// DeleteTask must actually cancel the in-flight fetch rather than
	// racing a task that already finished on its own.
	time.Sleep(50 * time.Millisecond)

	err = m.DeleteTask(snap.ID, true)
	require.NoError(t, err)

	_, err = m.GetTask(snap.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngineErrOutOfRange_MatchesThroughWrapping(t *testing.T) {
	var err error = fmt.Errorf("wrap: %w", engine.ErrOutOfRange)
	assert.True(t, errors.Is(err, engine.ErrOutOfRange))
}
