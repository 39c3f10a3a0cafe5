// Package engine implements the per-task download engine: the state
// machine, the sequential segment pipeline, AES-128 decryption, statistics,
// and the optional remux step. One Task owns exactly one worker goroutine
// for its lifetime.
package engine

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ErrOutOfRange is returned by RetrySegment when the index is not a valid
// segment index for the task.
var ErrOutOfRange = newErr(KindValidation, "segment index out of range")

// URLFilter decides whether a URL is safe to fetch. *safety.Filter is the
// production implementation; tests substitute a fake to exercise the
// pipeline without touching real DNS or rejecting loopback test servers.
type URLFilter interface {
	IsSafe(ctx context.Context, rawURL string) bool
}

// Task drives a single HLS download from playlist resolution through to a
// finished file (and optional remux).
type Task struct {
	id          string
	opts        Options
	downloadDir string
	client      *http.Client
	filter      URLFilter
	logger      *log.Logger

	mu            sync.Mutex
	state         State
	message       string
	segments      []*SegmentRecord
	cursor        int
	mediaSequence int
	createdAt     time.Time
	startedAt     time.Time
	completedAt   time.Time
	totalBytes    int64
	stats         *stats
	ffmpegMissing bool
	tempPath      string
	tsPath        string
	outputPath    string
	keyCache      map[string]string // keyURI -> "" sentinel; bytes kept separately
	keyCacheBytes map[string][]byte
	workerRunning bool

	fileMu    sync.Mutex
	file      *os.File
	nextIndex int
	memBuf    [][]byte // used only when opts.StreamToDisk is false

	ctrl       *controlState
	ctx        context.Context
	cancelFunc context.CancelFunc
	workerDone chan struct{}
}

// New constructs a Task in the ready state. opts must already be validated
// (see Options.Validate).
func New(id string, opts Options, downloadDir string, client *http.Client, filter URLFilter, logger *log.Logger) *Task {
	return &Task{
		id:            id,
		opts:          opts,
		downloadDir:   downloadDir,
		client:        client,
		filter:        filter,
		logger:        logger,
		state:         StateReady,
		createdAt:     time.Now(),
		keyCacheBytes: make(map[string][]byte),
		tempPath:      filepath.Join(downloadDir, id+".download"),
		ctrl:          newControlState(),
	}
}

// ID returns the task's identifier.
func (t *Task) ID() string { return t.id }

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Task) setError(err error) {
	t.mu.Lock()
	t.state = StateError
	t.message = err.Error()
	t.completedAt = time.Now()
	t.mu.Unlock()
}

// Start begins (or resumes, or no-ops) the task per the state machine in
// §4.4: ready->preparing spawns a worker; paused->downloading resumes it;
// any terminal state is an idempotent no-op.
func (t *Task) Start() error {
	t.mu.Lock()
	switch {
	case t.state.IsTerminal():
		t.mu.Unlock()
		return nil
	case t.state == StatePaused:
		t.mu.Unlock()
		t.ctrl.requestResume()
		return nil
	case t.workerRunning:
		t.mu.Unlock()
		return nil
	}
	t.state = StatePreparing
	t.workerRunning = true
	t.startedAt = time.Now()
	t.mu.Unlock()

	t.ctx, t.cancelFunc = context.WithCancel(context.Background())
	t.workerDone = make(chan struct{})

	go t.run()
	return nil
}

// Pause requests the worker stop before its next segment and block.
func (t *Task) Pause() error {
	t.mu.Lock()
	running := t.workerRunning
	state := t.state
	t.mu.Unlock()
	if !running || state.IsTerminal() {
		return nil
	}
	t.ctrl.requestPause()
	return nil
}

// Resume is an alias for Start, matching the spec's "resume/start" command.
func (t *Task) Resume() error {
	return t.Start()
}

// Cancel requests the worker stop; an in-flight HTTP request is aborted via
// context cancellation rather than left to its natural timeout.
func (t *Task) Cancel() error {
	t.mu.Lock()
	running := t.workerRunning
	terminal := t.state.IsTerminal()
	t.mu.Unlock()
	if terminal {
		return nil
	}
	t.ctrl.requestCancel()
	if running && t.cancelFunc != nil {
		t.cancelFunc()
	}
	if !running {
		// Never started: transition straight to stopped.
		t.mu.Lock()
		t.state = StateStopped
		t.completedAt = time.Now()
		t.mu.Unlock()
	}
	return nil
}

// ForceSave requests the worker finalise whatever has been downloaded so
// far as a partial file.
func (t *Task) ForceSave() error {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if state != StateDownloading && state != StatePaused {
		return nil
	}
	t.ctrl.requestForceSave()
	return nil
}

// Wait blocks until the worker goroutine has exited, or the timeout
// elapses. Used by the manager's Delete to join a cancelled task.
func (t *Task) Wait(timeout time.Duration) bool {
	t.mu.Lock()
	done := t.workerDone
	running := t.workerRunning
	t.mu.Unlock()
	if !running || done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
