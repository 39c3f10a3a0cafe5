// Package hlsfetch downloads HLS media playlists to a single local file:
// it resolves a playlist URL through an SSRF-safe filter, walks its
// segments in order, optionally decrypts AES-128-CBC segments, and reports
// live progress and ETA while the task runs. A Manager owns any number of
// independent, concurrently running tasks, each sequential internally.
package hlsfetch

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/corvusmedia/hlsfetch/internal/engine"
	"github.com/corvusmedia/hlsfetch/internal/httpclient"
	"github.com/corvusmedia/hlsfetch/internal/safety"
)

// Manager is the task registry: it owns task creation, lifecycle dispatch,
// and lookup. Tasks are held in memory only — restarting the process loses
// the registry, by design (persistence is out of scope).
type Manager struct {
	downloadDir string
	filter      engine.URLFilter
	logger      *log.Logger

	tasks     sync.Map // map[string]*engine.Task
	orderMu   sync.RWMutex
	taskOrder []string
}

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*Manager)

// WithDownloadDir sets the directory tasks write their output into.
// Defaults to the current working directory.
func WithDownloadDir(dir string) ManagerOption {
	return func(m *Manager) { m.downloadDir = dir }
}

// WithLogger overrides the manager's logger. Defaults to a charmbracelet/log
// logger writing to stderr.
func WithLogger(l *log.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithFilter overrides the SSRF safety filter tasks are constructed with.
// Defaults to a production safety.Filter. Tests substitute a fake to drive
// the manager against an httptest.Server, which safety.Filter always rejects
// as loopback.
func WithFilter(f engine.URLFilter) ManagerOption {
	return func(m *Manager) { m.filter = f }
}

// NewManager constructs a Manager ready to create tasks.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		downloadDir: ".",
		filter:      safety.New(),
		logger:      log.New(os.Stderr),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(m.downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	return m, nil
}

// CreateTask validates opts, registers a new task in the ready state, and
// returns its snapshot. The task does not start downloading until Start is
// called.
func (m *Manager) CreateTask(opts CreateTaskOptions) (Snapshot, error) {
	engOpts, err := opts.toEngineOptions().Validate()
	if err != nil {
		return Snapshot{}, err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := m.tasks.Load(id); exists {
		return Snapshot{}, fmt.Errorf("task %q already exists", id)
	}

	var client *http.Client
	if engOpts.MaxBytesPerSec > 0 {
		client = httpclient.NewWithRateLimit(engOpts.MaxBytesPerSec)
	} else {
		client = httpclient.New()
	}

	taskLogger := m.logger.With("task", id)
	task := engine.New(id, engOpts, m.downloadDir, client, m.filter, taskLogger)

	m.tasks.Store(id, task)
	m.orderMu.Lock()
	m.taskOrder = append(m.taskOrder, id)
	m.orderMu.Unlock()

	return task.Snapshot(), nil
}

// GetTask returns the current snapshot for id.
func (m *Manager) GetTask(id string) (Snapshot, error) {
	t, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return t.Snapshot(), nil
}

// ListTasks returns every task's snapshot in creation order.
func (m *Manager) ListTasks() []Snapshot {
	m.orderMu.RLock()
	order := append([]string(nil), m.taskOrder...)
	m.orderMu.RUnlock()

	out := make([]Snapshot, 0, len(order))
	for _, id := range order {
		if v, ok := m.tasks.Load(id); ok {
			out = append(out, v.(*engine.Task).Snapshot())
		}
	}
	return out
}

// StartTask starts or resumes a task's download.
func (m *Manager) StartTask(id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	return t.Start()
}

// PauseTask requests a task pause before its next segment.
func (m *Manager) PauseTask(id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	return t.Pause()
}

// ResumeTask resumes a paused task.
func (m *Manager) ResumeTask(id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	return t.Resume()
}

// CancelTask requests a task stop, discarding its partial output.
func (m *Manager) CancelTask(id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	return t.Cancel()
}

// ForceSaveTask requests a task finalize whatever it has downloaded so far
// as a partial file.
func (m *Manager) ForceSaveTask(id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	return t.ForceSave()
}

// RetrySegment rewinds a running or paused task to re-fetch the segment at
// index.
func (m *Manager) RetrySegment(id string, index int) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := t.RetrySegment(index); err != nil {
		if errors.Is(err, engine.ErrOutOfRange) {
			return ErrOutOfRange
		}
		return err
	}
	return nil
}

// DeleteTask removes a task from the registry. A running task is cancelled
// and joined first (up to 30s) so its worker cannot race the removal. When
// removeFiles is true, any output the task produced is also deleted.
func (m *Manager) DeleteTask(id string, removeFiles bool) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}

	snap := t.Snapshot()
	if !snap.Status.IsTerminal() {
		_ = t.Cancel()
		t.Wait(30 * time.Second)
		snap = t.Snapshot()
	}

	if removeFiles && snap.OutputPath != "" {
		os.Remove(snap.OutputPath)
	}

	m.tasks.Delete(id)
	m.orderMu.Lock()
	for i, tid := range m.taskOrder {
		if tid == id {
			m.taskOrder = append(m.taskOrder[:i], m.taskOrder[i+1:]...)
			break
		}
	}
	m.orderMu.Unlock()
	return nil
}

func (m *Manager) lookup(id string) (*engine.Task, error) {
	v, ok := m.tasks.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*engine.Task), nil
}
