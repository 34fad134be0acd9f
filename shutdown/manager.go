// Package shutdown coordinates graceful termination: the first signal
// cancels the run context so the stepping loop can finish its in-flight
// save, a second signal forces the process down, and registered cleanups
// run in priority order on the way out.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"progdiff/core"
	"progdiff/logging"
)

// CleanupFunc releases one resource during shutdown. It should respect
// the deadline on ctx and be safe to call once.
type CleanupFunc func(ctx context.Context) error

type cleanup struct {
	name     string
	priority int
	fn       CleanupFunc
}

// Manager owns the run context and the shutdown sequence.
type Manager struct {
	log     *logging.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cleanups []cleanup
	signals  int
	exitCode int
	done     bool

	// forceExit is swappable so tests do not kill the test process.
	forceExit func(code int)
}

// NewManager builds a manager whose context is cancelled on the first
// SIGINT or SIGTERM.
func NewManager(log *logging.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:       log.Named("shutdown"),
		timeout:   30 * time.Second,
		ctx:       ctx,
		cancel:    cancel,
		exitCode:  core.ExitCodeSuccess,
		forceExit: os.Exit,
	}
}

// Context returns the context the batch driver threads through every run.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup. Lower priorities run first.
func (m *Manager) Register(name string, priority int, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanup{name: name, priority: priority, fn: fn})
}

// Start installs the signal handler.
func (m *Manager) Start() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range ch {
			if m.handleSignal(sig) {
				return
			}
		}
	}()
}

// handleSignal records the first signal and cancels the run context; a
// repeat forces the process down immediately. It reports whether the
// handler should stop listening.
func (m *Manager) handleSignal(sig os.Signal) bool {
	m.mu.Lock()
	m.signals++
	count := m.signals
	if count == 1 {
		m.exitCode = CodeForSignal(sig)
	}
	m.mu.Unlock()

	if count == 1 {
		m.log.Warn("shutdown requested, finishing in-flight work",
			zap.String("signal", sig.String()),
			zap.Int("exit_code", m.ExitCode()))
		m.cancel()
		return false
	}
	m.log.Error("repeated signal, forcing exit", zap.String("signal", sig.String()))
	m.forceExit(m.ExitCode())
	return true
}

// ExitCode returns the code the process should exit with.
func (m *Manager) ExitCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitCode
}

// SetError marks the run as failed unless a signal already set the code.
func (m *Manager) SetError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exitCode == core.ExitCodeSuccess {
		m.exitCode = core.ExitCodeError
	}
}

// Shutdown cancels the context and runs every registered cleanup in
// priority order under the manager's timeout. It runs at most once;
// later calls are no-ops.
func (m *Manager) Shutdown() int {
	m.mu.Lock()
	if m.done {
		code := m.exitCode
		m.mu.Unlock()
		return code
	}
	m.done = true
	order := make([]cleanup, len(m.cleanups))
	copy(order, m.cleanups)
	m.mu.Unlock()

	m.cancel()
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].priority < order[j].priority
	})

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	for _, c := range order {
		if err := c.fn(ctx); err != nil {
			m.log.Error("cleanup failed", zap.String("name", c.name), zap.Error(err))
		} else {
			m.log.Debug("cleanup finished", zap.String("name", c.name))
		}
	}

	code := m.ExitCode()
	if core.IsSignalExit(code) {
		m.log.Info("exiting on signal", zap.String("reason", core.ExitCodeName(code)))
	}
	return code
}

// CodeForSignal maps a termination signal to its Unix exit code
// (128 plus the signal number).
func CodeForSignal(sig os.Signal) int {
	switch sig {
	case syscall.SIGINT:
		return core.ExitCodeSIGINT
	case syscall.SIGTERM:
		return core.ExitCodeSIGTERM
	default:
		return core.ExitCodeError
	}
}
