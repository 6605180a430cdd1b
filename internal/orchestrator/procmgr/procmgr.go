// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package procmgr owns the lifetimes of agent child processes: spawning,
// stdio streaming to subscribers, and graceful-then-forceful termination.
package procmgr

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomhq/loom/internal/logger"
	"github.com/loomhq/loom/internal/orchestrator/oerr"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetProcessLogger()
		log = &l
	})
	return log
}

// Stream tags which stdio pipe a chunk came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Chunk is one piece of process output delivered to subscribers.
type Chunk struct {
	ProcessID string
	Stream    Stream
	Data      []byte
	Time      time.Time
}

// Status is the lifecycle state of a managed process.
type Status string

const (
	StatusBusy        Status = "busy"
	StatusTerminating Status = "terminating"
	StatusCrashed     Status = "crashed"
	StatusExited      Status = "exited"
)

// Config describes the process to spawn.
type Config struct {
	ExecutablePath string
	Args           []string
	WorkDir        string
	Env            []string
}

// ManagedProcess is one live child process. All lifecycle mutation goes
// through the Manager; callers only read state and stream output.
type ManagedProcess struct {
	ID  string
	PID int

	mu             sync.Mutex
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	status         Status
	stdinClosed    bool
	exitCode       *int
	signaled       bool
	outputHandlers []func(Chunk)
	errorHandlers  []func(Chunk)
	// Chunks read before any handler attaches. A fast process can produce
	// output between Acquire returning and the caller subscribing; these are
	// replayed to the first handler.
	pendingOut []Chunk
	pendingErr []Chunk

	exited chan struct{}
}

// Status returns the process's current lifecycle state.
func (p *ManagedProcess) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// ExitCode returns the exit code once the process has exited, else nil.
func (p *ManagedProcess) ExitCode() *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Done returns a channel closed when the process has fully exited.
func (p *ManagedProcess) Done() <-chan struct{} {
	return p.exited
}

func (p *ManagedProcess) dispatch(c Chunk) {
	p.mu.Lock()
	var handlers []func(Chunk)
	if c.Stream == StreamStdout {
		if len(p.outputHandlers) == 0 {
			p.pendingOut = append(p.pendingOut, c)
			p.mu.Unlock()
			return
		}
		handlers = append(handlers, p.outputHandlers...)
	} else {
		if len(p.errorHandlers) == 0 {
			p.pendingErr = append(p.pendingErr, c)
			p.mu.Unlock()
			return
		}
		handlers = append(handlers, p.errorHandlers...)
	}
	p.mu.Unlock()
	for _, h := range handlers {
		h(c)
	}
}

// Manager spawns and tracks managed processes up to a bounded pool size.
type Manager struct {
	mu          sync.Mutex
	processes   map[string]*ManagedProcess
	gracePeriod time.Duration
	maxProcs    int
	shutdown    bool
}

// NewManager creates a process manager. gracePeriod is how long terminate
// waits after SIGTERM before escalating to SIGKILL; maxProcs bounds the pool
// (0 means unbounded).
func NewManager(gracePeriod time.Duration, maxProcs int) *Manager {
	if gracePeriod <= 0 {
		gracePeriod = 2 * time.Second
	}
	return &Manager{
		processes:   make(map[string]*ManagedProcess),
		gracePeriod: gracePeriod,
		maxProcs:    maxProcs,
	}
}

// Acquire spawns a new process and registers it with the manager.
func (m *Manager) Acquire(cfg Config) (*ManagedProcess, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, fmt.Errorf("process manager is shut down: %w", oerr.ErrInvalidState)
	}
	if m.maxProcs > 0 && len(m.processes) >= m.maxProcs {
		m.mu.Unlock()
		return nil, fmt.Errorf("process pool exhausted (%d active): %w", m.maxProcs, oerr.ErrInvalidState)
	}
	m.mu.Unlock()

	cmd := exec.Command(cfg.ExecutablePath, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w: %w", cfg.ExecutablePath, err, oerr.ErrProcessSpawnFailed)
	}

	p := &ManagedProcess{
		ID:     uuid.NewString(),
		PID:    cmd.Process.Pid,
		cmd:    cmd,
		stdin:  stdin,
		status: StatusBusy,
		exited: make(chan struct{}),
	}

	m.mu.Lock()
	m.processes[p.ID] = p
	m.mu.Unlock()

	getLog().Info().
		Str("process_id", p.ID).
		Int("pid", p.PID).
		Str("executable", cfg.ExecutablePath).
		Msg("Process spawned")

	var readers sync.WaitGroup
	readers.Add(2)
	go m.readPipe(p, stdout, StreamStdout, &readers)
	go m.readPipe(p, stderr, StreamStderr, &readers)
	go m.waitForExit(p, &readers)

	return p, nil
}

func (m *Manager) readPipe(p *ManagedProcess, r io.Reader, stream Stream, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.dispatch(Chunk{ProcessID: p.ID, Stream: stream, Data: data, Time: time.Now()})
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) waitForExit(p *ManagedProcess, readers *sync.WaitGroup) {
	readers.Wait()
	err := p.cmd.Wait()

	code := 0
	signaled := false
	if err != nil {
		code, signaled = exitStatus(err)
	} else if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}

	p.mu.Lock()
	p.exitCode = &code
	p.signaled = signaled
	if signaled {
		p.status = StatusCrashed
	} else {
		p.status = StatusExited
	}
	p.stdinClosed = true
	p.mu.Unlock()
	close(p.exited)

	getLog().Info().
		Str("process_id", p.ID).
		Int("exit_code", code).
		Bool("signaled", signaled).
		Msg("Process exited")
}

func exitStatus(err error) (int, bool) {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), true
		}
		return ee.ExitCode(), false
	}
	return -1, false
}

func (m *Manager) get(id string) (*ManagedProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[id]
	if !ok {
		return nil, fmt.Errorf("process %s: %w", id, oerr.ErrNotFound)
	}
	return p, nil
}

// SendInput writes bytes to the process's stdin.
func (m *Manager) SendInput(id string, data []byte) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.stdinClosed || p.status == StatusExited || p.status == StatusCrashed
	stdin := p.stdin
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("stdin of process %s: %w", id, oerr.ErrProcessClosed)
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to process %s: %w", id, oerr.ErrProcessClosed)
	}
	return nil
}

// CloseInput closes the process's stdin, signalling end of input.
func (m *Manager) CloseInput(id string) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.stdinClosed {
		p.mu.Unlock()
		return nil
	}
	p.stdinClosed = true
	stdin := p.stdin
	p.mu.Unlock()
	return stdin.Close()
}

// OnOutput registers a handler for stdout chunks. Handlers run on the reader
// goroutine, in production order. The first handler is replayed any chunks
// that arrived before it attached, before it sees live output.
func (m *Manager) OnOutput(id string, handler func(Chunk)) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}
	for {
		p.mu.Lock()
		if len(p.outputHandlers) > 0 || len(p.pendingOut) == 0 {
			p.outputHandlers = append(p.outputHandlers, handler)
			p.mu.Unlock()
			return nil
		}
		pending := p.pendingOut
		p.pendingOut = nil
		p.mu.Unlock()
		// Replay outside the lock; new chunks keep buffering until the
		// handler is registered, so ordering holds.
		for _, c := range pending {
			handler(c)
		}
	}
}

// OnError registers a handler for stderr chunks, with the same replay of
// pre-subscription chunks as OnOutput.
func (m *Manager) OnError(id string, handler func(Chunk)) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}
	for {
		p.mu.Lock()
		if len(p.errorHandlers) > 0 || len(p.pendingErr) == 0 {
			p.errorHandlers = append(p.errorHandlers, handler)
			p.mu.Unlock()
			return nil
		}
		pending := p.pendingErr
		p.pendingErr = nil
		p.mu.Unlock()
		for _, c := range pending {
			handler(c)
		}
	}
}

// Terminate stops a process: sends SIGTERM (or the given signal), waits up to
// the grace period, then SIGKILLs. Idempotent; unknown or already-exited
// processes return immediately.
func (m *Manager) Terminate(id string, sig syscall.Signal) error {
	m.mu.Lock()
	p, ok := m.processes[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	p.mu.Lock()
	switch p.status {
	case StatusExited, StatusCrashed:
		p.mu.Unlock()
		return nil
	case StatusTerminating:
		p.mu.Unlock()
		<-p.exited
		return nil
	}
	p.status = StatusTerminating
	p.mu.Unlock()

	if sig == 0 {
		sig = syscall.SIGTERM
	}
	getLog().Info().Str("process_id", id).Str("signal", sig.String()).Msg("Terminating process")
	if err := p.cmd.Process.Signal(sig); err != nil {
		// Already gone; the wait goroutine will record the exit.
		<-p.exited
		return nil
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(m.gracePeriod):
	}

	getLog().Warn().Str("process_id", id).Msg("Grace period expired, sending SIGKILL")
	_ = p.cmd.Process.Kill()
	<-p.exited
	return nil
}

// Release terminates the process if needed and removes it from the manager.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	_, ok := m.processes[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := m.Terminate(id, syscall.SIGTERM); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.processes, id)
	m.mu.Unlock()
	return nil
}

// ActiveCount returns the number of tracked processes.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processes)
}

// Shutdown terminates every active process in parallel and refuses further
// acquisitions. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	ids := make([]string, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.Release(id)
		}(id)
	}
	wg.Wait()
	getLog().Info().Int("terminated", len(ids)).Msg("Process manager shut down")
}
