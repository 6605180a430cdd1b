// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package procmgr

import (
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/orchestrator/oerr"
)

func waitExit(t *testing.T, p *ManagedProcess) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit in time")
	}
}

func TestAcquireAndCleanExit(t *testing.T) {
	m := NewManager(time.Second, 4)
	p, err := m.Acquire(Config{ExecutablePath: "/bin/sh", Args: []string{"-c", "echo hello"}})
	require.NoError(t, err)

	var mu sync.Mutex
	var out strings.Builder
	require.NoError(t, m.OnOutput(p.ID, func(c Chunk) {
		mu.Lock()
		out.Write(c.Data)
		mu.Unlock()
	}))

	waitExit(t, p)
	assert.Equal(t, StatusExited, p.Status())
	require.NotNil(t, p.ExitCode())
	assert.Equal(t, 0, *p.ExitCode())
	mu.Lock()
	assert.Contains(t, out.String(), "hello")
	mu.Unlock()
}

func TestStderrGoesToErrorHandlers(t *testing.T) {
	m := NewManager(time.Second, 0)
	p, err := m.Acquire(Config{ExecutablePath: "/bin/sh", Args: []string{"-c", "echo oops 1>&2; exit 3"}})
	require.NoError(t, err)

	var mu sync.Mutex
	var errOut strings.Builder
	require.NoError(t, m.OnError(p.ID, func(c Chunk) {
		mu.Lock()
		errOut.Write(c.Data)
		mu.Unlock()
	}))

	waitExit(t, p)
	require.NotNil(t, p.ExitCode())
	assert.Equal(t, 3, *p.ExitCode())
	mu.Lock()
	assert.Contains(t, errOut.String(), "oops")
	mu.Unlock()
}

func TestSendInput(t *testing.T) {
	m := NewManager(time.Second, 0)
	p, err := m.Acquire(Config{ExecutablePath: "/bin/cat"})
	require.NoError(t, err)

	var mu sync.Mutex
	var out strings.Builder
	require.NoError(t, m.OnOutput(p.ID, func(c Chunk) {
		mu.Lock()
		out.Write(c.Data)
		mu.Unlock()
	}))

	require.NoError(t, m.SendInput(p.ID, []byte("ping\n")))
	require.NoError(t, m.CloseInput(p.ID))

	waitExit(t, p)
	mu.Lock()
	assert.Equal(t, "ping\n", out.String())
	mu.Unlock()

	err = m.SendInput(p.ID, []byte("late"))
	assert.ErrorIs(t, err, oerr.ErrProcessClosed)
}

func TestSendInputUnknownProcess(t *testing.T) {
	m := NewManager(time.Second, 0)
	assert.ErrorIs(t, m.SendInput("nope", []byte("x")), oerr.ErrNotFound)
	assert.ErrorIs(t, m.OnOutput("nope", func(Chunk) {}), oerr.ErrNotFound)
	assert.ErrorIs(t, m.OnError("nope", func(Chunk) {}), oerr.ErrNotFound)
}

func TestTerminateGracefulThenKill(t *testing.T) {
	m := NewManager(500*time.Millisecond, 0)
	// Traps SIGTERM so the manager has to escalate to SIGKILL.
	p, err := m.Acquire(Config{ExecutablePath: "/bin/sh", Args: []string{"-c", "trap '' TERM; sleep 60"}})
	require.NoError(t, err)

	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, m.Terminate(p.ID, 0))
	elapsed := time.Since(start)

	assert.Equal(t, StatusCrashed, p.Status())
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
	assert.Less(t, elapsed, 3500*time.Millisecond)

	// Idempotent against an already-dead process.
	require.NoError(t, m.Terminate(p.ID, 0))
	// Unknown ids return immediately.
	require.NoError(t, m.Terminate("unknown", 0))
}

func TestTerminateCleanExit(t *testing.T) {
	m := NewManager(2*time.Second, 0)
	p, err := m.Acquire(Config{ExecutablePath: "/bin/sh", Args: []string{"-c", "trap 'exit 0' TERM; sleep 60 & wait"}})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, m.Terminate(p.ID, syscall.SIGTERM))
	assert.Equal(t, StatusExited, p.Status())
}

func TestPoolBound(t *testing.T) {
	m := NewManager(time.Second, 1)
	p, err := m.Acquire(Config{ExecutablePath: "/bin/sleep", Args: []string{"30"}})
	require.NoError(t, err)

	_, err = m.Acquire(Config{ExecutablePath: "/bin/sleep", Args: []string{"30"}})
	assert.ErrorIs(t, err, oerr.ErrInvalidState)

	require.NoError(t, m.Release(p.ID))
	assert.Equal(t, 0, m.ActiveCount())
}

func TestAcquireSpawnFailure(t *testing.T) {
	m := NewManager(time.Second, 0)
	_, err := m.Acquire(Config{ExecutablePath: "/no/such/binary"})
	assert.ErrorIs(t, err, oerr.ErrProcessSpawnFailed)
	assert.Equal(t, 0, m.ActiveCount())
}

func TestShutdownTerminatesAllAndIsIdempotent(t *testing.T) {
	m := NewManager(500*time.Millisecond, 0)
	for i := 0; i < 3; i++ {
		_, err := m.Acquire(Config{ExecutablePath: "/bin/sleep", Args: []string{"60"}})
		require.NoError(t, err)
	}
	require.Equal(t, 3, m.ActiveCount())

	m.Shutdown()
	assert.Equal(t, 0, m.ActiveCount())

	m.Shutdown() // second call is a no-op

	_, err := m.Acquire(Config{ExecutablePath: "/bin/sleep", Args: []string{"1"}})
	assert.ErrorIs(t, err, oerr.ErrInvalidState)
}

func TestLateSubscriberSeesEarlyOutput(t *testing.T) {
	m := NewManager(time.Second, 0)
	p, err := m.Acquire(Config{ExecutablePath: "/bin/sh", Args: []string{"-c", "echo first; echo oops 1>&2"}})
	require.NoError(t, err)

	// The process finishes before anyone subscribes; its chunks must still
	// reach the first handler.
	waitExit(t, p)

	var mu sync.Mutex
	var out, errOut strings.Builder
	require.NoError(t, m.OnOutput(p.ID, func(c Chunk) {
		mu.Lock()
		out.Write(c.Data)
		mu.Unlock()
	}))
	require.NoError(t, m.OnError(p.ID, func(c Chunk) {
		mu.Lock()
		errOut.Write(c.Data)
		mu.Unlock()
	}))

	mu.Lock()
	assert.Contains(t, out.String(), "first")
	assert.Contains(t, errOut.String(), "oops")
	mu.Unlock()
}
