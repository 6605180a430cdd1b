// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package executor drives one task through the process manager attempt by
// attempt: spawn, stream, await exit, classify, back off, retry or stop.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/loomhq/loom/internal/logger"
	"github.com/loomhq/loom/internal/orchestrator/oerr"
	"github.com/loomhq/loom/internal/orchestrator/procmgr"
	"github.com/loomhq/loom/internal/orchestrator/retry"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetExecutorLogger()
		log = &l
	})
	return log
}

// Task describes one unit of agent work.
type Task struct {
	ID          string
	ExecutionID string
	// Family keys the circuit breaker; tasks of the same family share one
	// breaker. Usually the agent id.
	Family  string
	Process procmgr.Config
	// Input, when non-empty, is written to the process's stdin and the pipe
	// is closed afterwards.
	Input []byte
}

// AttemptRecord captures the outcome of a single attempt.
type AttemptRecord struct {
	Attempt     int           `json:"attempt"`
	ProcessID   string        `json:"process_id,omitempty"`
	ExitCode    int           `json:"exit_code"`
	Error       string        `json:"error,omitempty"`
	Retryable   bool          `json:"retryable"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Result is the final outcome of a task across all attempts.
type Result struct {
	TaskID        string          `json:"task_id"`
	ExecutionID   string          `json:"execution_id"`
	Success       bool            `json:"success"`
	Stopped       bool            `json:"stopped"`
	ExitCode      int             `json:"exit_code"`
	Output        string          `json:"output"`
	Error         string          `json:"error,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   time.Time       `json:"completed_at"`
	Duration      time.Duration   `json:"duration"`
	Attempts      []AttemptRecord `json:"attempts"`
	TotalAttempts int             `json:"total_attempts"`
	FinalAttempt  int             `json:"final_attempt"`
}

// ChunkSink receives raw output chunks for an execution as they stream.
type ChunkSink func(executionID string, chunk procmgr.Chunk)

type activeTask struct {
	mu        sync.Mutex
	processID string
	cancelled bool
}

// Executor runs tasks under a retry policy with per-family circuit breakers.
type Executor struct {
	procs    *procmgr.Manager
	policy   retry.Policy
	breakers *retry.BreakerSet

	// Sink, when set, receives every output chunk of every attempt. Wired to
	// the normalizer pipeline by the engine.
	Sink ChunkSink

	mu     sync.Mutex
	active map[string]*activeTask
}

// New creates an executor on top of the given process manager.
func New(procs *procmgr.Manager, policy retry.Policy, breakers *retry.BreakerSet) *Executor {
	return &Executor{
		procs:    procs,
		policy:   policy,
		breakers: breakers,
		active:   make(map[string]*activeTask),
	}
}

// ExecuteTask runs the task until it succeeds, exhausts its attempts, hits a
// non-retryable failure, or is cancelled. A retry attempt always re-spawns
// from scratch.
func (e *Executor) ExecuteTask(ctx context.Context, task Task) *Result {
	state := &activeTask{}
	e.mu.Lock()
	e.active[task.ExecutionID] = state
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, task.ExecutionID)
		e.mu.Unlock()
	}()

	result := &Result{
		TaskID:      task.ID,
		ExecutionID: task.ExecutionID,
		StartedAt:   time.Now(),
	}

	maxAttempts := e.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if state.isCancelled() || ctx.Err() != nil {
			result.Stopped = true
			break
		}

		rec, output := e.runAttempt(ctx, task, state, attempt)
		result.Attempts = append(result.Attempts, rec)
		result.FinalAttempt = attempt
		result.ExitCode = rec.ExitCode
		result.Error = rec.Error
		result.Output = output

		if rec.Error == "" && rec.ExitCode == 0 {
			result.Success = true
			break
		}
		if state.isCancelled() {
			result.Stopped = true
			break
		}
		if !rec.Retryable || attempt == maxAttempts {
			break
		}

		delay := e.policy.Delay(attempt)
		getLog().Info().
			Str("task_id", task.ID).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Attempt failed, backing off before retry")
		select {
		case <-ctx.Done():
			result.Stopped = true
		case <-time.After(delay):
		}
		if result.Stopped {
			break
		}
	}

	result.TotalAttempts = len(result.Attempts)
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	return result
}

func (e *Executor) runAttempt(ctx context.Context, task Task, state *activeTask, attempt int) (AttemptRecord, string) {
	rec := AttemptRecord{Attempt: attempt, StartedAt: time.Now()}
	collector := newOutputCollector()

	var attemptErr error
	err := e.breakers.Execute(task.Family, func() error {
		attemptErr = e.spawnAndWait(ctx, task, state, &rec, collector)
		if attemptErr != nil && (ctx.Err() != nil || state.isCancelled() || errors.Is(attemptErr, oerr.ErrCancelled)) {
			// A cancelled attempt is not a service fault; keep it off the
			// breaker's failure count.
			return nil
		}
		return attemptErr
	})
	if err == nil {
		err = attemptErr
	}
	if err != nil {
		if rec.Error == "" {
			rec.Error = err.Error()
		}
		switch {
		case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
			// Fail fast while the breaker cools down; not worth retrying here.
			rec.Error = fmt.Sprintf("circuit breaker open for family %q", task.Family)
			rec.Retryable = false
			rec.ExitCode = -1
		case ctx.Err() != nil || state.isCancelled() || errors.Is(err, oerr.ErrCancelled):
			rec.Retryable = false
		default:
			rec.Retryable = e.policy.IsRetryable(rec.ExitCode, rec.Error)
		}
	}

	rec.CompletedAt = time.Now()
	rec.Duration = rec.CompletedAt.Sub(rec.StartedAt)
	return rec, collector.output()
}

func (e *Executor) spawnAndWait(ctx context.Context, task Task, state *activeTask, rec *AttemptRecord, collector *outputCollector) error {
	proc, err := e.procs.Acquire(task.Process)
	if err != nil {
		rec.ExitCode = -1
		rec.Error = err.Error()
		return err
	}
	rec.ProcessID = proc.ID

	state.mu.Lock()
	if state.cancelled {
		state.mu.Unlock()
		_ = e.procs.Release(proc.ID)
		rec.ExitCode = -1
		rec.Error = "cancelled before start"
		return oerr.ErrCancelled
	}
	state.processID = proc.ID
	state.mu.Unlock()

	handle := func(c procmgr.Chunk) {
		collector.add(c)
		if e.Sink != nil {
			e.Sink(task.ExecutionID, c)
		}
	}
	if err := e.procs.OnOutput(proc.ID, handle); err != nil {
		return err
	}
	if err := e.procs.OnError(proc.ID, handle); err != nil {
		return err
	}

	if len(task.Input) > 0 {
		if err := e.procs.SendInput(proc.ID, task.Input); err != nil {
			getLog().Warn().Err(err).Str("process_id", proc.ID).Msg("Failed to write task input")
		}
		_ = e.procs.CloseInput(proc.ID)
	}

	select {
	case <-proc.Done():
	case <-ctx.Done():
		_ = e.procs.Terminate(proc.ID, syscall.SIGTERM)
	}

	code := -1
	if ec := proc.ExitCode(); ec != nil {
		code = *ec
	}
	rec.ExitCode = code
	rec.Error = ""
	if ctx.Err() != nil {
		rec.Error = "execution cancelled"
	} else if code != 0 {
		rec.Error = collector.errorTail()
	}
	_ = e.procs.Release(proc.ID)

	state.mu.Lock()
	state.processID = ""
	state.mu.Unlock()

	if code != 0 {
		if rec.Error == "" {
			rec.Error = fmt.Sprintf("process exited with code %d", code)
		}
		return errors.New(rec.Error)
	}
	return nil
}

// Cancel stops the execution: the live process is terminated and no further
// retries are attempted. Returns oerr.ErrNotFound for unknown executions.
func (e *Executor) Cancel(executionID string) error {
	e.mu.Lock()
	state, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("execution %s: %w", executionID, oerr.ErrNotFound)
	}

	state.mu.Lock()
	state.cancelled = true
	processID := state.processID
	state.mu.Unlock()

	getLog().Info().Str("execution_id", executionID).Msg("Cancelling execution")
	if processID != "" {
		return e.procs.Terminate(processID, syscall.SIGTERM)
	}
	return nil
}

func (t *activeTask) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}
