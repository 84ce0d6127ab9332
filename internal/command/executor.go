package command

import (
	"sync"
	"time"

	"github.com/aerolink/mediasync/internal/constants"
	"github.com/aerolink/mediasync/internal/logging"
)

// Executor holds an ordered list of commands and executes them one at a
// time while enabled. Failed-but-retryable commands are re-executed up to
// maxRetries times with a fixed delay between attempts; terminal failures
// are surfaced to the FailureSink and the command is dropped.
//
// The one-command-at-a-time rule is the locking discipline for the whole
// transfer core: every mutation of shared transfer state happens inside a
// command execution, so no finer-grained synchronization is needed there.
type Executor struct {
	mu        sync.Mutex
	queue     []*queuedCommand
	enabled   bool
	executing bool

	maxRetries int
	retryDelay time.Duration

	sink   FailureSink
	logger *logging.Logger
}

// queuedCommand pairs a command with the attempts already spent on it. The
// counter travels with the entry, so commands inserted ahead of a retrying
// one neither inherit nor reset its budget.
type queuedCommand struct {
	cmd     Command
	retries int
}

// NewExecutor creates an executor in the disabled state. Call SetEnabled(true)
// once the underlying connection reports healthy.
func NewExecutor(logger *logging.Logger, sink FailureSink) *Executor {
	return &Executor{
		queue:      make([]*queuedCommand, 0),
		maxRetries: constants.MaxCommandRetries,
		retryDelay: constants.CommandRetryDelay,
		sink:       sink,
		logger:     logger,
	}
}

// SetRetryDelay overrides the fixed delay between retry attempts.
func (e *Executor) SetRetryDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retryDelay = d
}

// Push appends a command to the tail of the queue and starts execution if
// the executor is idle and enabled.
func (e *Executor) Push(cmd Command) {
	e.mu.Lock()
	e.queue = append(e.queue, &queuedCommand{cmd: cmd})
	e.mu.Unlock()
	e.maybeStart()
}

// PushOnce appends a command only if no already-queued command has the same
// kind. Used to prevent redundant duplicate work, e.g. repeated "refresh
// media list" requests while one is still pending.
func (e *Executor) PushOnce(cmd Command) {
	e.mu.Lock()
	for _, queued := range e.queue {
		if queued.cmd.Kind() == cmd.Kind() {
			e.mu.Unlock()
			return
		}
	}
	e.queue = append(e.queue, &queuedCommand{cmd: cmd})
	e.mu.Unlock()
	e.maybeStart()
}

// Prepend inserts a command at the head of the queue, ahead of everything
// previously queued. This is how a command schedules its continuation to run
// next, and how the executor requeues work for retry.
func (e *Executor) Prepend(cmd Command) {
	e.mu.Lock()
	e.queue = append([]*queuedCommand{{cmd: cmd}}, e.queue...)
	e.mu.Unlock()
	e.maybeStart()
}

// SetEnabled gates execution. Enabling with a non-empty queue resumes
// execution. Disabling mid-execution lets the in-flight command return, then
// discards its result and requeues it at the head so it re-executes when the
// executor is enabled again.
func (e *Executor) SetEnabled(enabled bool) {
	e.mu.Lock()
	changed := e.enabled != enabled
	e.enabled = enabled
	e.mu.Unlock()

	if changed {
		e.logger.Debug().Bool("enabled", enabled).Msg("command executor gate")
	}
	if enabled {
		e.maybeStart()
	}
}

// Enabled reports whether the executor is currently allowed to run commands.
func (e *Executor) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Len returns the number of queued (not yet executing) commands.
func (e *Executor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// maybeStart launches the processing loop if there is work and nothing is
// already executing.
func (e *Executor) maybeStart() {
	e.mu.Lock()
	if e.executing || !e.enabled || len(e.queue) == 0 {
		e.mu.Unlock()
		return
	}
	e.executing = true
	e.mu.Unlock()

	go e.processLoop()
}

// processLoop pops and executes commands until the queue empties or the
// executor is disabled. Runs on its own goroutine; at most one loop is alive
// at any time, guarded by the executing flag.
func (e *Executor) processLoop() {
	for {
		e.mu.Lock()
		if !e.enabled || len(e.queue) == 0 {
			e.executing = false
			e.mu.Unlock()
			return
		}
		entry := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		result := e.execute(entry.cmd)

		e.mu.Lock()
		enabled := e.enabled
		e.mu.Unlock()

		if !enabled {
			// Disabled while the command was in flight: discard the result
			// and requeue at the head so it re-runs on re-enable. The entry
			// keeps its counter; a disable is not a failed attempt.
			e.mu.Lock()
			e.queue = append([]*queuedCommand{entry}, e.queue...)
			if e.enabled {
				// Re-enabled in the gap; keep the loop alive.
				e.mu.Unlock()
				continue
			}
			e.executing = false
			e.mu.Unlock()
			return
		}

		if result.OK {
			continue
		}

		exhausted := !result.Retryable || entry.retries >= e.maxRetries
		if !exhausted {
			entry.retries++
			e.mu.Lock()
			e.queue = append([]*queuedCommand{entry}, e.queue...)
			delay := e.retryDelay
			e.mu.Unlock()

			e.logger.Warn().
				Str("kind", entry.cmd.Kind()).
				Int("attempt", entry.retries).
				Msg("command failed, retrying")
			time.Sleep(delay)
			continue
		}

		e.surface(entry.cmd, result)
		if result.Retryable {
			// The command expected another attempt and never saw a terminal
			// outcome itself; let its owner release whatever it reserved.
			if h, ok := entry.cmd.(DropHandler); ok {
				h.OnDropped()
			}
		}
	}
}

// execute runs a single command and blocks until its completion callback
// fires. The callback is guarded so a misbehaving command calling done twice
// cannot corrupt the loop.
func (e *Executor) execute(cmd Command) Result {
	resultCh := make(chan Result, 1)
	var once sync.Once
	done := func(r Result) {
		once.Do(func() { resultCh <- r })
	}

	cmd.Execute(done)
	return <-resultCh
}

// surface hands a terminal failure to the sink, substituting a generic
// error when the command supplied none.
func (e *Executor) surface(cmd Command, result Result) {
	err := result.Err
	if err == nil {
		err = &UserError{Title: "Error", Message: "undefined error"}
	}
	e.logger.Error().
		Str("kind", cmd.Kind()).
		Str("title", err.Title).
		Str("message", err.Message).
		Msg("command failed permanently")
	if e.sink != nil {
		e.sink.OnCommandFailure(err)
	}
}
