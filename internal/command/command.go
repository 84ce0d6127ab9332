// Package command defines the unit of work driving all stateful operations
// and the serial executor that runs them one at a time with bounded retry.
package command

// UserError is a user-facing failure description. The core never formats or
// localizes beyond supplying the raw title and message; display is the
// responsibility of the FailureSink collaborator.
type UserError struct {
	Title   string
	Message string
}

// Result is the three-part outcome of a command execution. Commands never
// panic or return errors past their completion callback; everything the
// executor needs to decide retry-vs-surface is carried here.
type Result struct {
	// OK indicates the command succeeded.
	OK bool

	// Retryable indicates a failure is transient and worth re-executing.
	// Ignored when OK is true.
	Retryable bool

	// Err optionally describes the failure for the user. May be nil even
	// on failure; the executor substitutes a generic error when surfacing.
	Err *UserError
}

// Command is a unit of work. Execute must call done exactly once, on any
// goroutine; the executor serializes executions, so a command never runs
// concurrently with another.
//
// Commands are stateless between invocations except for constructor-supplied
// parameters: a retried command re-executes from scratch.
type Command interface {
	Execute(done func(Result))

	// Kind identifies the concrete command type for PushOnce de-duplication.
	Kind() string
}

// FailureSink receives terminal command failures (retry budget exhausted or
// non-retryable). Implemented by the notifier.
type FailureSink interface {
	OnCommandFailure(err *UserError)
}

// DropHandler is implemented by commands that must learn when the executor
// abandons them with their retry budget exhausted. A non-retryable failure
// does not trigger it; the command already knew that outcome when it
// reported the result.
type DropHandler interface {
	OnDropped()
}

// Func adapts a plain function to the Command interface.
type Func struct {
	Name string
	Run  func(done func(Result))

	// Dropped, when set, runs after the executor abandons the command on
	// retry exhaustion.
	Dropped func()
}

// Execute runs the wrapped function.
func (f *Func) Execute(done func(Result)) { f.Run(done) }

// Kind returns the command name.
func (f *Func) Kind() string { return f.Name }

// OnDropped forwards the drop notification to the optional callback.
func (f *Func) OnDropped() {
	if f.Dropped != nil {
		f.Dropped()
	}
}

// Success is a convenience Result for a completed command.
func Success() Result { return Result{OK: true} }

// Retry is a convenience Result for a transient failure.
func Retry(err *UserError) Result { return Result{OK: false, Retryable: true, Err: err} }

// Fail is a convenience Result for a permanent failure.
func Fail(err *UserError) Result { return Result{OK: false, Retryable: false, Err: err} }
