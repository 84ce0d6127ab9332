package transfer

import (
	"sync"
	"time"

	"github.com/aerolink/mediasync/internal/command"
	"github.com/aerolink/mediasync/internal/events"
	"github.com/aerolink/mediasync/internal/logging"
	"github.com/aerolink/mediasync/internal/transport"
)

// legCore is the machinery shared by the two concrete legs: state ownership,
// pause/resume/stop, runner scheduling, and event publication. Direction-
// specific behavior (what a streaming step does, what cleanup a stop needs)
// is supplied by the owning leg through the hook fields.
//
// Locking: mu guards state and runnerActive. Every mutation of the leg's
// TransferState happens with mu held and ends with recompute(), so the byte
// accounting invariant holds at every release of the lock. Cross-leg calls
// are made with mu released to keep lock ordering trivial.
type legCore struct {
	name string

	mu           sync.Mutex
	state        *legState
	runnerActive bool

	// temporary marks files that exist only for the leg hand-off and are
	// deleted from local storage once the upload completes.
	temporary map[string]bool

	executor *command.Executor
	bus      *events.EventBus
	logger   *logging.Logger
	tr       *transport.Transport
	mediaDir string

	// cancelStream cancels the in-flight transport streaming call, if any.
	cancelStream func()

	// onStopCleanup runs after Stop removed the state, with the old state
	// and its temporary-file flags. The leg deletes partials and cascades
	// cross-leg cancellation here.
	onStopCleanup func(old *legState, temporary map[string]bool)

	// runCmd is the leg's streaming-step command, enqueued on the executor
	// whenever there is work to drive.
	runCmd command.Command
}

// ensureRunnerLocked schedules the streaming-step command when there is
// startable work and no runner is already queued or executing. A leg whose
// link is down schedules nothing; the link observer kicks it on recovery.
// Caller holds mu.
func (l *legCore) ensureRunnerLocked() {
	if l.runnerActive || l.state == nil || l.state.paused || l.state.forcePaused {
		return
	}
	if l.state.pending.len() == 0 {
		return
	}
	if l.tr.State() != transport.StateConnected {
		return
	}
	l.runnerActive = true
	l.executor.Push(l.runCmd)
}

// finishStep closes out a streaming-step command: it releases the runner
// slot, tears the state down if both sets drained, marks an upload blocked
// on its downloads, and otherwise reschedules the runner when startable
// work remains.
func (l *legCore) finishStep() {
	l.mu.Lock()
	if l.state == nil {
		l.runnerActive = false
		l.mu.Unlock()
		return
	}
	l.runnerActive = false
	st := l.state
	if st.empty() {
		l.teardownLocked()
		l.mu.Unlock()
		return
	}

	blocked := false
	if st.pending.len() == 0 && st.waiting.len() > 0 && !st.forcePaused {
		// Nothing locally available yet; everything left is waiting on the
		// other leg. The user cannot resume out of this state.
		st.forcePaused = true
		blocked = true
	}
	l.ensureRunnerLocked()
	l.mu.Unlock()

	if blocked {
		l.publishTransfer(events.EventTransferPaused)
	}
}

// Kick reschedules the leg's runner if startable work remains and no runner
// command is queued or executing. Used after the link comes back so a leg
// whose step command was dropped on retry exhaustion picks its work back up.
func (l *legCore) Kick() {
	l.mu.Lock()
	l.ensureRunnerLocked()
	l.mu.Unlock()
}

// Pause suspends the leg. The in-flight chunk finishes; the stream is
// cancelled at the next chunk boundary. Pausing an already-paused leg is a
// no-op with respect to totals and cursor.
func (l *legCore) Pause() {
	l.mu.Lock()
	if l.state == nil || l.state.paused {
		l.mu.Unlock()
		return
	}
	l.state.paused = true
	l.mu.Unlock()

	l.cancelStream()
	l.publishTransfer(events.EventTransferPaused)
	l.logger.Info().Str("leg", l.name).Msg("transfer paused")
}

// Resume restarts a paused leg. Force-paused legs cannot be user-resumed;
// the blocking condition has to clear first. Resuming an active leg is a
// no-op.
func (l *legCore) Resume() {
	l.mu.Lock()
	if l.state == nil || !l.state.paused || l.state.forcePaused {
		l.mu.Unlock()
		return
	}
	l.state.paused = false
	l.state.meter.reset()
	l.ensureRunnerLocked()
	l.mu.Unlock()

	l.publishTransfer(events.EventTransferResumed)
	l.logger.Info().Str("leg", l.name).Msg("transfer resumed")
}

// Stop cancels the whole transfer: the in-flight stream, all queued files,
// and the leg state itself.
func (l *legCore) Stop() {
	l.mu.Lock()
	old := l.state
	if old == nil {
		l.mu.Unlock()
		return
	}
	oldTemp := l.temporary
	l.state = nil
	l.temporary = make(map[string]bool)
	l.mu.Unlock()

	l.cancelStream()
	if l.onStopCleanup != nil {
		l.onStopCleanup(old, oldTemp)
	}

	l.bus.Publish(&events.TransferEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventTransferStopped, Time: time.Now()},
		Leg:       l.name,
	})
	l.logger.Info().Str("leg", l.name).Msg("transfer stopped")
}

// Active reports whether the leg has in-flight state.
func (l *legCore) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state != nil
}

// Snapshot returns a read-only view for UI consumption.
func (l *legCore) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{Leg: l.name}
	if l.state == nil {
		return snap
	}
	st := l.state
	snap.Active = true
	snap.CurrentFile = st.currentItem
	snap.CurrentOffset = st.currentOffset
	snap.Paused = st.paused
	snap.ForcePaused = st.forcePaused
	snap.TotalBytes = st.totalBytes
	snap.TotalFiles = st.totalFiles
	snap.TransferredBytes = st.transferredBytes
	snap.TransferredFiles = st.transferredFiles
	snap.Speed = st.meter.value()
	return snap
}

// teardownLocked destroys drained state and reports completion. Caller
// holds mu and has verified both sets are empty.
func (l *legCore) teardownLocked() {
	st := l.state
	l.state = nil
	l.runnerActive = false
	l.temporary = make(map[string]bool)

	l.bus.Publish(&events.TransferEvent{
		BaseEvent:        events.BaseEvent{EventType: events.EventTransferCompleted, Time: time.Now()},
		Leg:              l.name,
		TransferredBytes: st.transferredBytes,
		TotalBytes:       st.totalBytes,
		TransferredFiles: st.transferredFiles,
		TotalFiles:       st.totalFiles,
	})
	l.logger.Info().
		Str("leg", l.name).
		Int("files", st.transferredFiles).
		Int64("bytes", st.transferredBytes).
		Msg("transfer complete")
}

// publishTransfer emits the leg's current aggregate state on the bus.
func (l *legCore) publishTransfer(eventType events.EventType) {
	snap := l.Snapshot()
	l.bus.Publish(&events.TransferEvent{
		BaseEvent:        events.BaseEvent{EventType: eventType, Time: time.Now()},
		Leg:              l.name,
		CurrentFile:      snap.CurrentFile,
		TransferredBytes: snap.TransferredBytes,
		TotalBytes:       snap.TotalBytes,
		TransferredFiles: snap.TransferredFiles,
		TotalFiles:       snap.TotalFiles,
		Speed:            snap.Speed,
		ForcePaused:      snap.ForcePaused,
	})
}

// publishSkipped aggregates excluded files into a single notice.
func (l *legCore) publishSkipped(names, reasons []string) {
	if len(names) == 0 {
		return
	}
	l.bus.Publish(&events.SkippedEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventFilesSkipped, Time: time.Now()},
		Leg:       l.name,
		Count:     len(names),
		Names:     names,
		Reasons:   reasons,
	})
	l.logger.Info().
		Str("leg", l.name).
		Int("count", len(names)).
		Strs("files", names).
		Msg("files skipped")
}

// publishFileCompleted reports a single finished file.
func (l *legCore) publishFileCompleted(d FileDescriptor) {
	l.bus.Publish(&events.FileEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventFileCompleted, Time: time.Now()},
		Leg:       l.name,
		Name:      d.Name,
		Size:      d.Size,
	})
}
