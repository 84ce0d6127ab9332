package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/aerolink/mediasync/internal/core"
	"github.com/aerolink/mediasync/internal/events"
)

// renderer drives one progress bar per leg from bus events.
type renderer struct {
	bars   map[string]*progressbar.ProgressBar
	totals map[string]int64
}

func newRenderer() *renderer {
	return &renderer{
		bars:   make(map[string]*progressbar.ProgressBar),
		totals: make(map[string]int64),
	}
}

// run consumes events until the channel closes or stop fires.
func (r *renderer) run(ch <-chan events.Event, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.handle(ev)
		}
	}
}

func (r *renderer) handle(ev events.Event) {
	switch e := ev.(type) {
	case *events.TransferEvent:
		switch e.Type() {
		case events.EventTransferQueued, events.EventTransferProgress:
			r.update(e)
		case events.EventTransferCompleted:
			if bar, ok := r.bars[e.Leg]; ok {
				bar.Finish()
				delete(r.bars, e.Leg)
				delete(r.totals, e.Leg)
			}
			fmt.Fprintf(os.Stderr, "\n%s complete: %d files, %s\n",
				e.Leg, e.TransferredFiles, formatBytes(e.TransferredBytes))
		case events.EventTransferPaused:
			if e.ForcePaused {
				return
			}
			fmt.Fprintf(os.Stderr, "\n%s paused\n", e.Leg)
		}
	case *events.SkippedEvent:
		fmt.Fprintf(os.Stderr, "%d files skipped on the %s leg\n", e.Count, e.Leg)
	case *events.FailureEvent:
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", e.Title, e.Message)
	case *events.LinkStateEvent:
		if e.NewState == "lost" {
			fmt.Fprintf(os.Stderr, "%s link lost, reconnecting...\n", e.Link)
		}
	}
}

// update refreshes the leg's bar, rebuilding it when the total changes
// (files merged into or removed from a running transfer).
func (r *renderer) update(e *events.TransferEvent) {
	if e.TotalBytes <= 0 {
		return
	}
	bar, ok := r.bars[e.Leg]
	if !ok || r.totals[e.Leg] != e.TotalBytes {
		bar = progressbar.NewOptions64(e.TotalBytes,
			progressbar.OptionSetDescription(e.Leg),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionShowCount(),
		)
		r.bars[e.Leg] = bar
		r.totals[e.Leg] = e.TotalBytes
	}
	bar.Set64(e.TransferredBytes)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// runUntilIdle renders progress until both legs finish. A leg force-paused
// by a local failure cannot make progress without intervention, so it
// aborts the wait.
func runUntilIdle(engine *core.Engine) error {
	ch := engine.Bus().SubscribeAll()
	stop := make(chan struct{})
	defer close(stop)
	go newRenderer().run(ch, stop)

	for {
		if engine.Idle() {
			return nil
		}
		dl, _ := engine.Snapshots()
		if dl.ForcePaused && dl.Paused {
			return fmt.Errorf("download stalled on a local filesystem error; check free space in the media directory")
		}
		time.Sleep(100 * time.Millisecond)
	}
}
