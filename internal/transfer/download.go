package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aerolink/mediasync/internal/command"
	"github.com/aerolink/mediasync/internal/constants"
	"github.com/aerolink/mediasync/internal/diskspace"
	"github.com/aerolink/mediasync/internal/events"
	"github.com/aerolink/mediasync/internal/logging"
	"github.com/aerolink/mediasync/internal/resume"
	"github.com/aerolink/mediasync/internal/transport"
	"github.com/aerolink/mediasync/internal/validation"
)

// UploadWaiter is the upload leg's cross-leg surface. The download leg
// calls it synchronously whenever the availability of a file changes:
// FulfillWaiting when a file lands locally, CancelWaiting when files leave
// the download set without completing.
type UploadWaiter interface {
	FulfillWaiting(d FileDescriptor, temporary bool)
	CancelWaiting(names []string)
}

// DownloadLeg pulls media files from the device into the local media
// directory, streaming each file as dl_<name> and renaming it only once
// complete.
type DownloadLeg struct {
	legCore
	waiter UploadWaiter
}

// NewDownloadLeg wires a download coordinator onto the device transport.
func NewDownloadLeg(executor *command.Executor, bus *events.EventBus, logger *logging.Logger, tr *transport.Transport, mediaDir string) *DownloadLeg {
	d := &DownloadLeg{
		legCore: legCore{
			name:      "download",
			temporary: make(map[string]bool),
			executor:  executor,
			bus:       bus,
			logger:    logger.Component("download"),
			tr:        tr,
			mediaDir:  mediaDir,
		},
	}
	d.cancelStream = tr.CancelDownloadFile
	d.onStopCleanup = d.stopCleanup
	d.runCmd = &command.Func{Name: "download-step", Run: d.step, Dropped: d.finishStep}
	return d
}

// SetWaiter registers the upload leg for cross-leg fulfilment. Must be
// called before any requests when the legs run mirrored.
func (d *DownloadLeg) SetWaiter(w UploadWaiter) {
	d.mu.Lock()
	d.waiter = w
	d.mu.Unlock()
}

func (d *DownloadLeg) getWaiter() UploadWaiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiter
}

// Request merges files into the download set. Invalid files and files
// already present in the media directory are excluded and reported in one
// aggregated notice; duplicates of already-queued files are ignored. When
// temporary is set, the downloaded files exist only to feed the upload leg
// and are removed after their upload completes.
func (d *DownloadLeg) Request(files []FileDescriptor, temporary bool) {
	var skippedNames, skippedReasons []string
	var fulfillNow []FileDescriptor

	d.mu.Lock()
	created := false
	if d.state == nil {
		d.state = newLegState()
		created = true
	}
	st := d.state

	added := 0
	for _, f := range files {
		if st.pending.contains(f.Name) {
			continue
		}
		if !f.Valid || validation.ValidateMediaName(f.Name) != nil {
			skippedNames = append(skippedNames, f.Name)
			skippedReasons = append(skippedReasons, "invalid file")
			continue
		}
		if _, err := os.Stat(filepath.Join(d.mediaDir, f.Name)); err == nil {
			skippedNames = append(skippedNames, f.Name)
			skippedReasons = append(skippedReasons, "already downloaded")
			// An upload waiting on this file can proceed right away.
			fulfillNow = append(fulfillNow, f)
			continue
		}
		st.pending.add(f)
		if temporary {
			d.temporary[f.Name] = true
		}
		added++
	}

	if created && st.empty() {
		// Every file was excluded; no transfer to run.
		d.state = nil
		d.mu.Unlock()
		d.publishSkipped(skippedNames, skippedReasons)
		for _, f := range fulfillNow {
			if w := d.getWaiter(); w != nil {
				w.FulfillWaiting(f, false)
			}
		}
		return
	}

	st.recompute()
	d.ensureRunnerLocked()
	d.mu.Unlock()

	d.publishSkipped(skippedNames, skippedReasons)
	d.publishTransfer(events.EventTransferQueued)
	if created {
		d.publishTransfer(events.EventTransferStarted)
	}
	d.logger.Info().Int("added", added).Int("skipped", len(skippedNames)).Msg("download request merged")

	for _, f := range fulfillNow {
		if w := d.getWaiter(); w != nil {
			w.FulfillWaiting(f, false)
		}
	}
}

// Remove drops files from the download set before they complete. If the
// in-flight file is removed its stream is cancelled, its partial bytes
// roll out of the accounting, and its temp file is deleted. Uploads
// waiting on removed files are cancelled.
func (d *DownloadLeg) Remove(names []string) {
	var removed []string
	var cancelCurrent bool
	var currentTemp string

	d.mu.Lock()
	st := d.state
	if st == nil {
		d.mu.Unlock()
		return
	}
	for _, name := range names {
		if !st.pending.remove(name) {
			continue
		}
		removed = append(removed, name)
		delete(d.temporary, name)
		if st.currentItem == name {
			cancelCurrent = true
			currentTemp = filepath.Join(d.mediaDir, constants.TempFilePrefix+name)
			st.clearCursor()
		}
	}
	if len(removed) == 0 {
		d.mu.Unlock()
		return
	}
	st.recompute()
	drained := st.empty()
	if drained {
		d.teardownLocked()
	}
	d.mu.Unlock()

	if cancelCurrent {
		d.cancelStream()
		os.Remove(currentTemp)
		resume.Delete(currentTemp)
	}
	if w := d.getWaiter(); w != nil {
		w.CancelWaiting(removed)
	}
	if !drained {
		d.publishTransfer(events.EventTransferProgress)
	}
	d.logger.Info().Strs("files", removed).Msg("downloads removed")
}

// CancelTemporary removes any still-pending downloads that were requested
// only as upload sources. Called by the upload leg when its side of the
// dependency goes away.
func (d *DownloadLeg) CancelTemporary(names []string) {
	var temps []string
	d.mu.Lock()
	for _, name := range names {
		if d.temporary[name] {
			temps = append(temps, name)
		}
	}
	d.mu.Unlock()

	if len(temps) > 0 {
		d.Remove(temps)
	}
}

// step streams the head of the pending set. One invocation moves at most
// one file; completion reschedules the step through the executor so other
// queued commands interleave between files.
func (d *DownloadLeg) step(done func(command.Result)) {
	d.mu.Lock()
	st := d.state
	if st == nil || st.paused || st.forcePaused {
		d.runnerActive = false
		d.mu.Unlock()
		done(command.Success())
		return
	}
	item, ok := st.pending.first()
	if !ok {
		d.mu.Unlock()
		d.finishStep()
		done(command.Success())
		return
	}
	if st.currentItem != item.Name {
		st.currentItem = item.Name
		st.currentOffset = 0
	}
	name := item.Name
	offset := st.currentOffset
	d.mu.Unlock()

	tempPath := filepath.Join(d.mediaDir, constants.TempFilePrefix+name)
	finalPath := filepath.Join(d.mediaDir, name)

	// A fresh cursor may still have resumable bytes on disk from a prior
	// process. Adopt them only when the sidecar verifies.
	if offset == 0 {
		if rec, err := resume.Recover(name, tempPath); err == nil && rec > 0 && rec < item.Size {
			d.mu.Lock()
			if d.state == st && st.currentItem == name {
				st.currentOffset = rec
				st.transferredBytes += rec
				st.recompute()
				offset = rec
			}
			d.mu.Unlock()
		}
	}

	if err := diskspace.CheckAvailableSpace(tempPath, item.Size-offset, constants.DiskSpaceMargin); err != nil {
		d.forcePause()
		done(command.Fail(&command.UserError{
			Title:   "Download Error",
			Message: err.Error(),
		}))
		return
	}

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		_, err = f.Seek(offset, 0)
	}
	if err != nil {
		if f != nil {
			f.Close()
		}
		d.forcePause()
		done(command.Fail(&command.UserError{
			Title:   "Download Error",
			Message: fmt.Sprintf("cannot write %s: %v", name, err),
		}))
		return
	}

	rs := &resume.State{
		Name:      name,
		TempPath:  tempPath,
		TotalSize: item.Size,
		Offset:    offset,
		CreatedAt: time.Now(),
	}

	req := transport.NewGet(constants.DeviceMediaPrefix + name)
	if offset > 0 {
		req.Headers["Range"] = fmt.Sprintf("bytes=%d-", offset)
	}

	streamErr := d.tr.DownloadToFile(req, f, func(n int) {
		d.onChunk(st, name, rs, n)
	}, func() {
		d.restartCursor(st, name, rs)
	})
	f.Close()

	switch {
	case streamErr == nil:
		d.completeFile(st, item, tempPath, finalPath, done)

	case transport.IsCancelled(streamErr):
		// Pause, stop, or removal. Committed bytes stay resumable; the
		// relevant cleanup already ran on the initiating path.
		d.finishStep()
		done(command.Success())

	case errors.Is(streamErr, transport.ErrProtocol):
		d.dropFile(st, name, tempPath, "device rejected the request")
		done(command.Fail(&command.UserError{
			Title:   "Download Error",
			Message: fmt.Sprintf("%s: %v", name, streamErr),
		}))

	case errors.Is(streamErr, transport.ErrLocalIO):
		d.forcePause()
		done(command.Fail(&command.UserError{
			Title:   "Download Error",
			Message: fmt.Sprintf("cannot write %s: %v", name, streamErr),
		}))

	default:
		// Connectivity. The cursor survives and the executor re-runs this
		// step, picking up from the committed offset.
		done(command.Retry(&command.UserError{
			Title:   "Download Error",
			Message: fmt.Sprintf("connection lost while downloading %s", name),
		}))
	}
}

// onChunk commits one received chunk: accounting first, then the sidecar,
// then the progress event. A chunk racing a pause lands fully before the
// stream is cancelled, so the cursor never points mid-chunk.
func (d *DownloadLeg) onChunk(st *legState, name string, rs *resume.State, n int) {
	d.mu.Lock()
	if d.state != st || st.currentItem != name {
		d.mu.Unlock()
		return
	}
	st.currentOffset += int64(n)
	st.transferredBytes += int64(n)
	st.meter.record(st.transferredBytes)
	rs.Offset = st.currentOffset
	paused := st.paused
	d.mu.Unlock()

	if err := resume.Save(rs); err != nil {
		d.logger.Warn().Err(err).Str("file", name).Msg("resume state write failed")
	}
	d.publishTransfer(events.EventTransferProgress)
	if paused {
		d.tr.CancelDownloadFile()
	}
}

// restartCursor rolls a file's committed bytes back out of the accounting
// when the device answers a ranged request with the whole file. The stream
// restarts at byte zero with the destination already truncated.
func (d *DownloadLeg) restartCursor(st *legState, name string, rs *resume.State) {
	d.mu.Lock()
	if d.state != st || st.currentItem != name {
		d.mu.Unlock()
		return
	}
	st.transferredBytes -= st.currentOffset
	st.currentOffset = 0
	st.recompute()
	rs.Offset = 0
	d.mu.Unlock()

	d.logger.Warn().Str("file", name).Msg("range ignored by device, restarting file from zero")
	d.publishTransfer(events.EventTransferProgress)
}

// completeFile verifies the finished temp file, renames it into place, and
// advances the leg to the next pending file. A size mismatch means the body
// ended early; the partial is discarded and the attempt reported as
// retryable rather than installing a corrupt file.
func (d *DownloadLeg) completeFile(st *legState, item FileDescriptor, tempPath, finalPath string, done func(command.Result)) {
	if info, err := os.Stat(tempPath); err != nil || info.Size() != item.Size {
		var got int64 = -1
		if err == nil {
			got = info.Size()
		}
		d.logger.Warn().
			Str("file", item.Name).
			Int64("got", got).
			Int64("want", item.Size).
			Msg("finished download has wrong size, discarding")
		os.Remove(tempPath)
		resume.Delete(tempPath)
		d.mu.Lock()
		if d.state == st && st.currentItem == item.Name {
			st.clearCursor()
			st.recompute()
		}
		d.mu.Unlock()
		done(command.Retry(&command.UserError{
			Title:   "Download Error",
			Message: fmt.Sprintf("%s: incomplete download", item.Name),
		}))
		return
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		d.forcePause()
		done(command.Fail(&command.UserError{
			Title:   "Download Error",
			Message: fmt.Sprintf("cannot finalize %s: %v", item.Name, err),
		}))
		return
	}
	resume.Delete(tempPath)

	var temporary bool
	d.mu.Lock()
	temporary = d.temporary[item.Name]
	delete(d.temporary, item.Name)
	if d.state == st {
		st.pending.remove(item.Name)
		st.transferredFiles++
		st.currentItem = ""
		st.currentOffset = 0
		st.recompute()
	}
	d.mu.Unlock()

	d.publishFileCompleted(item)
	d.logger.Info().Str("file", item.Name).Int64("size", item.Size).Msg("download complete")

	if w := d.getWaiter(); w != nil {
		w.FulfillWaiting(item, temporary)
	}
	d.finishStep()
	done(command.Success())
}

// dropFile abandons one file after a non-retryable per-file failure and
// moves on to the rest of the set.
func (d *DownloadLeg) dropFile(st *legState, name, tempPath, reason string) {
	d.mu.Lock()
	if d.state == st {
		if st.currentItem == name {
			st.clearCursor()
		}
		st.pending.remove(name)
		delete(d.temporary, name)
		st.recompute()
	}
	d.mu.Unlock()

	os.Remove(tempPath)
	resume.Delete(tempPath)

	d.publishSkipped([]string{name}, []string{reason})
	if w := d.getWaiter(); w != nil {
		w.CancelWaiting([]string{name})
	}
	d.finishStep()
}

// forcePause suspends the leg on a local filesystem failure. User resume
// stays blocked until the transfer is stopped or the condition clears.
func (d *DownloadLeg) forcePause() {
	d.mu.Lock()
	if d.state == nil {
		d.runnerActive = false
		d.mu.Unlock()
		return
	}
	d.state.paused = true
	d.state.forcePaused = true
	d.runnerActive = false
	d.mu.Unlock()

	d.publishTransfer(events.EventTransferPaused)
	d.logger.Error().Msg("download force-paused on filesystem error")
}

// stopCleanup deletes the in-flight partial and cancels dependent uploads.
func (d *DownloadLeg) stopCleanup(old *legState, temporary map[string]bool) {
	if old.currentItem != "" {
		tempPath := filepath.Join(d.mediaDir, constants.TempFilePrefix+old.currentItem)
		os.Remove(tempPath)
		resume.Delete(tempPath)
	}
	if w := d.getWaiter(); w != nil {
		if names := old.pending.names(); len(names) > 0 {
			w.CancelWaiting(names)
		}
	}
}
