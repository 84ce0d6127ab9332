package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aerolink/mediasync/internal/command"
	"github.com/aerolink/mediasync/internal/constants"
	"github.com/aerolink/mediasync/internal/events"
	"github.com/aerolink/mediasync/internal/logging"
	"github.com/aerolink/mediasync/internal/transport"
	"github.com/aerolink/mediasync/internal/validation"
)

// DownloadSource is the download leg's cross-leg surface. The upload leg
// calls it when its waiting entries go away, so downloads that existed only
// to feed those uploads are not pulled for nothing.
type DownloadSource interface {
	CancelTemporary(names []string)
}

// UploadLeg pushes local media files to the relay server. Files may be
// queued before they exist locally by marking them as waiting on the
// download leg; they move into the pending set as the downloads land.
type UploadLeg struct {
	legCore
	source      DownloadSource
	remoteKnown map[string]bool
}

// NewUploadLeg wires an upload coordinator onto the server transport.
func NewUploadLeg(executor *command.Executor, bus *events.EventBus, logger *logging.Logger, tr *transport.Transport, mediaDir string) *UploadLeg {
	u := &UploadLeg{
		legCore: legCore{
			name:      "upload",
			temporary: make(map[string]bool),
			executor:  executor,
			bus:       bus,
			logger:    logger.Component("upload"),
			tr:        tr,
			mediaDir:  mediaDir,
		},
		remoteKnown: make(map[string]bool),
	}
	u.cancelStream = tr.CancelSendFile
	u.onStopCleanup = u.stopCleanup
	u.runCmd = &command.Func{Name: "upload-step", Run: u.step, Dropped: u.finishStep}
	return u
}

// SetSource registers the download leg for reverse cancellation.
func (u *UploadLeg) SetSource(s DownloadSource) {
	u.mu.Lock()
	u.source = s
	u.mu.Unlock()
}

func (u *UploadLeg) getSource() DownloadSource {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.source
}

// SetRemoteIndex replaces the set of filenames the server already holds.
// Subsequent requests exclude these instead of re-uploading.
func (u *UploadLeg) SetRemoteIndex(names []string) {
	known := make(map[string]bool, len(names))
	for _, name := range names {
		known[name] = true
	}
	u.mu.Lock()
	u.remoteKnown = known
	u.mu.Unlock()
}

// Request merges files into the upload set. Files the server already holds
// and invalid files are excluded with an aggregated notice. When
// waitingOnDownload is set the files need not exist locally yet; they join
// the waiting set and are promoted by FulfillWaiting as downloads land.
// Otherwise a file missing from the media directory is dropped with a
// notice rather than blocking the rest.
func (u *UploadLeg) Request(files []FileDescriptor, waitingOnDownload bool) {
	var skippedNames, skippedReasons []string

	u.mu.Lock()
	created := false
	if u.state == nil {
		u.state = newLegState()
		created = true
	}
	st := u.state

	added := 0
	for _, f := range files {
		if st.pending.contains(f.Name) || st.waiting.contains(f.Name) {
			continue
		}
		if !f.Valid || validation.ValidateMediaName(f.Name) != nil {
			skippedNames = append(skippedNames, f.Name)
			skippedReasons = append(skippedReasons, "invalid file")
			continue
		}
		if u.remoteKnown[f.Name] {
			skippedNames = append(skippedNames, f.Name)
			skippedReasons = append(skippedReasons, "already on server")
			continue
		}
		if waitingOnDownload {
			st.waiting.add(f)
			added++
			continue
		}
		if _, err := os.Stat(filepath.Join(u.mediaDir, f.Name)); err != nil {
			skippedNames = append(skippedNames, f.Name)
			skippedReasons = append(skippedReasons, "local file missing")
			continue
		}
		st.pending.add(f)
		added++
	}

	if created && st.empty() {
		u.state = nil
		u.mu.Unlock()
		u.publishSkipped(skippedNames, skippedReasons)
		return
	}

	st.recompute()
	u.ensureRunnerLocked()
	blocked := st.pending.len() == 0 && st.waiting.len() > 0 && !st.forcePaused
	if blocked {
		// Everything queued is waiting on the download leg.
		st.forcePaused = true
	}
	u.mu.Unlock()

	u.publishSkipped(skippedNames, skippedReasons)
	u.publishTransfer(events.EventTransferQueued)
	if created {
		u.publishTransfer(events.EventTransferStarted)
	}
	if blocked {
		u.publishTransfer(events.EventTransferPaused)
	}
	u.logger.Info().
		Int("added", added).
		Int("skipped", len(skippedNames)).
		Bool("waiting", waitingOnDownload).
		Msg("upload request merged")

	// Excluded files never reach the download leg's completion path, so any
	// temporary downloads for them are cancelled here.
	if len(skippedNames) > 0 && waitingOnDownload {
		if s := u.getSource(); s != nil {
			s.CancelTemporary(skippedNames)
		}
	}
}

// FulfillWaiting promotes a waiting entry to pending once its download has
// landed. Called synchronously by the download leg; a fulfilment for a file
// the upload no longer tracks is ignored.
func (u *UploadLeg) FulfillWaiting(d FileDescriptor, temporary bool) {
	u.mu.Lock()
	st := u.state
	if st == nil || !st.waiting.contains(d.Name) {
		u.mu.Unlock()
		return
	}
	st.waiting.remove(d.Name)
	st.pending.add(d)
	if temporary {
		u.temporary[d.Name] = true
	}
	// The blocked-on-downloads condition has cleared for at least one file.
	st.forcePaused = false
	st.recompute()
	u.ensureRunnerLocked()
	u.mu.Unlock()

	u.publishTransfer(events.EventTransferQueued)
	u.logger.Debug().Str("file", d.Name).Msg("waiting upload fulfilled")
}

// CancelWaiting removes waiting entries whose downloads will never
// complete. Totals shrink accordingly; draining the last entry tears the
// transfer down.
func (u *UploadLeg) CancelWaiting(names []string) {
	var removed []string
	u.mu.Lock()
	st := u.state
	if st == nil {
		u.mu.Unlock()
		return
	}
	for _, name := range names {
		if st.waiting.remove(name) {
			removed = append(removed, name)
		}
	}
	if len(removed) == 0 {
		u.mu.Unlock()
		return
	}
	st.recompute()
	drained := st.empty()
	if drained {
		u.teardownLocked()
	}
	u.mu.Unlock()

	u.publishSkipped(removed, reasonsFor(removed, "download cancelled"))
	if !drained {
		u.publishTransfer(events.EventTransferProgress)
	}
	u.logger.Info().Strs("files", removed).Msg("waiting uploads cancelled")
}

func reasonsFor(names []string, reason string) []string {
	reasons := make([]string, len(names))
	for i := range names {
		reasons[i] = reason
	}
	return reasons
}

// step streams the head of the pending set to the server. An interrupted
// upload restarts from byte zero: the server discards a truncated body, so
// partial progress is never resumable the way downloads are.
func (u *UploadLeg) step(done func(command.Result)) {
	u.mu.Lock()
	st := u.state
	if st == nil || st.paused || st.forcePaused {
		u.runnerActive = false
		u.mu.Unlock()
		done(command.Success())
		return
	}
	item, ok := st.pending.first()
	if !ok {
		u.mu.Unlock()
		u.finishStep()
		done(command.Success())
		return
	}
	if st.currentItem != item.Name {
		st.currentItem = item.Name
		st.currentOffset = 0
	}
	name := item.Name
	u.mu.Unlock()

	localPath := filepath.Join(u.mediaDir, name)
	f, err := os.Open(localPath)
	if err != nil {
		// Per-file failure; drop the entry instead of blocking the rest.
		u.dropFile(st, name, "cannot open local file")
		done(command.Success())
		return
	}

	req := transport.NewPost(constants.ServerFilesPrefix+name, nil)
	raw, streamErr := u.tr.SendFile(req, f, func(n int) {
		u.onChunk(st, name, n)
	})
	f.Close()

	switch {
	case streamErr == nil:
		u.handleResponse(st, item, localPath, raw, done)

	case transport.IsCancelled(streamErr):
		u.rollbackCursor(st, name)
		u.finishStep()
		done(command.Success())

	case errors.Is(streamErr, transport.ErrLocalIO):
		u.rollbackCursor(st, name)
		u.dropFile(st, name, "cannot read local file")
		done(command.Success())

	default:
		// The connection is gone either way; the peer never acknowledged
		// the partial body.
		u.rollbackCursor(st, name)
		done(command.Retry(&command.UserError{
			Title:   "Upload Error",
			Message: fmt.Sprintf("connection lost while uploading %s", name),
		}))
	}
}

// onChunk commits one sent chunk to the accounting.
func (u *UploadLeg) onChunk(st *legState, name string, n int) {
	u.mu.Lock()
	if u.state != st || st.currentItem != name {
		u.mu.Unlock()
		return
	}
	st.currentOffset += int64(n)
	st.transferredBytes += int64(n)
	st.meter.record(st.transferredBytes)
	paused := st.paused
	u.mu.Unlock()

	u.publishTransfer(events.EventTransferProgress)
	if paused {
		u.tr.CancelSendFile()
	}
}

// handleResponse finishes a fully streamed upload once the server
// acknowledges it.
func (u *UploadLeg) handleResponse(st *legState, item FileDescriptor, localPath string, raw []byte, done func(command.Result)) {
	resp, err := transport.ParseResponse(raw)
	if err != nil || resp.StatusCode != 200 {
		status := "unreadable response"
		if err == nil {
			status = resp.Status
		}
		u.rollbackCursor(st, item.Name)
		u.dropFile(st, item.Name, "server rejected the upload")
		done(command.Fail(&command.UserError{
			Title:   "Upload Error",
			Message: fmt.Sprintf("%s: %s", item.Name, status),
		}))
		return
	}

	var temporary bool
	u.mu.Lock()
	temporary = u.temporary[item.Name]
	delete(u.temporary, item.Name)
	u.remoteKnown[item.Name] = true
	if u.state == st {
		st.pending.remove(item.Name)
		st.transferredFiles++
		st.currentItem = ""
		st.currentOffset = 0
		st.recompute()
	}
	u.mu.Unlock()

	if temporary {
		// The local copy existed only to feed this upload.
		os.Remove(localPath)
	}

	u.publishFileCompleted(item)
	u.logger.Info().Str("file", item.Name).Int64("size", item.Size).Msg("upload complete")
	u.finishStep()
	done(command.Success())
}

// rollbackCursor rolls an interrupted upload's partial bytes back out of
// the accounting. The next attempt restarts the file from zero.
func (u *UploadLeg) rollbackCursor(st *legState, name string) {
	u.mu.Lock()
	if u.state == st && st.currentItem == name {
		st.transferredBytes -= st.currentOffset
		st.currentOffset = 0
		st.recompute()
	}
	u.mu.Unlock()
}

// dropFile abandons one upload entry after a non-retryable per-file
// failure.
func (u *UploadLeg) dropFile(st *legState, name, reason string) {
	var temporary bool
	u.mu.Lock()
	if u.state == st {
		if st.currentItem == name {
			st.clearCursor()
		}
		st.pending.remove(name)
		temporary = u.temporary[name]
		delete(u.temporary, name)
		st.recompute()
	}
	u.mu.Unlock()

	if temporary {
		os.Remove(filepath.Join(u.mediaDir, name))
	}
	u.publishSkipped([]string{name}, []string{reason})
	u.finishStep()
}

// stopCleanup cancels any temporary downloads that were feeding the
// stopped uploads and removes temporary local copies already pulled.
func (u *UploadLeg) stopCleanup(old *legState, temporary map[string]bool) {
	if s := u.getSource(); s != nil {
		if names := old.waiting.names(); len(names) > 0 {
			s.CancelTemporary(names)
		}
	}
	for name := range temporary {
		if old.pending.contains(name) {
			os.Remove(filepath.Join(u.mediaDir, name))
		}
	}
}
