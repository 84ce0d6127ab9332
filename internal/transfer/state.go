package transfer

import (
	"time"

	"github.com/google/uuid"

	"github.com/aerolink/mediasync/internal/constants"
)

// legState is the mutable state of one transfer leg while a transfer is in
// flight. It exists only between the first file added and the moment both
// sets drain; an idle leg has no state at all.
//
// All mutation happens under the owning leg's mutex and ends with
// recompute(), so derived totals change atomically with set membership.
type legState struct {
	id string

	// pending holds files queued for transfer, the current file included
	// until its final byte lands.
	pending *descriptorSet

	// waiting holds files known by name and size but not yet locally
	// available, blocking on the download leg. Upload side only.
	waiting *descriptorSet

	// Resumption cursor: the file actively streaming and the bytes already
	// committed for it. currentOffset is always a resumable position.
	currentItem   string
	currentOffset int64

	paused      bool
	forcePaused bool

	// Aggregate accounting. transferredBytes includes currentOffset.
	totalBytes       int64
	totalFiles       int
	transferredBytes int64
	transferredFiles int

	meter speedMeter
}

func newLegState() *legState {
	return &legState{
		id:      uuid.NewString(),
		pending: newDescriptorSet(),
		waiting: newDescriptorSet(),
	}
}

// recompute rebuilds totalBytes and totalFiles from current set contents
// plus what was already transferred. Called after every membership change
// so the invariant
//
//	transferredBytes + remaining == totalBytes
//
// holds at every observation point, where remaining is the byte count still
// to stream: pending plus waiting sizes minus the committed cursor offset.
func (s *legState) recompute() {
	remaining := s.pending.totalSize() + s.waiting.totalSize() - s.currentOffset
	s.totalBytes = s.transferredBytes + remaining
	s.totalFiles = s.transferredFiles + s.pending.len() + s.waiting.len()
}

// clearCursor drops the resumption cursor, rolling the partial byte count
// out of transferredBytes. Used when the in-flight file leaves the set or
// its partial progress stops being resumable.
func (s *legState) clearCursor() {
	s.transferredBytes -= s.currentOffset
	s.currentItem = ""
	s.currentOffset = 0
}

// empty reports whether both sets have drained.
func (s *legState) empty() bool {
	return s.pending.len() == 0 && s.waiting.len() == 0
}

// Snapshot is a read-only view of a leg for UI consumption.
type Snapshot struct {
	Leg              string
	Active           bool
	CurrentFile      string
	CurrentOffset    int64
	Paused           bool
	ForcePaused      bool
	TotalBytes       int64
	TotalFiles       int
	TransferredBytes int64
	TransferredFiles int
	Speed            float64 // bytes/sec, EMA smoothed
}

// PercentComplete returns overall progress in [0.0, 1.0].
func (s Snapshot) PercentComplete() float64 {
	if s.TotalBytes <= 0 {
		return 0
	}
	return float64(s.TransferredBytes) / float64(s.TotalBytes)
}

// speedMeter smooths the instantaneous transfer rate with an EMA so the
// displayed speed stays readable while remaining responsive.
type speedMeter struct {
	lastBytes  int64
	lastUpdate time.Time
	speed      float64
}

// speedSmoothingAlpha gives 25% weight to the newest sample.
const speedSmoothingAlpha = 0.25

// record feeds the meter the cumulative transferred byte count.
func (m *speedMeter) record(transferred int64) {
	now := time.Now()

	if m.lastUpdate.IsZero() {
		m.lastBytes = transferred
		m.lastUpdate = now
		return
	}

	elapsed := now.Sub(m.lastUpdate)
	if elapsed < constants.SpeedSampleMinInterval || transferred <= m.lastBytes {
		return
	}

	instantRate := float64(transferred-m.lastBytes) / elapsed.Seconds()
	if m.speed > 0 {
		m.speed = speedSmoothingAlpha*instantRate + (1-speedSmoothingAlpha)*m.speed
	} else {
		m.speed = instantRate
	}
	m.lastBytes = transferred
	m.lastUpdate = now
}

func (m *speedMeter) value() float64 {
	return m.speed
}

func (m *speedMeter) reset() {
	*m = speedMeter{}
}
