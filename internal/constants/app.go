package constants

import (
	"time"
)

// Transfer sizing
const (
	// ChunkSize - size of each streamed chunk for uploads and downloads (64 KiB)
	//
	// The device link is a single persistent TCP connection, so the chunk is
	// also the cancellation granularity: pause/cancel requests are observed
	// at chunk boundaries, bounding cancellation latency to one chunk.
	//
	// Trade-offs:
	// - Smaller chunks = faster pause/cancel response, more syscalls
	// - Larger chunks = better throughput, coarser progress updates
	ChunkSize = 64 * 1024

	// TempFilePrefix - prefix for in-flight download destinations.
	// A file is written as <prefix><name> and renamed to <name> only after
	// the final byte has been received, so a bare <name> on disk is always
	// a complete file.
	TempFilePrefix = "dl_"

	// DiskSpaceMargin - multiplier applied to a file's remaining bytes when
	// checking free space before a download step (1.05 = 5% headroom)
	DiskSpaceMargin = 1.05

	// DownloadCancelDrainLimit - largest unread body remainder a cancelled
	// download will read and discard to keep the connection usable. Anything
	// bigger and the connection is torn down and reopened instead, since
	// draining it would cost more than a reconnect.
	DownloadCancelDrainLimit = 256 * 1024
)

// Command queue retry configuration
const (
	// MaxCommandRetries - retry budget for a failed-but-retryable command.
	// A command executes at most MaxCommandRetries+1 times before its error
	// is surfaced and the command is dropped.
	MaxCommandRetries = 3

	// CommandRetryDelay - fixed delay before re-executing a retryable command.
	// Linear, not exponential: the executor retries at most 3 times, and the
	// dominant transient failure (device link blip) either clears within a
	// second or escalates to a reconnect.
	CommandRetryDelay = 1 * time.Second
)

// Endpoint paths on the device and relay server
const (
	// DeviceMediaListPath - device endpoint returning the media index as JSON
	DeviceMediaListPath = "/media/list"

	// DeviceMediaPrefix - device endpoint prefix for fetching one media file
	DeviceMediaPrefix = "/media/"

	// ServerFilesListPath - server endpoint returning names already uploaded
	ServerFilesListPath = "/files"

	// ServerFilesPrefix - server endpoint prefix for uploading one file
	ServerFilesPrefix = "/files/"
)

// Transport timing
const (
	// DialTimeout - default timeout for establishing the TCP connection
	DialTimeout = 10 * time.Second

	// ReadTimeout - per-read deadline while a response or chunk is expected.
	// Generous because the device stalls briefly when its storage is busy.
	ReadTimeout = 30 * time.Second

	// WriteTimeout - per-write deadline for request framing and body chunks
	WriteTimeout = 30 * time.Second

	// ReconnectDelay - pause before transparently reopening a lost connection
	ReconnectDelay = 2 * time.Second

	// KeepAlivePeriod - TCP keepalive interval for the persistent connection
	KeepAlivePeriod = 15 * time.Second
)

// Resume state
const (
	// MaxResumeAge - resume sidecar files older than this are discarded and
	// the partial temp file is truncated
	MaxResumeAge = 7 * 24 * time.Hour

	// ResumeSuffix - sidecar file suffix: <temp path> + ResumeSuffix
	ResumeSuffix = ".resume"
)

// Event bus buffer sizes
const (
	// EventBusDefaultBuffer - default per-subscriber channel buffer.
	// Progress events arrive once per chunk, so the buffer must absorb a
	// burst while a TUI subscriber repaints.
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - upper bound on per-subscriber channel buffer
	EventBusMaxBuffer = 10000
)

// Speed sampling
const (
	// SpeedSampleMinInterval - minimum wall-clock gap between speed samples.
	// Updates closer together than this are folded into the next sample.
	SpeedSampleMinInterval = 100 * time.Millisecond
)
