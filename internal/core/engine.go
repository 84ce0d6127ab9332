// Package core assembles the application: configuration, logging, the event
// bus, both transport links, the command executor, the two transfer legs,
// and the notifier. Everything below this package is wired by injection;
// core is the only place that knows the whole object graph.
package core

import (
	"fmt"
	"os"
	"time"

	"github.com/aerolink/mediasync/internal/command"
	"github.com/aerolink/mediasync/internal/config"
	"github.com/aerolink/mediasync/internal/device"
	"github.com/aerolink/mediasync/internal/events"
	"github.com/aerolink/mediasync/internal/logging"
	"github.com/aerolink/mediasync/internal/notify"
	"github.com/aerolink/mediasync/internal/transfer"
	"github.com/aerolink/mediasync/internal/transport"
)

// Engine owns the assembled transfer core.
type Engine struct {
	cfg    *config.Config
	logger *logging.Logger
	bus    *events.EventBus

	deviceLink *transport.Transport
	serverLink *transport.Transport
	executor   *command.Executor
	download   *transfer.DownloadLeg
	upload     *transfer.UploadLeg
	notifier   *notify.Notifier

	lister device.MediaLister
	remote device.RemoteIndex

	// remoteKnown mirrors the server index fetched at startup, used to keep
	// Sync from pulling device files that are already relayed.
	remoteKnown map[string]bool
}

// New builds the object graph without touching the network. Start opens the
// links.
func New(cfg *config.Config, logger *logging.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.Transfer.MediaDir, 0755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}

	bus := events.NewEventBus(0)
	notifier := notify.New(logger, cfg.Notifications.Enabled)
	executor := command.NewExecutor(logger.Component("executor"), notifier)

	deviceLink := transport.New("device", logger.Component("transport"))
	serverLink := transport.New("server", logger.Component("transport"))

	e := &Engine{
		cfg:         cfg,
		logger:      logger.Component("core"),
		bus:         bus,
		deviceLink:  deviceLink,
		serverLink:  serverLink,
		executor:    executor,
		notifier:    notifier,
		lister:      device.NewClient(deviceLink),
		remote:      device.NewServerClient(serverLink),
		remoteKnown: make(map[string]bool),
	}

	dl := transfer.NewDownloadLeg(executor, bus, logger, deviceLink, cfg.Transfer.MediaDir)
	ul := transfer.NewUploadLeg(executor, bus, logger, serverLink, cfg.Transfer.MediaDir)
	dl.SetWaiter(ul)
	ul.SetSource(dl)
	e.download = dl
	e.upload = ul

	// The executor runs only while the device link is healthy. Legs whose
	// step command was dropped on retry exhaustion get nudged on recovery.
	deviceLink.AddStateObserver(func(old, new transport.State) {
		bus.PublishLinkState("device", old.String(), new.String())
		executor.SetEnabled(new == transport.StateConnected)
		if new == transport.StateConnected {
			dl.Kick()
			ul.Kick()
		}
	})
	// The upload leg rides the server link: when that link returns, any
	// upload work parked by a dropped step command must be rescheduled.
	serverLink.AddStateObserver(func(old, new transport.State) {
		bus.PublishLinkState("server", old.String(), new.String())
		if new == transport.StateConnected {
			ul.Kick()
		}
	})

	go notifier.Watch(bus)
	return e, nil
}

// Bus exposes the event bus for UI subscribers.
func (e *Engine) Bus() *events.EventBus { return e.bus }

// Start opens both links. The device link is required; a server that cannot
// be reached leaves the upload leg idle but does not fail startup, since a
// download-only session is still useful.
func (e *Engine) Start() error {
	d := e.cfg.Device
	timeout := time.Duration(d.ConnectTimeoutSeconds) * time.Second
	if err := e.deviceLink.Open(d.Host, d.Port, timeout, d.KeepAlive); err != nil {
		return fmt.Errorf("device link: %w", err)
	}

	s := e.cfg.Server
	if s.Host != "" {
		timeout = time.Duration(s.ConnectTimeoutSeconds) * time.Second
		if err := e.serverLink.Open(s.Host, s.Port, timeout, s.KeepAlive); err != nil {
			e.logger.Warn().Err(err).Msg("server link unavailable, uploads disabled")
		} else if names, err := e.remote.ListFiles(); err == nil {
			e.upload.SetRemoteIndex(names)
			for _, name := range names {
				e.remoteKnown[name] = true
			}
		} else {
			e.logger.Warn().Err(err).Msg("server index unavailable")
		}
	}
	return nil
}

// Shutdown stops both legs and closes the links and the bus.
func (e *Engine) Shutdown() {
	e.download.Stop()
	e.upload.Stop()
	e.deviceLink.Terminate(false)
	e.serverLink.Terminate(false)
	e.bus.Close()
}

// ListDeviceMedia fetches the device's media index.
func (e *Engine) ListDeviceMedia() ([]transfer.FileDescriptor, error) {
	return e.lister.ListMedia()
}

// RequestDownload queues files for download from the device.
func (e *Engine) RequestDownload(files []transfer.FileDescriptor, temporary bool) {
	e.download.Request(files, temporary)
}

// RequestUpload queues files for upload to the server.
func (e *Engine) RequestUpload(files []transfer.FileDescriptor, waitingOnDownload bool) {
	e.upload.Request(files, waitingOnDownload)
}

// Sync relays every device media file to the server: each file is queued as
// an upload waiting on its download, with download copies kept only when
// keepLocal is set. Files the server already holds are not pulled again
// unless a permanent local copy was asked for.
func (e *Engine) Sync(keepLocal bool) (int, error) {
	files, err := e.lister.ListMedia()
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, nil
	}

	toRelay := make([]transfer.FileDescriptor, 0, len(files))
	for _, f := range files {
		if !e.remoteKnown[f.Name] {
			toRelay = append(toRelay, f)
		}
	}

	// Waiting entries must exist before any download can complete, so the
	// upload request goes in first.
	e.upload.Request(toRelay, true)
	if keepLocal {
		e.download.Request(files, false)
	} else {
		e.download.Request(toRelay, true)
	}
	return len(toRelay), nil
}

// Pause suspends the named leg ("download" or "upload").
func (e *Engine) Pause(leg string) {
	if l := e.leg(leg); l != nil {
		l.Pause()
	}
}

// Resume restarts the named leg.
func (e *Engine) Resume(leg string) {
	if l := e.leg(leg); l != nil {
		l.Resume()
	}
}

// Stop cancels the named leg entirely.
func (e *Engine) Stop(leg string) {
	if l := e.leg(leg); l != nil {
		l.Stop()
	}
}

// Snapshots returns the current view of both legs.
func (e *Engine) Snapshots() (download, upload transfer.Snapshot) {
	return e.download.Snapshot(), e.upload.Snapshot()
}

// Idle reports whether neither leg has in-flight state.
func (e *Engine) Idle() bool {
	return !e.download.Active() && !e.upload.Active()
}

// DeviceState returns the device link's connection state.
func (e *Engine) DeviceState() transport.State { return e.deviceLink.State() }

// ServerState returns the server link's connection state.
func (e *Engine) ServerState() transport.State { return e.serverLink.State() }

type pausable interface {
	Pause()
	Resume()
	Stop()
}

func (e *Engine) leg(name string) pausable {
	switch name {
	case "download":
		return e.download
	case "upload":
		return e.upload
	default:
		e.logger.Warn().Str("leg", name).Msg("unknown leg name")
		return nil
	}
}
