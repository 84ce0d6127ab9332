// Package cli implements the mediasync command tree.
package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aerolink/mediasync/internal/config"
	"github.com/aerolink/mediasync/internal/core"
	"github.com/aerolink/mediasync/internal/logging"
	"github.com/aerolink/mediasync/internal/pathutil"
	"github.com/aerolink/mediasync/internal/version"
)

type rootOptions struct {
	configPath string
	verbose    bool
	deviceHost string
	mediaDir   string

	// cfg holds the resolved configuration after startEngine runs.
	cfg *config.Config
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "mediasync",
		Short: "Relay media from a capture device to a processing server",
		Long: `mediasync pulls media files from a capture device over its hotspot
link and relays them to a processing server, resuming interrupted
transfers where the protocol allows.`,
		Version:       fmt.Sprintf("%s (built %s)", version.Version, version.BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file path (default ~/.config/mediasync/config)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&opts.deviceHost, "device-host", "", "override the device address")
	flags.StringVar(&opts.mediaDir, "media-dir", "", "override the local media directory")

	root.AddCommand(
		newSyncCmd(opts),
		newDownloadCmd(opts),
		newUploadCmd(opts),
		newStatusCmd(opts),
	)
	return root
}

// loadConfig reads the config file and applies flag overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if o.configPath != "" {
		cfg, err = config.Load(o.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if o.deviceHost != "" {
		cfg.Device.Host = o.deviceHost
	}
	if o.mediaDir != "" {
		cfg.Transfer.MediaDir = o.mediaDir
	}

	// The media dir may come from a flag or config as "~/..." or relative;
	// resolve it once here so every component sees the same absolute path.
	resolved, err := pathutil.ResolveAbsolutePath(cfg.Transfer.MediaDir)
	if err != nil {
		return nil, fmt.Errorf("resolve media directory: %w", err)
	}
	cfg.Transfer.MediaDir = resolved

	o.cfg = cfg
	return cfg, nil
}

// startEngine assembles and starts the engine for one command invocation.
func (o *rootOptions) startEngine() (*core.Engine, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	if o.verbose {
		logging.SetGlobalLevel(zerolog.DebugLevel)
	}
	logger := logging.NewDefaultLogger()

	engine, err := core.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := engine.Start(); err != nil {
		return nil, err
	}
	return engine, nil
}
