package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aerolink/mediasync/internal/transfer"
)

func newDownloadCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download [file...]",
		Short: "Download media files from the device",
		Long: `Downloads the named media files from the device into the local media
directory. With no arguments, downloads everything the device lists.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := opts.startEngine()
			if err != nil {
				return err
			}
			defer engine.Shutdown()

			available, err := engine.ListDeviceMedia()
			if err != nil {
				return fmt.Errorf("list device media: %w", err)
			}

			files, err := selectFiles(available, args)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Println("no media on the device")
				return nil
			}

			engine.RequestDownload(files, false)
			return runUntilIdle(engine)
		},
	}
	return cmd
}

// selectFiles narrows the device listing to the requested names. Asking for
// a file the device does not have is an error rather than a silent skip.
func selectFiles(available []transfer.FileDescriptor, names []string) ([]transfer.FileDescriptor, error) {
	if len(names) == 0 {
		return available, nil
	}
	byName := make(map[string]transfer.FileDescriptor, len(available))
	for _, f := range available {
		byName[f.Name] = f
	}
	selected := make([]transfer.FileDescriptor, 0, len(names))
	for _, name := range names {
		f, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("device has no media file named %q", name)
		}
		selected = append(selected, f)
	}
	return selected, nil
}
