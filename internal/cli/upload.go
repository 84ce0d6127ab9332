package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aerolink/mediasync/internal/transfer"
	"github.com/aerolink/mediasync/internal/transport"
)

func newUploadCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload local media files to the server",
		Long: `Uploads the named files from the local media directory to the
processing server. Files the server already holds are skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := opts.startEngine()
			if err != nil {
				return err
			}
			defer engine.Shutdown()

			// A server that never connected has no reconnect loop running;
			// queued uploads would wait forever.
			if engine.ServerState() != transport.StateConnected {
				return fmt.Errorf("server link is %s; cannot upload", engine.ServerState())
			}

			files := make([]transfer.FileDescriptor, 0, len(args))
			for _, name := range args {
				info, err := os.Stat(filepath.Join(opts.cfg.Transfer.MediaDir, name))
				if err != nil {
					return fmt.Errorf("local media file %q: %w", name, err)
				}
				files = append(files, transfer.FileDescriptor{
					Name:      name,
					Size:      info.Size(),
					CreatedAt: info.ModTime(),
					Valid:     true,
				})
			}

			engine.RequestUpload(files, false)
			return runUntilIdle(engine)
		},
	}
	return cmd
}
