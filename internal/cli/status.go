package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/aerolink/mediasync/internal/diskspace"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show link health and device media",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := opts.startEngine()
			if err != nil {
				return err
			}
			defer engine.Shutdown()

			fmt.Printf("device link: %s\n", engine.DeviceState())
			fmt.Printf("server link: %s\n", engine.ServerState())

			mediaDir := opts.cfg.Transfer.MediaDir
			free := diskspace.GetAvailableSpace(filepath.Join(mediaDir, "probe"))
			if free > 0 {
				fmt.Printf("media dir:   %s (%s free)\n", mediaDir, formatBytes(free))
			} else {
				fmt.Printf("media dir:   %s\n", mediaDir)
			}

			files, err := engine.ListDeviceMedia()
			if err != nil {
				return fmt.Errorf("list device media: %w", err)
			}
			var total int64
			valid := 0
			for _, f := range files {
				if f.Valid {
					valid++
					total += f.Size
				}
			}
			fmt.Printf("device media: %d files (%d valid, %s)\n", len(files), valid, formatBytes(total))
			for _, f := range files {
				marker := " "
				if !f.Valid {
					marker = "!"
				}
				fmt.Printf("  %s %-40s %10s  %s\n", marker, f.Name, formatBytes(f.Size), f.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	return cmd
}
