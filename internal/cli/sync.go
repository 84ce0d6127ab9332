package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aerolink/mediasync/internal/transport"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var keepLocal bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Relay all device media to the server",
		Long: `Lists the media on the device and relays every file the server does
not already hold: each file is downloaded and then uploaded, with the
intermediate local copy removed unless --keep-local is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := opts.startEngine()
			if err != nil {
				return err
			}
			defer engine.Shutdown()

			if engine.ServerState() != transport.StateConnected {
				return fmt.Errorf("server link is %s; cannot relay", engine.ServerState())
			}

			n, err := engine.Sync(keepLocal)
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			if n == 0 {
				fmt.Println("nothing to relay; server is up to date")
				return nil
			}
			fmt.Printf("relaying %d files\n", n)
			return runUntilIdle(engine)
		},
	}

	cmd.Flags().BoolVar(&keepLocal, "keep-local", false, "keep local copies of relayed files")
	return cmd
}
