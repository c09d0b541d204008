package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hpc-io/pdc-sub007/ctl"
	"github.com/hpc-io/pdc-sub007/server"
	"github.com/spf13/cobra"
)

// Server is global so that tests can control and verify it.
var Server *server.Command

func newServeCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Server = server.NewCommand(stdin, stdout, stderr)
	serveCmd := &cobra.Command{
		Use:   "server",
		Short: "Run a PDC server.",
		Long: `pdc server runs one server of a PDC cluster.

It restores the latest metadata checkpoint from the configured
directory, and starts listening for client connections on the
configured address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Start & run the server.
			if err := Server.Start(); err != nil {
				return fmt.Errorf("error running server: %v", err)
			}

			// First SIGTERM or interrupt causes server to shut down gracefully.
			c := make(chan os.Signal, 2)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(c)

			errc := make(chan error, 1)
			go func() { errc <- Server.Wait() }()

			select {
			case sig := <-c:
				fmt.Fprintf(Server.Stderr, "Received %s; gracefully shutting down...\n", sig.String())

				// Second signal causes a hard shutdown.
				go func() { <-c; os.Exit(1) }()
				return Server.Close()
			case err := <-errc:
				if cerr := Server.Close(); err == nil {
					err = cerr
				}
				return err
			}
		},
	}

	ctl.BuildServerFlags(serveCmd, Server)
	return serveCmd
}
