package ctl

import (
	"time"

	"github.com/hpc-io/pdc-sub007/server"
	"github.com/spf13/cobra"
)

// BuildServerFlags attaches a set of flags to the command for a server instance.
func BuildServerFlags(cmd *cobra.Command, srv *server.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&srv.Config.DataDir, "data-dir", "d", srv.Config.DataDir, "Directory to store PDC checkpoints and fragments. Empty keeps everything in memory.")
	flags.StringVarP(&srv.Config.Bind, "bind", "b", srv.Config.Bind, "Default URI on which PDC should listen.")
	flags.IntVar(&srv.Config.ID, "id", srv.Config.ID, "Position of this server in the servers list.")
	flags.StringSliceVar(&srv.Config.Servers, "servers", srv.Config.Servers, "Comma separated list of the URIs of every server, in id order.")
	flags.StringVar(&srv.Config.LogPath, "log-path", srv.Config.LogPath, "Log path")
	flags.BoolVar(&srv.Config.Verbose, "verbose", srv.Config.Verbose, "Enable verbose logging")

	// Storage
	flags.StringVar(&srv.Config.Storage.Backend, "storage.backend", srv.Config.Storage.Backend, "Fragment storage: mem or file.")
	flags.BoolVar(&srv.Config.Storage.FsyncEnabled, "storage.fsync", srv.Config.Storage.FsyncEnabled, "Sync file fragments after every write.")

	// Checkpoint
	flags.DurationVar((*time.Duration)(&srv.Config.Checkpoint.Interval), "checkpoint.interval", time.Duration(srv.Config.Checkpoint.Interval), "Interval between metadata checkpoints. Zero disables them.")
	flags.IntVar(&srv.Config.Checkpoint.Keep, "checkpoint.keep", srv.Config.Checkpoint.Keep, "Number of checkpoints kept on disk.")

	// Lock
	flags.DurationVar((*time.Duration)(&srv.Config.Lock.Lease), "lock.lease", time.Duration(srv.Config.Lock.Lease), "How long a lock is held before a conflicting request may reclaim it. Zero means forever.")
	flags.DurationVar((*time.Duration)(&srv.Config.Lock.MaxWait), "lock.max-wait", time.Duration(srv.Config.Lock.MaxWait), "Bound on blocking lock requests without a deadline.")

	// Tracing
	flags.BoolVar(&srv.Config.Tracing.Enabled, "tracing.enabled", srv.Config.Tracing.Enabled, "Send spans to the registered opentracing tracer.")

	// Query
	flags.BoolVar(&srv.Config.Query.RangeIndex, "query.range-index", srv.Config.Query.RangeIndex, "Build binned range indexes on fragments for queries.")
	flags.IntVar(&srv.Config.Query.Bins, "query.bins", srv.Config.Query.Bins, "Bins per range index.")
}
