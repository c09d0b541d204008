package server

import (
	"time"

	pdc "github.com/hpc-io/pdc-sub007"
	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/storage"
	"github.com/hpc-io/pdc-sub007/toml"
)

// Config represents the configuration for the command.
type Config struct {
	// DataDir holds checkpoints and file-backed fragments. Empty keeps
	// everything in memory.
	DataDir string `toml:"data-dir"`

	// Bind is the host:port on which the server will listen.
	Bind string `toml:"bind"`

	// ID is this server's position in Servers.
	ID int `toml:"id"`

	// Servers lists the URI of every server in the cluster, in id order.
	Servers []string `toml:"servers"`

	// LogPath configures where the server will write logs.
	LogPath string `toml:"log-path"`

	// Verbose toggles verbose logging which can be useful for debugging.
	Verbose bool `toml:"verbose"`

	Storage storage.Config `toml:"storage"`

	Checkpoint struct {
		// Interval between periodic checkpoints. Zero disables them.
		Interval toml.Duration `toml:"interval"`
		// Keep is the number of checkpoints retained on disk.
		Keep int `toml:"keep"`
	} `toml:"checkpoint"`

	Lock struct {
		// Lease is how long a lock may be held before a conflicting
		// request may reclaim it. Zero means forever.
		Lease toml.Duration `toml:"lease"`
		// MaxWait bounds blocking lock requests that carry no deadline.
		MaxWait toml.Duration `toml:"max-wait"`
	} `toml:"lock"`

	Tracing struct {
		// Enabled routes spans to the process-wide opentracing tracer.
		Enabled bool `toml:"enabled"`
	} `toml:"tracing"`

	Query struct {
		// RangeIndex enables binned range indexes on fragments.
		RangeIndex bool `toml:"range-index"`
		// Bins is the number of bins per range index.
		Bins int `toml:"bins"`
	} `toml:"query"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	c := &Config{
		DataDir: "~/.pdc",
		Bind:    ":10101",
		Servers: []string{"localhost:10101"},
		Storage: *storage.NewDefaultConfig(),
	}
	c.Checkpoint.Interval = toml.Duration(time.Minute)
	c.Checkpoint.Keep = 3
	c.Lock.MaxWait = toml.Duration(30 * time.Second)
	c.Query.RangeIndex = true
	c.Query.Bins = pdc.DefaultRangeIndexBins
	return c
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch {
	case len(c.Servers) == 0:
		return errors.New(pdc.ErrInvalidArgument, "no servers configured")
	case len(c.Servers) > pdc.MaxServers:
		return errors.Newf(pdc.ErrInvalidArgument, "%d servers configured, at most %d allowed", len(c.Servers), pdc.MaxServers)
	case c.ID < 0 || c.ID >= len(c.Servers):
		return errors.Newf(pdc.ErrInvalidArgument, "server id %d not in cluster of %d", c.ID, len(c.Servers))
	case c.Checkpoint.Interval < 0:
		return errors.New(pdc.ErrInvalidArgument, "negative checkpoint interval")
	case c.Query.Bins < 0:
		return errors.New(pdc.ErrInvalidArgument, "negative range index bins")
	}
	switch c.Storage.Backend {
	case storage.MemBackend, storage.FileBackend:
	default:
		return errors.Newf(pdc.ErrInvalidArgument, "unknown storage backend '%s'", c.Storage.Backend)
	}
	if c.Storage.Backend == storage.FileBackend && c.DataDir == "" {
		return errors.New(pdc.ErrInvalidArgument, "file storage requires a data directory")
	}
	return nil
}
