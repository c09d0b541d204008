package server

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	pdc "github.com/hpc-io/pdc-sub007"
	"github.com/hpc-io/pdc-sub007/errors"
	phttp "github.com/hpc-io/pdc-sub007/http"
	"github.com/hpc-io/pdc-sub007/logger"
	"github.com/hpc-io/pdc-sub007/tracing"
	pdcot "github.com/hpc-io/pdc-sub007/tracing/opentracing"
	"github.com/opentracing/opentracing-go"
)

// Command represents the state of the pdc server command.
type Command struct {
	Server  *Server
	Handler *phttp.Handler

	// Configuration.
	Config *Config

	// Standard input/output
	*pdc.CmdIO

	ln       net.Listener
	logFile  *os.File
	serveErr chan error

	// Started will be closed once Command.Start is finished.
	Started chan struct{}
	// Done will be closed when Command.Close() is called
	Done chan struct{}
}

// NewCommand returns a new instance of Command.
func NewCommand(stdin io.Reader, stdout, stderr io.Writer) *Command {
	return &Command{
		Config:   NewConfig(),
		CmdIO:    pdc.NewCmdIO(stdin, stdout, stderr),
		serveErr: make(chan error, 1),
		Started:  make(chan struct{}),
		Done:     make(chan struct{}),
	}
}

// Start opens the server and begins serving HTTP. It returns once the
// listener is bound.
func (m *Command) Start() (err error) {
	defer close(m.Started)
	prefix := "~" + string(filepath.Separator)
	if strings.HasPrefix(m.Config.DataDir, prefix) {
		HomeDir := os.Getenv("HOME")
		if HomeDir == "" {
			return errors.New(pdc.ErrInvalidArgument, "data directory not specified and no home dir available")
		}
		m.Config.DataDir = filepath.Join(HomeDir, strings.TrimPrefix(m.Config.DataDir, prefix))
	}
	if err := m.Config.Validate(); err != nil {
		return errors.Wrap(err, "validating config")
	}

	if err := m.setupLogger(); err != nil {
		return err
	}
	l := m.Logger()

	if m.Config.DataDir != "" {
		l.Infof("using data from: %s", m.Config.DataDir)
	}
	if m.Config.Tracing.Enabled {
		tracing.GlobalTracer = pdcot.NewTracer(opentracing.GlobalTracer(), l)
	}
	m.Server, err = NewServer(
		OptServerID(m.Config.ID, len(m.Config.Servers)),
		OptServerLogger(l),
		OptServerDataDir(m.Config.DataDir),
		OptServerStorage(m.Config.Storage),
		OptServerCheckpoint(time.Duration(m.Config.Checkpoint.Interval), m.Config.Checkpoint.Keep),
		OptServerLockLease(time.Duration(m.Config.Lock.Lease)),
		OptServerLockMaxWait(time.Duration(m.Config.Lock.MaxWait)),
		OptServerRangeIndex(m.Config.Query.RangeIndex, m.Config.Query.Bins),
	)
	if err != nil {
		return errors.Wrap(err, "new server")
	}
	if err := m.Server.Open(); err != nil {
		return errors.Wrap(err, "opening server")
	}

	m.ln, err = net.Listen("tcp", m.Config.Bind)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", m.Config.Bind)
	}
	m.Handler, err = phttp.NewHandler(
		phttp.OptHandlerBackend(m.Server),
		phttp.OptHandlerListener(m.ln),
		phttp.OptHandlerLogger(l),
	)
	if err != nil {
		return errors.Wrap(err, "new handler")
	}
	go func() { m.serveErr <- m.Handler.Serve() }()

	l.Printf("server %d of %d listening as http://%s", m.Config.ID, len(m.Config.Servers), m.ln.Addr())
	return nil
}

// Addr returns the bound address of the listener.
func (m *Command) Addr() net.Addr {
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// Wait blocks until the HTTP server stops.
func (m *Command) Wait() error {
	return <-m.serveErr
}

func (m *Command) setupLogger() error {
	out := m.Stderr
	if m.Config.LogPath != "" {
		f, err := os.OpenFile(m.Config.LogPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return errors.Wrap(err, "opening log file")
		}
		m.logFile, out = f, f
	}
	m.SetLogger(logger.NewLogger(out, m.Config.Verbose))
	return nil
}

// Close shuts down the server.
func (m *Command) Close() error {
	defer close(m.Done)
	var errs []error
	if m.Handler != nil {
		if err := m.Handler.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.Server != nil {
		if err := m.Server.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.logFile != nil {
		if err := m.logFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return fmt.Errorf("closing server: %v", errs)
}
