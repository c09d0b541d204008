package ctl

import (
	"context"
	"fmt"
	"io"
	"os"

	pdc "github.com/hpc-io/pdc-sub007"
	"github.com/hpc-io/pdc-sub007/errors"
)

// RegionPushCommand writes a region file into an object of a running
// cluster.
type RegionPushCommand struct {
	ClusterFlags

	// Path of the region file. Empty reads STDIN.
	Path string

	Timestep int

	// Create makes the object from the file header when it does not exist.
	Create bool

	// Lock holds a write lock on the region while it is written.
	Lock bool

	// Standard input/output
	*pdc.CmdIO
}

// NewRegionPushCommand returns a new instance of RegionPushCommand.
func NewRegionPushCommand(stdin io.Reader, stdout, stderr io.Writer) *RegionPushCommand {
	return &RegionPushCommand{
		CmdIO: pdc.NewCmdIO(stdin, stdout, stderr),
		Lock:  true,
	}
}

// Run executes the push.
func (cmd *RegionPushCommand) Run(ctx context.Context) error {
	logger := cmd.Logger()

	var r io.Reader = cmd.Stdin
	if cmd.Path != "" {
		f, err := os.Open(cmd.Path)
		if err != nil {
			return errors.Wrap(err, "opening region file")
		}
		defer f.Close()
		r = f
	}
	rf, err := ReadRegionFile(r)
	if err != nil {
		return err
	}
	remote, err := rf.Region()
	if err != nil {
		return err
	}

	cli, tr, err := commandClient(&cmd.ClusterFlags, logger)
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	defer tr.Close()

	m, err := cli.LookupObject(ctx, rf.Name, cmd.Timestep)
	switch {
	case errors.Is(err, pdc.ErrNotFound) && cmd.Create:
		id, err := cli.CreateObject(ctx, pdc.ObjectSpec{Name: rf.Name, Timestep: cmd.Timestep, DType: rf.DType, Dims: rf.Dims})
		if err != nil {
			return errors.Wrapf(err, "creating object '%s'", rf.Name)
		}
		logger.Printf("created object '%s' (id %d)", rf.Name, id)
		if m, err = cli.GetObject(ctx, id); err != nil {
			return err
		}
	case err != nil:
		return errors.Wrapf(err, "looking up object '%s'", rf.Name)
	}
	if m.DType != rf.DType {
		return errors.Newf(pdc.ErrInvalidArgument, "object '%s' holds %s, file holds %s", m.Name, m.DType, rf.DType)
	}
	if !remote.InBounds(m.Dims) {
		return errors.Newf(pdc.ErrShapeMismatch, "region %s outside object '%s' dims %v", remote, m.Name, m.Dims)
	}

	if cmd.Lock {
		lock := pdc.LockRequest{Object: m.ID, Region: remote, Mode: pdc.WriteLock}
		if err := cli.ObtainLock(ctx, lock, true); err != nil {
			return errors.Wrap(err, "locking region")
		}
		defer func() {
			if err := cli.ReleaseLock(context.Background(), lock); err != nil {
				logger.Errorf("releasing lock on %s: %v", remote, err)
			}
		}()
	}

	if err := runTransfer(ctx, cli, rf.Data, pdc.Write, m.ID, remote); err != nil {
		return err
	}
	logger.Printf("pushed %d bytes to %s region %s", len(rf.Data), m, remote)
	return nil
}

// RegionPullCommand reads a region of an object into a region file.
type RegionPullCommand struct {
	ClusterFlags

	Name     string
	Timestep int

	// Offset and Count select the region. Empty means the whole object.
	Offset []uint64
	Count  []uint64

	// Path of the region file. Empty writes STDOUT.
	Path string

	Lock bool

	// Standard input/output
	*pdc.CmdIO
}

// NewRegionPullCommand returns a new instance of RegionPullCommand.
func NewRegionPullCommand(stdin io.Reader, stdout, stderr io.Writer) *RegionPullCommand {
	return &RegionPullCommand{
		CmdIO: pdc.NewCmdIO(stdin, stdout, stderr),
	}
}

// Run executes the pull.
func (cmd *RegionPullCommand) Run(ctx context.Context) error {
	logger := cmd.Logger()
	if cmd.Name == "" {
		return fmt.Errorf("%w: object name required", UsageError)
	}
	if len(cmd.Offset) == 0 && len(cmd.Count) > 0 {
		cmd.Offset = make([]uint64, len(cmd.Count))
	}
	if len(cmd.Offset) != len(cmd.Count) {
		return fmt.Errorf("%w: %d offsets given for %d counts", UsageError, len(cmd.Offset), len(cmd.Count))
	}

	cli, tr, err := commandClient(&cmd.ClusterFlags, logger)
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	defer tr.Close()

	m, err := cli.LookupObject(ctx, cmd.Name, cmd.Timestep)
	if err != nil {
		return errors.Wrapf(err, "looking up object '%s'", cmd.Name)
	}
	var remote *pdc.Region
	if len(cmd.Count) == 0 {
		remote, err = pdc.WholeRegion(m.Dims)
	} else {
		remote, err = pdc.NewRegion(len(cmd.Count), cmd.Offset, cmd.Count)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", UsageError, err)
	}
	if !remote.InBounds(m.Dims) {
		return errors.Newf(pdc.ErrShapeMismatch, "region %s outside object '%s' dims %v", remote, m.Name, m.Dims)
	}

	if cmd.Lock {
		lock := pdc.LockRequest{Object: m.ID, Region: remote, Mode: pdc.ReadLock}
		if err := cli.ObtainLock(ctx, lock, true); err != nil {
			return errors.Wrap(err, "locking region")
		}
		defer func() {
			if err := cli.ReleaseLock(context.Background(), lock); err != nil {
				logger.Errorf("releasing lock on %s: %v", remote, err)
			}
		}()
	}

	buf := make([]byte, remote.Elements()*uint64(m.DType.Size()))
	if err := runTransfer(ctx, cli, buf, pdc.Read, m.ID, remote); err != nil {
		return err
	}

	rf := &RegionFile{
		Name:   m.Name,
		DType:  m.DType,
		Dims:   m.Dims,
		Offset: remote.Offset,
		Count:  remote.Size,
		Data:   buf,
	}
	var w io.Writer = cmd.Stdout
	if cmd.Path != "" {
		f, err := os.Create(cmd.Path)
		if err != nil {
			return errors.Wrap(err, "creating region file")
		}
		defer f.Close()
		w = f
	}
	if _, err := rf.WriteTo(w); err != nil {
		return err
	}
	if f, ok := w.(*os.File); ok && cmd.Path != "" {
		if err := f.Sync(); err != nil {
			return errors.Wrap(err, "syncing region file")
		}
	}
	logger.Printf("pulled %d bytes of %s region %s", len(buf), m, remote)
	return nil
}

// runTransfer moves buf, laid out as a dense copy of remote, to or from
// object.
func runTransfer(ctx context.Context, cli *pdc.Client, buf []byte, dir pdc.Direction, object pdc.ObjectID, remote *pdc.Region) error {
	local, err := pdc.NewRegion(remote.NDim(), make([]uint64, remote.NDim()), remote.Size)
	if err != nil {
		return err
	}
	id, err := cli.TransferCreate(ctx, buf, dir, object, local, remote)
	if err != nil {
		return errors.Wrap(err, "creating transfer")
	}
	if err := cli.TransferStart(ctx, id); err != nil {
		_ = cli.TransferClose(id)
		return errors.Wrap(err, "starting transfer")
	}
	if err := cli.TransferWait(ctx, id); err != nil {
		_ = cli.TransferClose(id)
		return errors.Wrapf(err, "%s transfer", dir)
	}
	return cli.TransferClose(id)
}
