package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/hpc-io/pdc-sub007/ctl"
	"github.com/spf13/cobra"
)

var (
	RegionPusher *ctl.RegionPushCommand
	RegionPuller *ctl.RegionPullCommand
)

func newRegionCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	regionCmd := &cobra.Command{
		Use:   "region",
		Short: "Move regions of objects in and out of a cluster.",
		Long: `
Region files hold one region of one object: a little-endian header
naming the object, its data type and dimensions, the region's offset
and count, followed by the region's elements in row-major order.
`,
	}
	regionCmd.AddCommand(newRegionPushCommand(stdin, stdout, stderr))
	regionCmd.AddCommand(newRegionPullCommand(stdin, stdout, stderr))
	return regionCmd
}

func newRegionPushCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	RegionPusher = ctl.NewRegionPushCommand(stdin, stdout, stderr)
	pushCmd := &cobra.Command{
		Use:   "push [FILE]",
		Short: "Write a region file into its object.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				RegionPusher.Path = args[0]
			}
			return RegionPusher.Run(context.Background())
		},
	}
	flags := pushCmd.Flags()
	ctl.SetClusterFlags(flags, &RegionPusher.ClusterFlags)
	flags.IntVarP(&RegionPusher.Timestep, "timestep", "t", 0, "Timestep of the object.")
	flags.BoolVar(&RegionPusher.Create, "create", false, "Create the object from the file header if it does not exist.")
	flags.BoolVar(&RegionPusher.Lock, "lock", true, "Hold a write lock on the region while writing it.")
	return pushCmd
}

func newRegionPullCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	RegionPuller = ctl.NewRegionPullCommand(stdin, stdout, stderr)
	var offset, count []string
	pullCmd := &cobra.Command{
		Use:   "pull NAME",
		Short: "Read a region of an object into a region file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			RegionPuller.Name = args[0]
			if RegionPuller.Offset, err = parseUints(offset); err != nil {
				return fmt.Errorf("%w: offset: %v", ctl.UsageError, err)
			}
			if RegionPuller.Count, err = parseUints(count); err != nil {
				return fmt.Errorf("%w: count: %v", ctl.UsageError, err)
			}
			return RegionPuller.Run(context.Background())
		},
	}
	flags := pullCmd.Flags()
	ctl.SetClusterFlags(flags, &RegionPuller.ClusterFlags)
	flags.IntVarP(&RegionPuller.Timestep, "timestep", "t", 0, "Timestep of the object.")
	flags.StringSliceVar(&offset, "offset", nil, "Comma separated offset of the region. Default is the origin.")
	flags.StringSliceVar(&count, "count", nil, "Comma separated extent of the region. Default is the whole object.")
	flags.StringVarP(&RegionPuller.Path, "output-file", "o", "", "File to write the region to - default stdout")
	flags.BoolVar(&RegionPuller.Lock, "lock", true, "Hold a read lock on the region while reading it.")
	return pullCmd
}

func parseUints(ss []string) ([]uint64, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	out := make([]uint64, len(ss))
	for i, s := range ss {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
