// Package ctl holds the implementations of the pdc subcommands.
package ctl

import (
	"errors"
	"fmt"
	"strings"
	"time"

	pdc "github.com/hpc-io/pdc-sub007"
	phttp "github.com/hpc-io/pdc-sub007/http"
	"github.com/hpc-io/pdc-sub007/logger"
	"github.com/hpc-io/pdc-sub007/placement"
	"github.com/spf13/pflag"
)

// UsageError marks errors caused by wrong command line arguments.
var UsageError = errors.New("usage error")

// ClusterFlags are the flags shared by commands that talk to a running
// cluster.
type ClusterFlags struct {
	// Hosts lists every server of the cluster in id order.
	Hosts []string

	// Retries of a request that could not reach its server.
	Retries int

	Timeout time.Duration
}

// SetClusterFlags creates the common cluster flags.
func SetClusterFlags(flags *pflag.FlagSet, cf *ClusterFlags) {
	flags.StringSliceVar(&cf.Hosts, "hosts", []string{"localhost:10101"}, "Comma separated list of server host:port, in server id order.")
	flags.IntVar(&cf.Retries, "retries", 3, "Retries of requests that cannot reach their server.")
	flags.DurationVar(&cf.Timeout, "timeout", time.Minute, "Bound on each request. Zero means none.")
}

// URIs returns the hosts as base URIs.
func (cf *ClusterFlags) URIs() []string {
	uris := make([]string, len(cf.Hosts))
	for i, h := range cf.Hosts {
		if !strings.Contains(h, "://") {
			h = "http://" + h
		}
		uris[i] = strings.TrimSuffix(h, "/")
	}
	return uris
}

// commandClient returns a PDC client over HTTP for the cluster of cf. The
// caller closes the transport.
func commandClient(cf *ClusterFlags, l logger.Logger) (*pdc.Client, *phttp.Client, error) {
	if len(cf.Hosts) == 0 {
		return nil, nil, fmt.Errorf("%w: no hosts given", UsageError)
	}
	opts := []phttp.ClientOption{
		phttp.OptClientLogger(l),
		phttp.OptClientTimeout(cf.Timeout),
	}
	if cf.Retries >= 0 {
		opts = append(opts, phttp.OptClientRetries(cf.Retries, 50*time.Millisecond, 2*time.Second))
	}
	tr := phttp.NewClient(placement.NewSnapshot(cf.URIs()), opts...)
	cli, err := pdc.NewClient(tr, len(cf.Hosts), pdc.OptClientLogger(l))
	if err != nil {
		tr.Close()
		return nil, nil, err
	}
	return cli, tr, nil
}
