// Package test holds helpers for running PDC clusters inside tests.
package test

import (
	"net/http/httptest"
	"testing"

	pdc "github.com/hpc-io/pdc-sub007"
	phttp "github.com/hpc-io/pdc-sub007/http"
	"github.com/hpc-io/pdc-sub007/logger"
	"github.com/hpc-io/pdc-sub007/placement"
	"github.com/hpc-io/pdc-sub007/server"
	"github.com/hpc-io/pdc-sub007/transport"
)

// Cluster is a set of servers joined by an in-process transport.
type Cluster struct {
	Servers   []*server.Server
	Transport *transport.Local
}

// ClusterOption returns extra options for server id.
type ClusterOption func(id int) []server.ServerOption

// OptClusterServer applies opts to every server.
func OptClusterServer(opts ...server.ServerOption) ClusterOption {
	return func(int) []server.ServerOption { return opts }
}

// OptClusterDataDir gives each server the directory dir(id).
func OptClusterDataDir(dir func(id int) string) ClusterOption {
	return func(id int) []server.ServerOption {
		return []server.ServerOption{server.OptServerDataDir(dir(id))}
	}
}

// MustNewServers creates and opens n servers without a transport. The
// caller closes them.
func MustNewServers(tb testing.TB, n int, opts ...ClusterOption) []*server.Server {
	tb.Helper()
	servers := make([]*server.Server, n)
	for i := range servers {
		sopts := []server.ServerOption{
			server.OptServerID(i, n),
			server.OptServerLogger(logger.NewLogfLogger(tb)),
		}
		for _, opt := range opts {
			sopts = append(sopts, opt(i)...)
		}
		s, err := server.NewServer(sopts...)
		if err != nil {
			tb.Fatalf("new server %d: %v", i, err)
		}
		if err := s.Open(); err != nil {
			tb.Fatalf("open server %d: %v", i, err)
		}
		servers[i] = s
	}
	return servers
}

// MustRunCluster starts n servers on a transport.Local and closes them
// when the test ends.
func MustRunCluster(tb testing.TB, n int, opts ...ClusterOption) *Cluster {
	tb.Helper()
	c := &Cluster{
		Servers:   MustNewServers(tb, n, opts...),
		Transport: transport.NewLocal(),
	}
	for i, s := range c.Servers {
		c.Transport.Register(i, s)
	}
	tb.Cleanup(func() {
		c.Transport.Close()
		for _, s := range c.Servers {
			s.Close()
		}
	})
	return c
}

// Client returns a client of the cluster.
func (c *Cluster) Client(tb testing.TB, opts ...pdc.ClientOption) *pdc.Client {
	tb.Helper()
	opts = append([]pdc.ClientOption{pdc.OptClientLogger(logger.NewLogfLogger(tb))}, opts...)
	cli, err := pdc.NewClient(c.Transport, len(c.Servers), opts...)
	if err != nil {
		tb.Fatalf("new client: %v", err)
	}
	tb.Cleanup(func() { cli.Close() })
	return cli
}

// HTTPCluster is a set of servers each behind an httptest server.
type HTTPCluster struct {
	Servers []*server.Server
	HTTP    []*httptest.Server
	URIs    []string
}

// MustRunHTTPCluster starts n servers served over HTTP.
func MustRunHTTPCluster(tb testing.TB, n int, opts ...ClusterOption) *HTTPCluster {
	tb.Helper()
	c := &HTTPCluster{Servers: MustNewServers(tb, n, opts...)}
	for i, s := range c.Servers {
		h, err := phttp.NewHandler(phttp.OptHandlerBackend(s), phttp.OptHandlerLogger(logger.NewLogfLogger(tb)))
		if err != nil {
			tb.Fatalf("new handler %d: %v", i, err)
		}
		ts := httptest.NewServer(h)
		c.HTTP = append(c.HTTP, ts)
		c.URIs = append(c.URIs, ts.URL)
	}
	tb.Cleanup(func() {
		for _, ts := range c.HTTP {
			ts.Close()
		}
		for _, s := range c.Servers {
			s.Close()
		}
	})
	return c
}

// Transport returns an HTTP transport to the cluster.
func (c *HTTPCluster) Transport(opts ...phttp.ClientOption) *phttp.Client {
	return phttp.NewClient(placement.NewSnapshot(c.URIs), opts...)
}

// Client returns a client of the cluster over HTTP.
func (c *HTTPCluster) Client(tb testing.TB, opts ...pdc.ClientOption) *pdc.Client {
	tb.Helper()
	cli, err := pdc.NewClient(c.Transport(), len(c.Servers), opts...)
	if err != nil {
		tb.Fatalf("new client: %v", err)
	}
	tb.Cleanup(func() { cli.Close() })
	return cli
}
