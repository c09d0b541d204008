package placement

import (
	"fmt"
	"strings"
)

// Server is one member of a cluster.
type Server struct {
	ID  int    `json:"id"`
	URI string `json:"uri"`
}

// Snapshot is a static view of the cluster. Server IDs are positions in
// Servers, which is the numbering every hash above uses.
type Snapshot struct {
	Servers []*Server
}

// NewSnapshot builds a snapshot from an ordered list of server URIs.
func NewSnapshot(uris []string) *Snapshot {
	s := &Snapshot{Servers: make([]*Server, len(uris))}
	for i, u := range uris {
		if !strings.Contains(u, "://") {
			u = "http://" + u
		}
		s.Servers[i] = &Server{ID: i, URI: strings.TrimRight(u, "/")}
	}
	return s
}

// Len returns the number of servers.
func (s *Snapshot) Len() int { return len(s.Servers) }

// URI returns the address of server id.
func (s *Snapshot) URI(id int) (string, error) {
	if id < 0 || id >= len(s.Servers) {
		return "", fmt.Errorf("server %d not in cluster of %d", id, len(s.Servers))
	}
	return s.Servers[id].URI, nil
}

// MetadataServer returns the owner of name's metadata.
func (s *Snapshot) MetadataServer(name string) *Server {
	if len(s.Servers) == 0 {
		return nil
	}
	return s.Servers[MetadataServer(name, len(s.Servers))]
}
