package pdc

import (
	"fmt"
	"sort"
	"strings"
)

// ObjectID identifies an object. The high 16 bits hold the server that
// owns its metadata.
type ObjectID uint64

// ContainerID identifies a container, and is laid out like ObjectID.
type ContainerID uint64

const idServerShift = 48

// MaxServers is the largest cluster the id layout can address.
const MaxServers = 1 << (64 - idServerShift)

func makeID(server int, seq uint64) uint64 {
	return uint64(server)<<idServerShift | seq&(1<<idServerShift-1)
}

// Server returns the server owning the object's metadata.
func (id ObjectID) Server() int { return int(uint64(id) >> idServerShift) }

// Server returns the server owning the container record.
func (id ContainerID) Server() int { return int(uint64(id) >> idServerShift) }

// Lifetime says whether an object outlives the servers' checkpoints.
type Lifetime uint8

const (
	Persistent Lifetime = iota
	Transient
)

func (l Lifetime) String() string {
	if l == Transient {
		return "transient"
	}
	return "persistent"
}

// Container is a named group of objects.
type Container struct {
	ID       ContainerID `json:"id"`
	Name     string      `json:"name"`
	Lifetime Lifetime    `json:"lifetime"`
}

// ObjectSpec holds everything needed to create an object.
type ObjectSpec struct {
	Name      string      `json:"name"`
	Container ContainerID `json:"container"`
	Timestep  int         `json:"timestep"`
	DType     DataType    `json:"dtype"`
	Dims      []uint64    `json:"dims"`
	Tags      []KVTag     `json:"tags,omitempty"`
	Lifetime  Lifetime    `json:"lifetime"`

	// Distribution decides which servers hold which fragments. The zero
	// value splits rows evenly across the whole cluster.
	Distribution Distribution `json:"distribution"`
}

// Validate checks that s describes a well-formed object.
func (s *ObjectSpec) Validate() error {
	if s.Name == "" {
		return NewErrInvalidArgument("object name required")
	}
	if strings.IndexByte(s.Name, 0) >= 0 {
		return NewErrInvalidArgument("object name contains NUL")
	}
	if !s.DType.Valid() {
		return NewErrInvalidArgument("object '%s': invalid data type %d", s.Name, s.DType)
	}
	if len(s.Dims) < 1 || len(s.Dims) > MaxDim {
		return NewErrInvalidArgument("object '%s': %d dimensions out of range [1,%d]", s.Name, len(s.Dims), MaxDim)
	}
	for i, d := range s.Dims {
		if d == 0 {
			return NewErrInvalidArgument("object '%s': dims[%d] is zero", s.Name, i)
		}
	}
	if _, ok := ByteCount(s.Dims, s.DType); !ok {
		return NewErrInvalidArgument("object '%s': dims %v of %s exceed the addressable size", s.Name, s.Dims, s.DType)
	}
	return s.Distribution.Validate(s.Dims)
}

// Metadata is the index record of one object. Records are values: every
// mutation publishes a new record, so a *Metadata handed out is never
// modified afterwards.
type Metadata struct {
	ID           ObjectID     `json:"id"`
	Name         string       `json:"name"`
	Container    ContainerID  `json:"container"`
	Timestep     int          `json:"timestep"`
	DType        DataType     `json:"dtype"`
	Dims         []uint64     `json:"dims"`
	Lifetime     Lifetime     `json:"lifetime"`
	Distribution Distribution `json:"distribution"`
	// Tags are kept sorted by name.
	Tags []KVTag `json:"tags,omitempty"`
	// Epoch is the checkpoint epoch in which the record last changed.
	Epoch uint64 `json:"epoch"`
}

func (m *Metadata) NDim() int { return len(m.Dims) }

// Tag returns the tag named name.
func (m *Metadata) Tag(name string) (KVTag, bool) {
	i := sort.Search(len(m.Tags), func(i int) bool { return m.Tags[i].Name >= name })
	if i < len(m.Tags) && m.Tags[i].Name == name {
		return m.Tags[i], true
	}
	return KVTag{}, false
}

// Fragments returns the fragments of the object.
func (m *Metadata) Fragments() []Fragment {
	return m.Distribution.Fragments(m.Dims)
}

// Servers returns the sorted list of servers holding fragments.
func (m *Metadata) Servers() []int {
	seen := make(map[int]struct{})
	var out []int
	for _, f := range m.Fragments() {
		if _, ok := seen[f.Server]; !ok {
			seen[f.Server] = struct{}{}
			out = append(out, f.Server)
			if len(out) == m.Distribution.Servers {
				break
			}
		}
	}
	sort.Ints(out)
	return out
}

// withTag returns a copy of m with t set.
func (m *Metadata) withTag(t KVTag) *Metadata {
	other := *m
	other.Tags = make([]KVTag, 0, len(m.Tags)+1)
	replaced := false
	for _, old := range m.Tags {
		if old.Name == t.Name {
			other.Tags = append(other.Tags, t)
			replaced = true
			continue
		}
		other.Tags = append(other.Tags, old)
	}
	if !replaced {
		other.Tags = append(other.Tags, t)
		sortTags(other.Tags)
	}
	return &other
}

func (m *Metadata) String() string {
	return fmt.Sprintf("%s@%d(id=%d dtype=%s dims=%v)", m.Name, m.Timestep, m.ID, m.DType, m.Dims)
}

func sortTags(tags []KVTag) {
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
}

// dedupTags sorts tags by name keeping the last value given for a name.
func dedupTags(tags []KVTag) []KVTag {
	byName := make(map[string]KVTag, len(tags))
	for _, t := range tags {
		byName[t.Name] = t
	}
	out := make([]KVTag, 0, len(byName))
	for _, t := range byName {
		out = append(out, t)
	}
	sortTags(out)
	return out
}

// TimestepRange is an inclusive range of timesteps.
type TimestepRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// MetadataFilter selects records. Zero fields match everything.
type MetadataFilter struct {
	Name      string         `json:"name,omitempty"`
	Container ContainerID    `json:"container,omitempty"`
	Timesteps *TimestepRange `json:"timesteps,omitempty"`
	Tags      []KVTag        `json:"tags,omitempty"`
}

// Match reports whether m passes the filter.
func (f *MetadataFilter) Match(m *Metadata) bool {
	if f.Name != "" && f.Name != m.Name {
		return false
	}
	if f.Container != 0 && f.Container != m.Container {
		return false
	}
	if f.Timesteps != nil && (m.Timestep < f.Timesteps.Min || m.Timestep > f.Timesteps.Max) {
		return false
	}
	for _, want := range f.Tags {
		got, ok := m.Tag(want.Name)
		if !ok || !got.Equal(want) {
			return false
		}
	}
	return true
}
