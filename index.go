package pdc

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/cespare/xxhash"
	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/logger"
	"github.com/hpc-io/pdc-sub007/placement"
)

// DefaultIndexShardN is the default number of shards in a MetadataIndex.
const DefaultIndexShardN = 16

// NameHash is the string hash clients use to find the metadata server of
// an object or container name.
func NameHash(name string) uint32 { return placement.NameHash(name) }

// MetadataIndex is the catalog of objects and containers held by one
// metadata server.
//
// Records are spread over shards by name. Each shard keeps its records in
// persistent maps guarded by a RWMutex: readers share the lock, writers on
// one shard are serialized, and writers on different shards proceed in
// parallel. Because the maps are persistent, a checkpoint only holds the
// locks long enough to copy the map roots.
type MetadataIndex struct {
	server int
	shards []*indexShard

	// locate maps ObjectID to its *indexShard. It is only written with the
	// owning shard's lock held.
	locate sync.Map

	cmu            sync.RWMutex
	containers     *immutable.Map[ContainerID, *Container]
	containerNames *immutable.Map[string, ContainerID]

	nextObject    atomic.Uint64
	nextContainer atomic.Uint64
	epoch         atomic.Uint64

	logger logger.Logger
}

type indexShard struct {
	mu    sync.RWMutex
	byID  *immutable.Map[ObjectID, *Metadata]
	byKey *immutable.Map[string, ObjectID]
}

// nameKey is the byKey key of (name, timestep). Names may not contain
// NUL, so the encoding is unambiguous.
func nameKey(name string, timestep int) string {
	return name + "\x00" + strconv.Itoa(timestep)
}

type IndexOption func(*MetadataIndex)

func OptIndexLogger(l logger.Logger) IndexOption {
	return func(idx *MetadataIndex) { idx.logger = l }
}

func OptIndexShardN(n int) IndexOption {
	return func(idx *MetadataIndex) {
		if n > 0 {
			idx.shards = make([]*indexShard, n)
		}
	}
}

// NewMetadataIndex returns an empty index for the given server. Ids it
// hands out carry server in their high bits.
func NewMetadataIndex(server int, opts ...IndexOption) *MetadataIndex {
	idx := &MetadataIndex{
		server:         server,
		shards:         make([]*indexShard, DefaultIndexShardN),
		containers:     immutable.NewMap[ContainerID, *Container](containerIDHasher{}),
		containerNames: immutable.NewMap[string, ContainerID](stringHasher{}),
		logger:         logger.NopLogger,
	}
	for _, opt := range opts {
		opt(idx)
	}
	for i := range idx.shards {
		idx.shards[i] = newIndexShard()
	}
	idx.epoch.Store(1)
	return idx
}

func newIndexShard() *indexShard {
	return &indexShard{
		byID:  immutable.NewMap[ObjectID, *Metadata](objectIDHasher{}),
		byKey: immutable.NewMap[string, ObjectID](stringHasher{}),
	}
}

// Server returns the server id the index was created for.
func (idx *MetadataIndex) Server() int { return idx.server }

// Epoch returns the epoch new mutations are stamped with.
func (idx *MetadataIndex) Epoch() uint64 { return idx.epoch.Load() }

func (idx *MetadataIndex) shardFor(name string) *indexShard {
	return idx.shards[xxhash.Sum64String(name)%uint64(len(idx.shards))]
}

func (idx *MetadataIndex) shardOf(id ObjectID) (*indexShard, bool) {
	v, ok := idx.locate.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*indexShard), true
}

// Create adds a new object record. (name, timestep) must be unused.
func (idx *MetadataIndex) Create(spec ObjectSpec) (ObjectID, error) {
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	key := nameKey(spec.Name, spec.Timestep)
	sh := idx.shardFor(spec.Name)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.byKey.Get(key); ok {
		return 0, errors.Newf(ErrConflict, "object '%s' at timestep %d already exists", spec.Name, spec.Timestep)
	}

	id := ObjectID(makeID(idx.server, idx.nextObject.Add(1)))
	dist := spec.Distribution
	dist.Block = append([]uint64(nil), dist.Block...)
	rec := &Metadata{
		ID:           id,
		Name:         spec.Name,
		Container:    spec.Container,
		Timestep:     spec.Timestep,
		DType:        spec.DType,
		Dims:         append([]uint64(nil), spec.Dims...),
		Lifetime:     spec.Lifetime,
		Distribution: dist,
		Tags:         dedupTags(spec.Tags),
		Epoch:        idx.epoch.Load(),
	}
	sh.byID = sh.byID.Set(id, rec)
	sh.byKey = sh.byKey.Set(key, id)
	idx.locate.Store(id, sh)
	idx.logger.Debugf("created object %s", rec)
	return id, nil
}

// Get returns the record of id.
func (idx *MetadataIndex) Get(id ObjectID) (*Metadata, error) {
	sh, ok := idx.shardOf(id)
	if !ok {
		return nil, NewErrObjectNotFound(id)
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.byID.Get(id)
	if !ok {
		return nil, NewErrObjectNotFound(id)
	}
	return rec, nil
}

// LookupByNameTimestep returns the record of the object (name, timestep).
func (idx *MetadataIndex) LookupByNameTimestep(name string, timestep int) (*Metadata, error) {
	sh := idx.shardFor(name)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	id, ok := sh.byKey.Get(nameKey(name, timestep))
	if !ok {
		return nil, NewErrObjectNameNotFound(name, timestep)
	}
	rec, ok := sh.byID.Get(id)
	if !ok {
		return nil, NewErrObjectNameNotFound(name, timestep)
	}
	return rec, nil
}

// PutTag sets a tag on an object, replacing any tag of the same name.
func (idx *MetadataIndex) PutTag(id ObjectID, tag KVTag) error {
	if tag.Name == "" {
		return NewErrInvalidArgument("tag name required")
	}
	sh, ok := idx.shardOf(id)
	if !ok {
		return NewErrObjectNotFound(id)
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.byID.Get(id)
	if !ok {
		return NewErrObjectNotFound(id)
	}
	tag.Value = append([]byte(nil), tag.Value...)
	next := rec.withTag(tag)
	next.Epoch = idx.epoch.Load()
	sh.byID = sh.byID.Set(id, next)
	return nil
}

// GetTag returns the tag named key of an object.
func (idx *MetadataIndex) GetTag(id ObjectID, key string) (KVTag, error) {
	rec, err := idx.Get(id)
	if err != nil {
		return KVTag{}, err
	}
	t, ok := rec.Tag(key)
	if !ok {
		return KVTag{}, errors.Newf(ErrNotFound, "object %d has no tag '%s'", id, key)
	}
	return t, nil
}

// Delete removes an object record.
func (idx *MetadataIndex) Delete(id ObjectID) error {
	sh, ok := idx.shardOf(id)
	if !ok {
		return NewErrObjectNotFound(id)
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.byID.Get(id)
	if !ok {
		return NewErrObjectNotFound(id)
	}
	sh.byID = sh.byID.Delete(id)
	sh.byKey = sh.byKey.Delete(nameKey(rec.Name, rec.Timestep))
	idx.locate.Delete(id)
	idx.logger.Debugf("deleted object %s", rec)
	return nil
}

// Len returns the number of object records.
func (idx *MetadataIndex) Len() int {
	n := 0
	for _, sh := range idx.shards {
		sh.mu.RLock()
		n += sh.byID.Len()
		sh.mu.RUnlock()
	}
	return n
}

// Select returns the records matching f, ordered by id.
func (idx *MetadataIndex) Select(f MetadataFilter) []*Metadata {
	var out []*Metadata
	for _, rec := range idx.snapshot().objects {
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Iterator returns an iterator over the records present when it was
// called. Later mutations are not observed.
func (idx *MetadataIndex) Iterator() *MetadataIterator {
	return &MetadataIterator{recs: idx.snapshot().objects}
}

// MetadataIterator walks a fixed list of records in id order.
type MetadataIterator struct {
	recs []*Metadata
	i    int
}

// Next returns the next record, or false when the iterator is exhausted.
func (itr *MetadataIterator) Next() (*Metadata, bool) {
	if itr.i >= len(itr.recs) {
		return nil, false
	}
	rec := itr.recs[itr.i]
	itr.i++
	return rec, true
}

// CreateContainer adds a container record. Names are unique per server.
func (idx *MetadataIndex) CreateContainer(name string, lifetime Lifetime) (ContainerID, error) {
	if name == "" {
		return 0, NewErrInvalidArgument("container name required")
	}
	idx.cmu.Lock()
	defer idx.cmu.Unlock()
	if _, ok := idx.containerNames.Get(name); ok {
		return 0, errors.Newf(ErrConflict, "container '%s' already exists", name)
	}
	id := ContainerID(makeID(idx.server, idx.nextContainer.Add(1)))
	idx.containers = idx.containers.Set(id, &Container{ID: id, Name: name, Lifetime: lifetime})
	idx.containerNames = idx.containerNames.Set(name, id)
	return id, nil
}

func (idx *MetadataIndex) GetContainer(id ContainerID) (*Container, error) {
	idx.cmu.RLock()
	defer idx.cmu.RUnlock()
	c, ok := idx.containers.Get(id)
	if !ok {
		return nil, NewErrContainerNotFound(id)
	}
	return c, nil
}

func (idx *MetadataIndex) LookupContainer(name string) (*Container, error) {
	idx.cmu.RLock()
	defer idx.cmu.RUnlock()
	id, ok := idx.containerNames.Get(name)
	if !ok {
		return nil, errors.Newf(ErrNotFound, "container '%s' not found", name)
	}
	c, _ := idx.containers.Get(id)
	return c, nil
}

// DeleteContainer removes a container record. Objects of the container
// are removed with DeleteByContainer, since they may be indexed on other
// servers.
func (idx *MetadataIndex) DeleteContainer(id ContainerID) error {
	idx.cmu.Lock()
	defer idx.cmu.Unlock()
	c, ok := idx.containers.Get(id)
	if !ok {
		return NewErrContainerNotFound(id)
	}
	idx.containers = idx.containers.Delete(id)
	idx.containerNames = idx.containerNames.Delete(c.Name)
	return nil
}

// DeleteByContainer removes every object of container id held by this
// index and returns their ids.
func (idx *MetadataIndex) DeleteByContainer(id ContainerID) []ObjectID {
	var deleted []ObjectID
	for _, sh := range idx.shards {
		sh.mu.Lock()
		itr := sh.byID.Iterator()
		for !itr.Done() {
			oid, rec, _ := itr.Next()
			if rec.Container != id {
				continue
			}
			sh.byID = sh.byID.Delete(oid)
			sh.byKey = sh.byKey.Delete(nameKey(rec.Name, rec.Timestep))
			idx.locate.Delete(oid)
			deleted = append(deleted, oid)
		}
		sh.mu.Unlock()
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i] < deleted[j] })
	return deleted
}

// indexSnapshot is a frozen copy of the whole index.
type indexSnapshot struct {
	server        int
	epoch         uint64
	nextObject    uint64
	nextContainer uint64
	objects       []*Metadata
	containers    []*Container
}

// snapshot read-locks every shard in order, copies the map roots, and
// releases the locks before walking them.
func (idx *MetadataIndex) snapshot() *indexSnapshot {
	s, _ := idx.freeze(false)
	return s
}

// freeze is snapshot, optionally also advancing the epoch while the locks
// are held, so every record stamped with the returned epoch or earlier is
// in the snapshot and every later mutation is stamped with a later one.
func (idx *MetadataIndex) freeze(advance bool) (*indexSnapshot, uint64) {
	byID := make([]*immutable.Map[ObjectID, *Metadata], len(idx.shards))
	for i, sh := range idx.shards {
		sh.mu.RLock()
		byID[i] = sh.byID
	}
	idx.cmu.RLock()
	containers := idx.containers

	s := &indexSnapshot{
		server:        idx.server,
		nextObject:    idx.nextObject.Load(),
		nextContainer: idx.nextContainer.Load(),
	}
	epoch := idx.epoch.Load()
	if advance {
		idx.epoch.Store(epoch + 1)
	}
	s.epoch = epoch

	idx.cmu.RUnlock()
	for _, sh := range idx.shards {
		sh.mu.RUnlock()
	}

	for _, m := range byID {
		itr := m.Iterator()
		for !itr.Done() {
			_, rec, _ := itr.Next()
			s.objects = append(s.objects, rec)
		}
	}
	sort.Slice(s.objects, func(i, j int) bool { return s.objects[i].ID < s.objects[j].ID })

	citr := containers.Iterator()
	for !citr.Done() {
		_, c, _ := citr.Next()
		s.containers = append(s.containers, c)
	}
	sort.Slice(s.containers, func(i, j int) bool { return s.containers[i].ID < s.containers[j].ID })
	return s, epoch
}

// Checkpoint returns a serialized point-in-time copy of the index.
// Transient objects are not included. Mutations proceed while the blob is
// encoded.
func (idx *MetadataIndex) Checkpoint() ([]byte, error) {
	s, _ := idx.freeze(true)
	return encodeCheckpoint(s), nil
}

// Restore replaces the contents of the index with a checkpoint. The
// index is left unchanged if the blob is invalid.
func (idx *MetadataIndex) Restore(blob []byte) error {
	s, err := decodeCheckpoint(blob)
	if err != nil {
		return err
	}
	if s.server != idx.server {
		return NewErrInvalidArgument("checkpoint belongs to server %d, not %d", s.server, idx.server)
	}

	shards := make([]*indexShard, len(idx.shards))
	for i := range shards {
		shards[i] = newIndexShard()
	}
	next := &MetadataIndex{shards: shards}
	for _, rec := range s.objects {
		sh := next.shardFor(rec.Name)
		key := nameKey(rec.Name, rec.Timestep)
		if _, ok := sh.byKey.Get(key); ok {
			return errors.Newf(ErrCorrupt, "checkpoint: duplicate object '%s' at timestep %d", rec.Name, rec.Timestep)
		}
		sh.byID = sh.byID.Set(rec.ID, rec)
		sh.byKey = sh.byKey.Set(key, rec.ID)
	}
	containers := immutable.NewMap[ContainerID, *Container](containerIDHasher{})
	names := immutable.NewMap[string, ContainerID](stringHasher{})
	for _, c := range s.containers {
		containers = containers.Set(c.ID, c)
		names = names.Set(c.Name, c.ID)
	}

	for _, sh := range idx.shards {
		sh.mu.Lock()
	}
	idx.cmu.Lock()

	idx.locate.Range(func(k, _ interface{}) bool {
		idx.locate.Delete(k)
		return true
	})
	for i, sh := range idx.shards {
		sh.byID, sh.byKey = shards[i].byID, shards[i].byKey
		itr := sh.byID.Iterator()
		for !itr.Done() {
			id, _, _ := itr.Next()
			idx.locate.Store(id, sh)
		}
	}
	idx.containers, idx.containerNames = containers, names
	idx.nextObject.Store(s.nextObject)
	idx.nextContainer.Store(s.nextContainer)
	idx.epoch.Store(s.epoch + 1)

	idx.cmu.Unlock()
	for _, sh := range idx.shards {
		sh.mu.Unlock()
	}
	idx.logger.Infof("restored %d objects and %d containers from checkpoint epoch %d", len(s.objects), len(s.containers), s.epoch)
	return nil
}

type objectIDHasher struct{}

func (objectIDHasher) Hash(id ObjectID) uint32  { return uint32(id) ^ uint32(id>>32) }
func (objectIDHasher) Equal(a, b ObjectID) bool { return a == b }

type containerIDHasher struct{}

func (containerIDHasher) Hash(id ContainerID) uint32  { return uint32(id) ^ uint32(id>>32) }
func (containerIDHasher) Equal(a, b ContainerID) bool { return a == b }

type stringHasher struct{}

func (stringHasher) Hash(s string) uint32   { return uint32(xxhash.Sum64String(s)) }
func (stringHasher) Equal(a, b string) bool { return a == b }
