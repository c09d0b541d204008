package pdc

import (
	"bytes"

	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/zeebo/blake3"
)

// Checkpoint blob layout, all integers little-endian:
//
//	magic u32 | version u16 | server u16 | epoch u64
//	next_object u64 | next_container u64
//	ncontainers u32 | container...
//	nobjects u32 | object...
//	blake3(everything above) [32]byte
const (
	checkpointMagic   = 0x4d434450 // "PDCM"
	checkpointVersion = 1
	checksumSize      = 32
)

func encodeCheckpoint(s *indexSnapshot) []byte {
	b := AppendUint32LE(nil, checkpointMagic)
	b = AppendUint16LE(b, checkpointVersion)
	b = AppendUint16LE(b, uint16(s.server))
	b = AppendUint64LE(b, s.epoch)
	b = AppendUint64LE(b, s.nextObject)
	b = AppendUint64LE(b, s.nextContainer)

	var containers []*Container
	for _, c := range s.containers {
		if c.Lifetime == Persistent {
			containers = append(containers, c)
		}
	}
	b = AppendUint32LE(b, uint32(len(containers)))
	for _, c := range containers {
		b = AppendUint64LE(b, uint64(c.ID))
		b = appendString(b, c.Name)
		b = append(b, byte(c.Lifetime))
	}

	var objects []*Metadata
	for _, m := range s.objects {
		if m.Lifetime == Persistent {
			objects = append(objects, m)
		}
	}
	b = AppendUint32LE(b, uint32(len(objects)))
	for _, m := range objects {
		b = appendMetadata(b, m)
	}

	sum := blake3.Sum256(b)
	return append(b, sum[:]...)
}

func appendString(b []byte, s string) []byte {
	b = AppendUint32LE(b, uint32(len(s)))
	return append(b, s...)
}

func appendMetadata(b []byte, m *Metadata) []byte {
	b = AppendUint64LE(b, uint64(m.ID))
	b = appendString(b, m.Name)
	b = AppendUint64LE(b, uint64(m.Container))
	b = AppendUint64LE(b, uint64(int64(m.Timestep)))
	b = append(b, byte(m.DType), byte(m.Lifetime), byte(len(m.Dims)))
	for _, d := range m.Dims {
		b = AppendUint64LE(b, d)
	}
	b = append(b, byte(m.Distribution.Kind))
	b = AppendUint32LE(b, uint32(m.Distribution.Servers))
	b = append(b, byte(len(m.Distribution.Block)))
	for _, d := range m.Distribution.Block {
		b = AppendUint64LE(b, d)
	}
	b = AppendUint64LE(b, m.Epoch)
	b = AppendUint32LE(b, uint32(len(m.Tags)))
	for _, t := range m.Tags {
		b = AppendKVTag(b, t)
	}
	return b
}

// reader decodes a checkpoint body and records the first failure.
type reader struct {
	b   []byte
	pos int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b)-r.pos < n {
		r.err = errors.Newf(ErrCorrupt, "checkpoint: truncated at offset %d", r.pos)
		return nil
	}
	p := r.b[r.pos : r.pos+n]
	r.pos += n
	return p
}

func (r *reader) u8() uint8 {
	if p := r.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if p := r.take(2); p != nil {
		return Uint16LE(p)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if p := r.take(4); p != nil {
		return Uint32LE(p)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if p := r.take(8); p != nil {
		return Uint64LE(p)
	}
	return 0
}

func (r *reader) str() string {
	return string(r.take(int(r.u32())))
}

func (r *reader) kvtag() KVTag {
	if r.err != nil {
		return KVTag{}
	}
	t, n, err := DecodeKVTag(r.b[r.pos:])
	if err != nil {
		r.err = errors.Wrap(err, "checkpoint")
		return KVTag{}
	}
	r.pos += n
	return t
}

func decodeCheckpoint(blob []byte) (*indexSnapshot, error) {
	if len(blob) < checksumSize+8 {
		return nil, errors.New(ErrCorrupt, "checkpoint: blob too short")
	}
	body, trailer := blob[:len(blob)-checksumSize], blob[len(blob)-checksumSize:]
	sum := blake3.Sum256(body)
	if !bytes.Equal(sum[:], trailer) {
		return nil, errors.New(ErrCorrupt, "checkpoint: checksum mismatch")
	}

	r := &reader{b: body}
	if magic := r.u32(); magic != checkpointMagic {
		return nil, errors.Newf(ErrCorrupt, "checkpoint: bad magic %#x", magic)
	}
	if v := r.u16(); v != checkpointVersion {
		return nil, errors.Newf(ErrCorrupt, "checkpoint: unsupported version %d", v)
	}
	s := &indexSnapshot{
		server:        int(r.u16()),
		epoch:         r.u64(),
		nextObject:    r.u64(),
		nextContainer: r.u64(),
	}

	nc := r.u32()
	for i := uint32(0); i < nc && r.err == nil; i++ {
		c := &Container{ID: ContainerID(r.u64()), Name: r.str(), Lifetime: Lifetime(r.u8())}
		s.containers = append(s.containers, c)
	}

	no := r.u32()
	for i := uint32(0); i < no && r.err == nil; i++ {
		m := &Metadata{
			ID:        ObjectID(r.u64()),
			Name:      r.str(),
			Container: ContainerID(r.u64()),
			Timestep:  int(int64(r.u64())),
			DType:     DataType(r.u8()),
			Lifetime:  Lifetime(r.u8()),
		}
		m.Dims = make([]uint64, r.u8())
		for j := range m.Dims {
			m.Dims[j] = r.u64()
		}
		m.Distribution.Kind = DistributionKind(r.u8())
		m.Distribution.Servers = int(r.u32())
		if nb := r.u8(); nb > 0 {
			m.Distribution.Block = make([]uint64, nb)
			for j := range m.Distribution.Block {
				m.Distribution.Block[j] = r.u64()
			}
		}
		m.Epoch = r.u64()
		nt := r.u32()
		for j := uint32(0); j < nt && r.err == nil; j++ {
			m.Tags = append(m.Tags, r.kvtag())
		}
		if r.err != nil {
			break
		}
		spec := ObjectSpec{Name: m.Name, DType: m.DType, Dims: m.Dims, Distribution: m.Distribution}
		if err := spec.Validate(); err != nil {
			return nil, errors.Newf(ErrCorrupt, "checkpoint: object %d: %v", m.ID, err)
		}
		s.objects = append(s.objects, m)
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(body) {
		return nil, errors.Newf(ErrCorrupt, "checkpoint: %d trailing bytes", len(body)-r.pos)
	}
	return s, nil
}

// CheckpointEpoch returns the epoch recorded in the header of a
// checkpoint blob without verifying the rest of it.
func CheckpointEpoch(blob []byte) (uint64, error) {
	if len(blob) < 16 || Uint32LE(blob) != checkpointMagic {
		return 0, errors.New(ErrCorrupt, "checkpoint: bad header")
	}
	return Uint64LE(blob[8:]), nil
}
