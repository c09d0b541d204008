package ctl

import (
	"encoding/binary"
	"io"

	pdc "github.com/hpc-io/pdc-sub007"
	"github.com/hpc-io/pdc-sub007/errors"
)

// Bounds on what ReadRegionFile accepts from a header.
const (
	maxRegionFileName = 1 << 16
	maxRegionFileData = 1 << 32
)


// RegionFile is a region of an object together with its data, as moved
// by the region push and pull commands.
//
// On disk every integer is little-endian:
//
//	name_len:i32 | name | dtype:i32 | ndim:i32 |
//	dims:u64[ndim] | offset:u64[ndim] | count:u64[ndim] |
//	total_size:u64 | data[total_size]
type RegionFile struct {
	Name   string
	DType  pdc.DataType
	Dims   []uint64
	Offset []uint64
	Count  []uint64
	Data   []byte
}

// Region returns the region the file covers.
func (f *RegionFile) Region() (*pdc.Region, error) {
	return pdc.NewRegion(len(f.Count), f.Offset, f.Count)
}

// Validate checks the header against the data.
func (f *RegionFile) Validate() error {
	n := len(f.Dims)
	switch {
	case f.Name == "":
		return errors.New(pdc.ErrInvalidArgument, "region file without object name")
	case !f.DType.Valid():
		return errors.Newf(pdc.ErrInvalidArgument, "invalid data type %d", f.DType)
	case n == 0 || n > pdc.MaxDim:
		return errors.Newf(pdc.ErrInvalidArgument, "region file of %d dimensions", n)
	case len(f.Offset) != n || len(f.Count) != n:
		return errors.New(pdc.ErrInvalidArgument, "region file dimension lists differ in length")
	}
	r, err := f.Region()
	if err != nil {
		return err
	}
	if !r.InBounds(f.Dims) {
		return errors.Newf(pdc.ErrInvalidArgument, "region %s outside dims %v", r, f.Dims)
	}
	if want, ok := pdc.ByteCount(r.Size, f.DType); !ok || uint64(len(f.Data)) != want {
		return errors.Newf(pdc.ErrInvalidArgument, "region file holds %d bytes, region %s needs %d", len(f.Data), r, want)
	}
	return nil
}

// WriteTo encodes f to w.
func (f *RegionFile) WriteTo(w io.Writer) (int64, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	b := make([]byte, 0, 12+len(f.Name)+24*len(f.Dims)+8)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(f.Name)))
	b = append(b, f.Name...)
	b = binary.LittleEndian.AppendUint32(b, uint32(f.DType))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(f.Dims)))
	for _, list := range [][]uint64{f.Dims, f.Offset, f.Count} {
		for _, v := range list {
			b = binary.LittleEndian.AppendUint64(b, v)
		}
	}
	b = binary.LittleEndian.AppendUint64(b, uint64(len(f.Data)))

	n, err := w.Write(b)
	if err != nil {
		return int64(n), errors.Wrap(err, "writing region header")
	}
	m, err := w.Write(f.Data)
	return int64(n + m), errors.Wrap(err, "writing region data")
}

// ReadRegionFile decodes a region file from r.
func ReadRegionFile(r io.Reader) (*RegionFile, error) {
	var nameLen int32
	if err := read(r, &nameLen, "name length"); err != nil {
		return nil, err
	}
	if nameLen <= 0 || nameLen > maxRegionFileName {
		return nil, errors.Newf(pdc.ErrCorrupt, "region file name length %d", nameLen)
	}
	name := make([]byte, nameLen)
	if err := read(r, name, "name"); err != nil {
		return nil, err
	}

	var dtype, ndim int32
	if err := read(r, &dtype, "data type"); err != nil {
		return nil, err
	}
	if err := read(r, &ndim, "dimension count"); err != nil {
		return nil, err
	}
	if ndim <= 0 || ndim > pdc.MaxDim {
		return nil, errors.Newf(pdc.ErrCorrupt, "region file of %d dimensions", ndim)
	}

	f := &RegionFile{
		Name:   string(name),
		DType:  pdc.DataType(dtype),
		Dims:   make([]uint64, ndim),
		Offset: make([]uint64, ndim),
		Count:  make([]uint64, ndim),
	}
	for _, list := range [][]uint64{f.Dims, f.Offset, f.Count} {
		if err := read(r, list, "dimensions"); err != nil {
			return nil, err
		}
	}

	var size uint64
	if err := read(r, &size, "data size"); err != nil {
		return nil, err
	}
	if !f.DType.Valid() {
		return nil, errors.Newf(pdc.ErrCorrupt, "region file data type %d", dtype)
	}
	reg, err := f.Region()
	if err != nil {
		return nil, errors.Newf(pdc.ErrCorrupt, "region file region: %v", err)
	}
	if want, ok := pdc.ByteCount(reg.Size, f.DType); !ok || size != want {
		return nil, errors.Newf(pdc.ErrCorrupt, "region file declares %d bytes, region %s needs more", size, reg)
	}
	if size > maxRegionFileData {
		return nil, errors.Newf(pdc.ErrCorrupt, "region file data of %d bytes exceeds %d", size, uint64(maxRegionFileData))
	}
	f.Data = make([]byte, size)
	if err := read(r, f.Data, "data"); err != nil {
		return nil, err
	}
	return f, nil
}

func read(r io.Reader, v interface{}, what string) error {
	if err := binary.Read(r, binary.LittleEndian, v); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errors.Newf(pdc.ErrCorrupt, "region file truncated in %s", what)
		}
		return errors.Wrapf(err, "reading region file %s", what)
	}
	return nil
}
