package pdc

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Bulk messages travel in the protobuf wire format. Field numbers:
//
//	Region          1 offset (packed)  2 size (packed)
//	Fragment        1 index  2 server  3 region
//	Distribution    1 kind  2 servers  3 block (packed)
//	BatchItem       1 object  2 container  3 dtype  4 fragment  5 region  6 data
//	BatchRequest    1 items
//	BatchResult     1 data  2 err
//	BatchResponse   1 results
//	Metadata        1 id  2 name  3 container  4 timestep (zigzag)  5 dtype
//	                6 dims (packed)  7 lifetime  8 distribution  9 epoch
//	QueryLeafRequest  1 object  2 op  3 value (double)  4 exact  5 bits (fixed64)
//	QueryLeafResponse 1 runs (packed start,len pairs)  2 fragments
//
// Tags are not carried in Metadata.

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendPackedField(b []byte, num protowire.Number, vs []uint64) []byte {
	if len(vs) == 0 {
		return b
	}
	var p []byte
	for _, v := range vs {
		p = protowire.AppendVarint(p, v)
	}
	return appendBytesField(b, num, p)
}

// appendMessageField appends the message built by enc as field num.
// Nil messages are skipped.
func appendMessageField(b []byte, num protowire.Number, present bool, enc func([]byte) []byte) []byte {
	if !present {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, enc(nil))
}

// consumeFields calls fn with every field of the message b. fn returns
// the length of the field value it consumed, or 0 to skip it.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func wantType(typ, want protowire.Type) error {
	if typ != want {
		return fmt.Errorf("wire type %d, want %d", typ, want)
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if err := wantType(typ, protowire.VarintType); err != nil {
		return 0, 0, err
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if err := wantType(typ, protowire.BytesType); err != nil {
		return nil, 0, err
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumePacked(typ protowire.Type, b []byte) ([]uint64, int, error) {
	p, n, err := consumeBytes(typ, b)
	if err != nil {
		return nil, 0, err
	}
	var out []uint64
	for len(p) > 0 {
		v, m := protowire.ConsumeVarint(p)
		if m < 0 {
			return nil, 0, protowire.ParseError(m)
		}
		out = append(out, v)
		p = p[m:]
	}
	return out, n, nil
}

// consumeMessage decodes an embedded message with dec.
func consumeMessage(typ protowire.Type, b []byte, dec func([]byte) error) (int, error) {
	p, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	return n, dec(p)
}

func appendRegion(b []byte, r *Region) []byte {
	b = appendPackedField(b, 1, r.Offset)
	return appendPackedField(b, 2, r.Size)
}

func decodeRegion(b []byte) (*Region, error) {
	r := &Region{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			r.Offset, n, err = consumePacked(typ, b)
		case 2:
			r.Size, n, err = consumePacked(typ, b)
		}
		return n, err
	})
	return r, err
}

func appendFragment(b []byte, f *Fragment) []byte {
	b = appendVarintField(b, 1, uint64(f.Index))
	b = appendVarintField(b, 2, uint64(f.Server))
	return appendMessageField(b, 3, f.Region != nil, func(b []byte) []byte { return appendRegion(b, f.Region) })
}

func decodeFragment(b []byte, f *Fragment) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		var v uint64
		switch num {
		case 1:
			v, n, err = consumeVarint(typ, b)
			f.Index = int(v)
		case 2:
			v, n, err = consumeVarint(typ, b)
			f.Server = int(v)
		case 3:
			n, err = consumeMessage(typ, b, func(p []byte) (err error) {
				f.Region, err = decodeRegion(p)
				return err
			})
		}
		return n, err
	})
}

func appendDistribution(b []byte, d *Distribution) []byte {
	b = appendVarintField(b, 1, uint64(d.Kind))
	b = appendVarintField(b, 2, uint64(d.Servers))
	return appendPackedField(b, 3, d.Block)
}

func decodeDistribution(b []byte, d *Distribution) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		var v uint64
		switch num {
		case 1:
			v, n, err = consumeVarint(typ, b)
			d.Kind = DistributionKind(v)
		case 2:
			v, n, err = consumeVarint(typ, b)
			d.Servers = int(v)
		case 3:
			d.Block, n, err = consumePacked(typ, b)
		}
		return n, err
	})
}

func appendMetadataMessage(b []byte, m *Metadata) []byte {
	b = appendVarintField(b, 1, uint64(m.ID))
	b = appendBytesField(b, 2, []byte(m.Name))
	b = appendVarintField(b, 3, uint64(m.Container))
	b = appendVarintField(b, 4, protowire.EncodeZigZag(int64(m.Timestep)))
	b = appendVarintField(b, 5, uint64(m.DType))
	b = appendPackedField(b, 6, m.Dims)
	b = appendVarintField(b, 7, uint64(m.Lifetime))
	b = appendMessageField(b, 8, true, func(b []byte) []byte { return appendDistribution(b, &m.Distribution) })
	return appendVarintField(b, 9, m.Epoch)
}

func decodeMetadataMessage(b []byte) (*Metadata, error) {
	m := &Metadata{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		var v uint64
		var p []byte
		switch num {
		case 1:
			v, n, err = consumeVarint(typ, b)
			m.ID = ObjectID(v)
		case 2:
			p, n, err = consumeBytes(typ, b)
			m.Name = string(p)
		case 3:
			v, n, err = consumeVarint(typ, b)
			m.Container = ContainerID(v)
		case 4:
			v, n, err = consumeVarint(typ, b)
			m.Timestep = int(protowire.DecodeZigZag(v))
		case 5:
			v, n, err = consumeVarint(typ, b)
			m.DType = DataType(v)
		case 6:
			m.Dims, n, err = consumePacked(typ, b)
		case 7:
			v, n, err = consumeVarint(typ, b)
			m.Lifetime = Lifetime(v)
		case 8:
			n, err = consumeMessage(typ, b, func(p []byte) error { return decodeDistribution(p, &m.Distribution) })
		case 9:
			m.Epoch, n, err = consumeVarint(typ, b)
		}
		return n, err
	})
	return m, err
}

func appendBatchItem(b []byte, it *BatchItem) []byte {
	b = appendVarintField(b, 1, uint64(it.Object))
	b = appendVarintField(b, 2, uint64(it.Container))
	b = appendVarintField(b, 3, uint64(it.DType))
	b = appendMessageField(b, 4, true, func(b []byte) []byte { return appendFragment(b, &it.Fragment) })
	b = appendMessageField(b, 5, it.Region != nil, func(b []byte) []byte { return appendRegion(b, it.Region) })
	return appendBytesField(b, 6, it.Data)
}

func decodeBatchItem(b []byte, it *BatchItem) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		var v uint64
		switch num {
		case 1:
			v, n, err = consumeVarint(typ, b)
			it.Object = ObjectID(v)
		case 2:
			v, n, err = consumeVarint(typ, b)
			it.Container = ContainerID(v)
		case 3:
			v, n, err = consumeVarint(typ, b)
			it.DType = DataType(v)
		case 4:
			n, err = consumeMessage(typ, b, func(p []byte) error { return decodeFragment(p, &it.Fragment) })
		case 5:
			n, err = consumeMessage(typ, b, func(p []byte) (err error) {
				it.Region, err = decodeRegion(p)
				return err
			})
		case 6:
			it.Data, n, err = consumeBytes(typ, b)
		}
		return n, err
	})
}

// MarshalBinary encodes r in the protobuf wire format.
func (r *BatchRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	for i := range r.Items {
		it := &r.Items[i]
		b = appendMessageField(b, 1, true, func(b []byte) []byte { return appendBatchItem(b, it) })
	}
	return b, nil
}

func (r *BatchRequest) UnmarshalBinary(b []byte) error {
	r.Items = nil
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		var it BatchItem
		n, err := consumeMessage(typ, b, func(p []byte) error { return decodeBatchItem(p, &it) })
		r.Items = append(r.Items, it)
		return n, err
	})
}

// MarshalBinary encodes r in the protobuf wire format.
func (r *BatchResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	for i := range r.Results {
		res := &r.Results[i]
		b = appendMessageField(b, 1, true, func(b []byte) []byte {
			b = appendBytesField(b, 1, res.Data)
			return appendBytesField(b, 2, []byte(res.Err))
		})
	}
	return b, nil
}

func (r *BatchResponse) UnmarshalBinary(b []byte) error {
	r.Results = nil
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		var res BatchResult
		n, err := consumeMessage(typ, b, func(p []byte) error {
			return consumeFields(p, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
				var s []byte
				switch num {
				case 1:
					res.Data, n, err = consumeBytes(typ, b)
				case 2:
					s, n, err = consumeBytes(typ, b)
					res.Err = string(s)
				}
				return n, err
			})
		})
		r.Results = append(r.Results, res)
		return n, err
	})
}

// MarshalBinary encodes r in the protobuf wire format. Unlike JSON it
// carries infinite values.
func (r *QueryLeafRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendMessageField(b, 1, r.Object != nil, func(b []byte) []byte { return appendMetadataMessage(b, r.Object) })
	b = appendVarintField(b, 2, uint64(r.Op))
	if bits := math.Float64bits(r.Value); bits != 0 {
		b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, bits)
	}
	if r.Exact {
		b = appendVarintField(b, 4, 1)
	}
	if r.Bits != 0 {
		b = protowire.AppendTag(b, 5, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, r.Bits)
	}
	return b, nil
}

func (r *QueryLeafRequest) UnmarshalBinary(b []byte) error {
	*r = QueryLeafRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			n, err = consumeMessage(typ, b, func(p []byte) (err error) {
				r.Object, err = decodeMetadataMessage(p)
				return err
			})
		case 2:
			var v uint64
			v, n, err = consumeVarint(typ, b)
			r.Op = CompareOp(v)
		case 3:
			if err := wantType(typ, protowire.Fixed64Type); err != nil {
				return 0, err
			}
			bits, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return 0, protowire.ParseError(m)
			}
			r.Value, n = math.Float64frombits(bits), m
		case 4:
			var v uint64
			v, n, err = consumeVarint(typ, b)
			r.Exact = v != 0
		case 5:
			if err := wantType(typ, protowire.Fixed64Type); err != nil {
				return 0, err
			}
			bits, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return 0, protowire.ParseError(m)
			}
			r.Bits, n = bits, m
		}
		return n, err
	})
}

// MarshalBinary encodes r in the protobuf wire format.
func (r *QueryLeafResponse) MarshalBinary() ([]byte, error) {
	pairs := make([]uint64, 0, 2*len(r.Runs))
	for _, run := range r.Runs {
		pairs = append(pairs, run.Start, run.Len)
	}
	b := appendPackedField(nil, 1, pairs)
	return appendVarintField(b, 2, uint64(r.Fragments)), nil
}

func (r *QueryLeafResponse) UnmarshalBinary(b []byte) error {
	*r = QueryLeafResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			var pairs []uint64
			pairs, n, err = consumePacked(typ, b)
			if err == nil && len(pairs)%2 != 0 {
				err = fmt.Errorf("odd run list of %d values", len(pairs))
			}
			for i := 0; err == nil && i < len(pairs); i += 2 {
				r.Runs = append(r.Runs, Run{Start: pairs[i], Len: pairs[i+1]})
			}
		case 2:
			var v uint64
			v, n, err = consumeVarint(typ, b)
			r.Fragments = int(v)
		}
		return n, err
	})
}
