package pdc

import (
	"bytes"
	"encoding"
	"encoding/json"

	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/transport"
)

// Server operations.
const (
	OpCreateContainer transport.Op = "CreateContainer"
	OpGetContainer    transport.Op = "GetContainer"
	OpLookupContainer transport.Op = "LookupContainer"
	OpDeleteContainer transport.Op = "DeleteContainer"
	OpCreateObject    transport.Op = "CreateObject"
	OpGetObject       transport.Op = "GetObject"
	OpLookupObject    transport.Op = "LookupObject"
	OpDeleteObject    transport.Op = "DeleteObject"
	OpPutTag          transport.Op = "PutTag"
	OpGetTag          transport.Op = "GetTag"
	OpSelectObjects   transport.Op = "SelectObjects"
	OpObtainLock      transport.Op = "ObtainLock"
	OpReleaseLock     transport.Op = "ReleaseLock"
	OpWriteBatch      transport.Op = "WriteBatch"
	OpReadBatch       transport.Op = "ReadBatch"
	OpQueryLeaf       transport.Op = "QueryLeaf"
	OpCheckpoint      transport.Op = "Checkpoint"
	OpStatus          transport.Op = "Status"
)

// Ops lists every server operation.
var Ops = []transport.Op{
	OpCreateContainer, OpGetContainer, OpLookupContainer, OpDeleteContainer,
	OpCreateObject, OpGetObject, OpLookupObject, OpDeleteObject,
	OpPutTag, OpGetTag, OpSelectObjects,
	OpObtainLock, OpReleaseLock,
	OpWriteBatch, OpReadBatch, OpQueryLeaf,
	OpCheckpoint, OpStatus,
}

type CreateContainerRequest struct {
	Name     string   `json:"name"`
	Lifetime Lifetime `json:"lifetime"`
}

type GetContainerRequest struct {
	ID ContainerID `json:"id"`
}

type LookupContainerRequest struct {
	Name string `json:"name"`
}

type ContainerResponse struct {
	Container *Container `json:"container"`
}

// DeleteContainerRequest is sent to every server. The owner drops the
// container record; every server drops the objects and fragments of the
// container it holds.
type DeleteContainerRequest struct {
	ID ContainerID `json:"id"`
}

type DeleteContainerResponse struct {
	Objects []ObjectID `json:"objects,omitempty"`
}

type CreateObjectRequest struct {
	Spec ObjectSpec `json:"spec"`
}

type GetObjectRequest struct {
	ID ObjectID `json:"id"`
}

type LookupObjectRequest struct {
	Name     string `json:"name"`
	Timestep int    `json:"timestep"`
}

type ObjectResponse struct {
	Object *Metadata `json:"object"`
}

// DeleteObjectRequest is sent to the owner of the record, which replies
// with the deleted record in an ObjectResponse, and then to every other
// server with Container set so they can drop their fragments.
type DeleteObjectRequest struct {
	ID        ObjectID    `json:"id"`
	Container ContainerID `json:"container,omitempty"`
}

type PutTagRequest struct {
	ID  ObjectID `json:"id"`
	Tag KVTag    `json:"tag"`
}

type GetTagRequest struct {
	ID   ObjectID `json:"id"`
	Name string   `json:"name"`
}

type TagResponse struct {
	Tag KVTag `json:"tag"`
}

type SelectObjectsRequest struct {
	Filter MetadataFilter `json:"filter"`
}

type SelectObjectsResponse struct {
	Objects []*Metadata `json:"objects"`
}

type ObtainLockRequest struct {
	Lock     LockRequest `json:"lock"`
	Blocking bool        `json:"blocking"`
	// WaitMillis bounds a blocking wait on the server. Zero means the
	// server's default.
	WaitMillis int64 `json:"waitMillis,omitempty"`
}

type ReleaseLockRequest struct {
	Lock LockRequest `json:"lock"`
}

// BatchItem is one transfer sub-request. Region is in object
// coordinates and lies inside Fragment.Region. For writes Data holds the
// elements of Region in row-major order.
type BatchItem struct {
	Object    ObjectID    `json:"object"`
	Container ContainerID `json:"container"`
	DType     DataType    `json:"dtype"`
	Fragment  Fragment    `json:"fragment"`
	Region    *Region     `json:"region"`
	Data      []byte      `json:"data,omitempty"`
}

type BatchRequest struct {
	Items []BatchItem `json:"items"`
}

// BatchResult is the outcome of one BatchItem. Err holds a coded error
// encoded with errors.MarshalJSON.
type BatchResult struct {
	Data []byte `json:"data,omitempty"`
	Err  string `json:"err,omitempty"`
}

func (r *BatchResult) Error() error {
	if r.Err == "" {
		return nil
	}
	return errors.UnmarshalJSON(bytes.NewBufferString(r.Err))
}

type BatchResponse struct {
	Results []BatchResult `json:"results"`
}

// QueryLeafRequest carries the object's record so the server can list
// the fragments it owns, including ones never written.
type QueryLeafRequest struct {
	Object *Metadata `json:"object"`
	Op     CompareOp `json:"op"`
	Value  float64   `json:"value"`
	// Exact leaves compare Int64 or Uint64 elements with the literal
	// held in Bits instead of Value.
	Exact bool   `json:"exact,omitempty"`
	Bits  uint64 `json:"bits,omitempty"`
}

// Matcher returns the exact comparison of an Int64 or Uint64 element,
// given its raw little-endian bits, against the literal of r.
func (r *QueryLeafRequest) Matcher(dtype DataType) func(v uint64) bool {
	op, x := r.Op, r.Bits
	if dtype == Int64 {
		return func(v uint64) bool { return op.MatchInt64(int64(v), int64(x)) }
	}
	return func(v uint64) bool { return op.MatchUint64(v, x) }
}

type QueryLeafResponse struct {
	Runs []Run `json:"runs"`
	// Fragments is the number of fragments evaluated.
	Fragments int `json:"fragments"`
}

type CheckpointResponse struct {
	Epoch   uint64 `json:"epoch"`
	Objects int    `json:"objects"`
	Bytes   int    `json:"bytes"`
}

type StatusResponse struct {
	Server     int    `json:"server"`
	Servers    int    `json:"servers"`
	Objects    int    `json:"objects"`
	Fragments  int    `json:"fragments"`
	Epoch      uint64 `json:"epoch"`
	Checkpoint uint64 `json:"checkpoint"`
}

// Content types of operation payloads.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// ContentType returns the encoding of the payloads of op. Region data
// and query leaves travel as protobuf, control messages as JSON.
func ContentType(op transport.Op) string {
	switch op {
	case OpWriteBatch, OpReadBatch, OpQueryLeaf:
		return ContentTypeProtobuf
	}
	return ContentTypeJSON
}

// Retryable reports whether op may be sent again when the first attempt
// might have reached the server. Repeating the others turns a success
// into AlreadyHeld, NotHeld, Conflict or NotFound.
func Retryable(op transport.Op) bool {
	switch op {
	case OpObtainLock, OpReleaseLock, OpCreateObject, OpCreateContainer, OpDeleteObject, OpDeleteContainer:
		return false
	}
	return true
}

// EncodeMessage marshals a request or response. Messages with a binary
// form use it; the rest are JSON.
func EncodeMessage(v interface{}) ([]byte, error) {
	if m, ok := v.(encoding.BinaryMarshaler); ok {
		b, err := m.MarshalBinary()
		return b, errors.Wrapf(err, "encoding %T", v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding message")
	}
	return b, nil
}

// DecodeMessage unmarshals a request or response.
func DecodeMessage(b []byte, v interface{}) error {
	if m, ok := v.(encoding.BinaryUnmarshaler); ok {
		if err := m.UnmarshalBinary(b); err != nil {
			return errors.Newf(ErrInvalidArgument, "decoding %T: %v", v, err)
		}
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Newf(ErrInvalidArgument, "decoding %T: %v", v, err)
	}
	return nil
}
