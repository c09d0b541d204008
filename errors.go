package pdc

import (
	"fmt"
	"strings"

	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/transport"
)

const (
	ErrInvalidArgument     errors.Code = "InvalidArgument"
	ErrNotFound            errors.Code = "NotFound"
	ErrConflict            errors.Code = "Conflict"
	ErrWouldBlock          errors.Code = "WouldBlock"
	ErrShapeMismatch       errors.Code = "ShapeMismatch"
	ErrTransferNotComplete errors.Code = "TransferNotComplete"
	ErrAlreadyClosed       errors.Code = "AlreadyClosed"
	ErrAlreadyHeld         errors.Code = "AlreadyHeld"
	ErrNotHeld             errors.Code = "NotHeld"
	ErrCorrupt             errors.Code = "Corrupt"
	ErrInvalidState        errors.Code = "InvalidState"
	ErrPartialTransfer     errors.Code = "PartialTransfer"

	ErrServerUnreachable = transport.ErrServerUnreachable
	ErrTimeout           = transport.ErrTimeout
)

func NewErrInvalidArgument(format string, args ...interface{}) error {
	return errors.Newf(ErrInvalidArgument, format, args...)
}

func NewErrObjectNotFound(id ObjectID) error {
	return errors.Newf(ErrNotFound, "object %d not found", id)
}

func NewErrObjectNameNotFound(name string, timestep int) error {
	return errors.Newf(ErrNotFound, "object '%s' at timestep %d not found", name, timestep)
}

func NewErrContainerNotFound(id ContainerID) error {
	return errors.Newf(ErrNotFound, "container %d not found", id)
}

func NewErrShapeMismatch(local, remote *Region) error {
	return errors.Newf(ErrShapeMismatch, "local region size %v does not match remote region size %v", local.Size, remote.Size)
}

func NewErrInvalidState(id TransferID, op string, state TransferState) error {
	return errors.Newf(ErrInvalidState, "transfer %d: cannot %s in state %s", id, op, state)
}

// TransferError reports a transfer in which some sub-requests failed. The
// sub-requests not listed in Failed completed successfully.
type TransferError struct {
	ID     TransferID
	Failed []int
	// Cause is the error of the first failed sub-request.
	Cause error
}

func (e *TransferError) Error() string {
	idx := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		idx[i] = fmt.Sprint(f)
	}
	return fmt.Sprintf("transfer %d: %d sub-request(s) failed [%s]: %v", e.ID, len(e.Failed), strings.Join(idx, ","), e.Cause)
}

// Unwrap exposes both the PartialTransfer code and the underlying cause,
// so errors.Is matches either.
func (e *TransferError) Unwrap() []error {
	return []error{errors.New(ErrPartialTransfer, "partial transfer"), e.Cause}
}
