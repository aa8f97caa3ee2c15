package traitdb

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	// ErrAborted is returned by DB.Update and Tx.Commit after Tx.Abort.
	ErrAborted = errors.New("transaction aborted")

	// ErrTxClosed is returned by operations on a committed or rolled back transaction.
	ErrTxClosed = errors.New("transaction closed")

	// ErrReadOnly is returned by write operations on a read-only transaction.
	ErrReadOnly = errors.New("transaction is read-only")

	// ErrBucketNotFound is returned by storageTx.DeleteBucket when the bucket doesn't exist.
	ErrBucketNotFound = errors.New("bucket not found")
)

// EncodingError means a value cannot be reduced to a storable or indexable form.
type EncodingError struct {
	Type reflect.Type
	Msg  string
	Err  error
}

func encodingErrf(v any, err error, format string, args ...any) error {
	return &EncodingError{reflect.TypeOf(v), fmt.Sprintf(format, args...), err}
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

func (e *EncodingError) Error() string {
	var buf strings.Builder
	buf.WriteString("cannot encode ")
	if e.Type == nil {
		buf.WriteString("nil")
	} else {
		buf.WriteString(e.Type.String())
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// DecodingError means a stored form cannot be reconstructed.
type DecodingError struct {
	Msg string
	Err error
}

func decodingErrf(err error, format string, args ...any) error {
	return &DecodingError{fmt.Sprintf(format, args...), err}
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

func (e *DecodingError) Error() string {
	if e.Err != nil {
		return "cannot decode: " + e.Msg + ": " + e.Err.Error()
	}
	return "cannot decode: " + e.Msg
}

// UnknownTypeError means a type id or Go type has no registered codec.
type UnknownTypeError struct {
	TypeID string
	Type   reflect.Type
}

func (e *UnknownTypeError) Error() string {
	if e.Type != nil {
		return fmt.Sprintf("unknown type %v", e.Type)
	}
	return fmt.Sprintf("unknown type id %q", e.TypeID)
}

// DuplicateTypeError is returned when a Go type or a type id is registered twice.
type DuplicateTypeError struct {
	TypeID string
	Type   reflect.Type
	// Existing is the type id the conflicting entry is registered under.
	Existing string
}

func (e *DuplicateTypeError) Error() string {
	if e.Existing == e.TypeID {
		return fmt.Sprintf("type id %q already registered", e.TypeID)
	}
	return fmt.Sprintf("type %v already registered as %q", e.Type, e.Existing)
}

// ContractViolationError reports an API misuse: a cursor used out of its
// state-machine order, or an operation that conflicts with a live iteration.
type ContractViolationError struct {
	Op  string
	Msg string
}

func contractViolation(op string, format string, args ...any) *ContractViolationError {
	return &ContractViolationError{op, fmt.Sprintf(format, args...)}
}

func (e *ContractViolationError) Error() string {
	return e.Op + ": contract violation: " + e.Msg
}

// ConstraintError is returned when a write would put two rows under the same
// key of a unique index.
type ConstraintError struct {
	Store      string
	Index      string
	ID         uint64
	ExistingID uint64
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s.%s: unique constraint violated: row %d conflicts with row %d", e.Store, e.Index, e.ID, e.ExistingID)
}

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}

// StoreError tags a failure with the store, index and row it happened on.
type StoreError struct {
	Store string
	Index string
	ID    uint64
	Msg   string
	Err   error
}

func storeErrf(store *StoreDef, idx *IndexDef, id uint64, err error, format string, args ...any) error {
	e := &StoreError{Store: store.name, ID: id, Msg: fmt.Sprintf(format, args...), Err: err}
	if idx != nil {
		e.Index = idx.name
	}
	return e
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Store)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.ID != 0 {
		fmt.Fprintf(&buf, "/%d", e.ID)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}
