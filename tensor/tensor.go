// Package tensor provides the tensor container used to move raw bytes in and
// out of inference pipelines.
//
// An Info describes up to MaxTensors tensors (name, element type, dimensions).
// Data holds one raw buffer per described tensor. Both must be disposed by
// their owner; using a disposed Info or Data returns ErrDisposed.
//
//	info := tensor.NewInfo()
//	info.AddTensorInfo("tensor", tensor.Uint8, []int{len(raw)})
//	data, _ := info.NewData()
//	data.SetRawData(0, raw)
//	defer info.Dispose()
//	defer data.Dispose()
package tensor

import (
	"errors"
	"fmt"
	"strings"
)

// MaxTensors is the maximum number of tensors a single Info can describe.
const MaxTensors = 16

var (
	// ErrDisposed is returned when an Info or Data is used after Dispose.
	ErrDisposed = errors.New("tensor: already disposed")

	// ErrIndexOutOfRange is returned for a tensor index outside [0, Count).
	ErrIndexOutOfRange = errors.New("tensor: index out of range")

	// ErrSizeMismatch is returned when raw bytes do not match the described size.
	ErrSizeMismatch = errors.New("tensor: raw data size mismatch")
)

// ElementType is the element type of a tensor
type ElementType int

const (
	Uint8 ElementType = iota
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Uint64
	Int64
	Float32
	Float64
)

// Size returns the size in bytes of one element.
func (t ElementType) Size() int {
	switch t {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	default:
		return 0
	}
}

// String returns the upper-case type name ("UINT8", "FLOAT32", ...).
func (t ElementType) String() string {
	switch t {
	case Uint8:
		return "UINT8"
	case Int8:
		return "INT8"
	case Uint16:
		return "UINT16"
	case Int16:
		return "INT16"
	case Uint32:
		return "UINT32"
	case Int32:
		return "INT32"
	case Uint64:
		return "UINT64"
	case Int64:
		return "INT64"
	case Float32:
		return "FLOAT32"
	case Float64:
		return "FLOAT64"
	default:
		return "UNKNOWN"
	}
}

// ParseElementType parses a type name, case-insensitive.
func ParseElementType(s string) (ElementType, error) {
	for t := Uint8; t <= Float64; t++ {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("tensor: unknown element type %q", s)
}

// Spec describes a single tensor.
type Spec struct {
	Name string
	Type ElementType
	Dims []int
}

// ByteSize returns the number of bytes a buffer for this tensor holds.
func (s Spec) ByteSize() int {
	if len(s.Dims) == 0 {
		return 0
	}
	n := s.Type.Size()
	for _, d := range s.Dims {
		n *= d
	}
	return n
}

// Info is a tensor descriptor: an ordered list of tensor specs.
type Info struct {
	specs    []Spec
	disposed bool
}

// NewInfo returns an empty descriptor.
func NewInfo() *Info {
	return &Info{}
}

// AddTensorInfo appends a tensor spec and returns its index.
func (i *Info) AddTensorInfo(name string, t ElementType, dims []int) (int, error) {
	if i.disposed {
		return -1, ErrDisposed
	}
	if len(i.specs) >= MaxTensors {
		return -1, fmt.Errorf("tensor: descriptor full (max %d tensors)", MaxTensors)
	}
	if t.Size() == 0 {
		return -1, fmt.Errorf("tensor: invalid element type %d", t)
	}
	if len(dims) == 0 {
		return -1, fmt.Errorf("tensor: %q has no dimensions", name)
	}
	for _, d := range dims {
		if d <= 0 {
			return -1, fmt.Errorf("tensor: %q has invalid dimension %d", name, d)
		}
	}

	i.specs = append(i.specs, Spec{
		Name: name,
		Type: t,
		Dims: append([]int(nil), dims...),
	})
	return len(i.specs) - 1, nil
}

// Count returns the number of described tensors.
func (i *Info) Count() int {
	return len(i.specs)
}

// Spec returns the spec at index idx.
func (i *Info) Spec(idx int) (Spec, error) {
	if i.disposed {
		return Spec{}, ErrDisposed
	}
	if idx < 0 || idx >= len(i.specs) {
		return Spec{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, idx)
	}
	return i.specs[idx], nil
}

// NewData allocates one zeroed buffer per described tensor.
func (i *Info) NewData() (*Data, error) {
	if i.disposed {
		return nil, ErrDisposed
	}
	if len(i.specs) == 0 {
		return nil, errors.New("tensor: descriptor is empty")
	}

	bufs := make([][]byte, len(i.specs))
	for idx, s := range i.specs {
		bufs[idx] = make([]byte, s.ByteSize())
	}
	return &Data{
		specs: append([]Spec(nil), i.specs...),
		bufs:  bufs,
	}, nil
}

// Disposed reports whether Dispose was called.
func (i *Info) Disposed() bool {
	return i.disposed
}

// Dispose releases the descriptor. Idempotent.
func (i *Info) Dispose() {
	i.specs = nil
	i.disposed = true
}

// Data holds the raw buffers of a set of tensors.
type Data struct {
	specs    []Spec
	bufs     [][]byte
	disposed bool
}

// FromRaw wraps raw buffers as single-dimension UINT8 tensors.
// Used by engines handing sink output back to listeners.
func FromRaw(raws ...[]byte) *Data {
	d := &Data{
		specs: make([]Spec, len(raws)),
		bufs:  make([][]byte, len(raws)),
	}
	for idx, raw := range raws {
		d.specs[idx] = Spec{Name: fmt.Sprintf("tensor_%d", idx), Type: Uint8, Dims: []int{len(raw)}}
		d.bufs[idx] = raw
	}
	return d
}

// Count returns the number of tensors.
func (d *Data) Count() int {
	return len(d.bufs)
}

// SetRawData copies raw into the buffer at idx. The length must match exactly.
func (d *Data) SetRawData(idx int, raw []byte) error {
	if d.disposed {
		return ErrDisposed
	}
	if idx < 0 || idx >= len(d.bufs) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, idx)
	}
	if len(raw) != len(d.bufs[idx]) {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, len(raw), len(d.bufs[idx]))
	}
	copy(d.bufs[idx], raw)
	return nil
}

// RawData returns the buffer at idx. The slice aliases internal memory and
// is invalid after Dispose.
func (d *Data) RawData(idx int) ([]byte, error) {
	if d.disposed {
		return nil, ErrDisposed
	}
	if idx < 0 || idx >= len(d.bufs) {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, idx)
	}
	return d.bufs[idx], nil
}

// Disposed reports whether Dispose was called.
func (d *Data) Disposed() bool {
	return d.disposed
}

// Dispose zeroes and drops the buffers. Idempotent.
func (d *Data) Dispose() {
	for _, b := range d.bufs {
		clear(b)
	}
	d.bufs = nil
	d.specs = nil
	d.disposed = true
}
