/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tensors implements a Tensor, a representation of a multidimensional array kept in host memory.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions),
// defined by their shape (a data type and its axes' dimensions) and their actual content, stored as a
// flat slice of the Go type corresponding to the dtype, in row-major order.
//
// Tensors are the source and destination of sharding: the sharding package carves them into per-device
// buffers and reassembles them back. Device residency is handled there; this package only ever holds
// host data.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given. `T` must be one of the supported types.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and sets the flattened values with the given data. `T` must be one of the supported
//     types. Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromValue[S MultiDimensionSlice](value S): Generic conversion works with the scalar supported `DType`s
//     as well as with any arbitrary multidimensional slice of them. Slices of rank > 1 must be regular, that
//     is all the sub-slices must have the same shape. Example:
//
//     t := FromValue([][]float32{{1, 2}, {3, 5}, {7, 11}})
//
//   - FromAnyValue(value any): same as FromValue but non-generic, it takes an anonymous type `any`. The
//     exception is if `value` is already a tensor, then it is a no-op, and it returns the tensor itself.
//
// Access to the data is done via closures, so the Tensor can guarantee the data is not mutated concurrently:
// see Tensor.ConstFlatData and Tensor.MutableFlatData, and the generic versions ConstFlatData[T] and
// MutableFlatData[T].
package tensors

import (
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharding/types/shapes"
	"github.com/gomlx/sharding/types/xslices"
	"github.com/pkg/errors"
)

// Tensor is a multidimensional array of one of the supported dtypes, stored in host memory.
//
// It is created in one of the "From..." constructors (FromShape, FromValue, FromFlatDataAndDimensions, ...),
// and the flat data is accessed with the ConstFlatData/MutableFlatData family of methods, which hold the
// Tensor lock for the duration of the access.
//
// Tensor is not thread-safe for concurrent mutation, but concurrent const accesses are fine.
// Once finalized (see Finalize), a Tensor becomes invalid and any access panics or returns an error.
type Tensor struct {
	shape shapes.Shape

	// mu protects flat from concurrent access during the accessor closures.
	mu sync.Mutex

	// flat is a slice of the Go type corresponding to shape.DType, of length shape.Size().
	// It is nil after the tensor is finalized.
	flat any
}

// newEmptyTensor creates a tensor with the given shape and no storage attached yet.
func newEmptyTensor(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape}
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
//
// It panics if the shape is invalid.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("invalid shape"))
	}
	t := newEmptyTensor(shape)
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	t.flat = flatV.Interface()
	return t
}

// FromScalar creates a scalar tensor with the given value.
// The `DType` is inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
// The `DType` is inferred from the value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	t := FromShape(shape)
	MustMutableFlatData(t, func(flat []T) {
		xslices.FillSlice(flat, value)
	})
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened
// values given in `data`. The data is copied into the Tensor.
// The `DType` is inferred from the `data` element type.
//
// It panics if the size of data doesn't match the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	var dummy T
	switch any(dummy).(type) {
	case int:
		// The underlying storage is int32 or int64 depending on the platform's int size, so copy the raw bytes.
		err := t.MutableBytes(func(tensorData []byte) {
			dataAsBytes := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))*unsafe.Sizeof(dummy))
			copy(tensorData, dataAsBytes)
		})
		if err != nil {
			panic(err)
		}
	default:
		MustMutableFlatData(t, func(flat []T) {
			copy(flat, data)
		})
	}
	return t
}

// MultiDimensionSlice lists the Go types a Tensor can be converted to/from. There are no recursions in
// generics' constraint definitions, so we list up to 6 levels of slices. The implementation itself works
// with any arbitrary number of levels.
type MultiDimensionSlice interface {
	bool | float32 | float64 | int | int32 | int64 | uint8 | uint32 | uint64 | complex64 | complex128 |
		[]bool | []float32 | []float64 | []int | []int32 | []int64 | []uint8 | []uint32 | []uint64 | []complex64 | []complex128 |
		[][]bool | [][]float32 | [][]float64 | [][]int | [][]int32 | [][]int64 | [][]uint8 | [][]uint32 | [][]uint64 | [][]complex64 | [][]complex128 |
		[][][]bool | [][][]float32 | [][][]float64 | [][][]int | [][][]int32 | [][][]int64 | [][][]uint8 | [][][]uint32 | [][][]uint64 | [][][]complex64 | [][][]complex128 |
		[][][][]bool | [][][][]float32 | [][][][]float64 | [][][][]int | [][][][]int32 | [][][][]int64 | [][][][]uint8 | [][][][]uint32 | [][][][]uint64 | [][][][]complex64 | [][][][]complex128 |
		[][][][][]bool | [][][][][]float32 | [][][][][]float64 | [][][][][]int | [][][][][]int32 | [][][][][]int64 | [][][][][]uint8 | [][][][][]uint32 | [][][][][]uint64 | [][][][][]complex64 | [][][][][]complex128
}

// FromValue returns a tensor constructed from the given multi-dimension slice (or scalar).
// If the rank of the `value` is larger than 1, the shape of all sub-slices must be the same.
//
// It panics if the shape is not regular.
//
// Notice that FromFlatDataAndDimensions is much faster if speed is a concern.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is a non-generic version of FromValue.
// The input is expected to be either a scalar or a slice of slices with homogeneous dimensions.
// If the input is a *Tensor already, it is simply returned.
//
// It panics if the value type is unsupported or the shape is not regular.
func FromAnyValue(value any) *Tensor {
	if valueT, ok := value.(*Tensor); ok {
		return valueT
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "cannot create shape from %T", value))
	}
	t := FromShape(shape)
	t.MustMutableFlatData(func(flatAny any) {
		if baseType(reflect.TypeOf(value)) == reflect.TypeOf(int(0)) {
			// Go `int` is stored as int32 or int64 depending on the architecture. For reflect.Copy to
			// work we have to view the flat slice (either []int64 or []int32) as an []int.
			if strconv.IntSize == 64 {
				flatRef := flatAny.([]int64)
				flatAny = unsafe.Slice((*int)(unsafe.Pointer(unsafe.SliceData(flatRef))), len(flatRef))
			} else if strconv.IntSize == 32 {
				flatRef := flatAny.([]int32)
				flatAny = unsafe.Slice((*int)(unsafe.Pointer(unsafe.SliceData(flatRef))), len(flatRef))
			} else {
				exceptions.Panicf("cannot use `int` of %d bits -- try using int32 or int64", strconv.IntSize)
			}
		}
		flatV := reflect.ValueOf(flatAny)
		if shape.IsScalar() {
			flatV.Index(0).Set(reflect.ValueOf(value))
			return
		}
		copySlicesRecursively(flatV, reflect.ValueOf(value), t.LayoutStrides())
	})
	return t
}

// Shape of the Tensor.
func (t *Tensor) Shape() shapes.Shape {
	return t.shape
}

// DType of the Tensor's shape.
func (t *Tensor) DType() dtypes.DType {
	return t.shape.DType
}

// Rank of the Tensor's shape. Scalar tensors have rank 0.
func (t *Tensor) Rank() int {
	return t.shape.Rank()
}

// IsScalar returns whether the Tensor's shape is a scalar.
func (t *Tensor) IsScalar() bool {
	return t.shape.IsScalar()
}

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int {
	return t.shape.Size()
}

// Memory returns the number of bytes used to store the tensor data.
func (t *Tensor) Memory() uintptr {
	return t.shape.Memory()
}

// LayoutStrides returns the row-major strides for each axis.
// This can be handy when manipulating the flat data.
func (t *Tensor) LayoutStrides() []int {
	return t.shape.Strides()
}

// Ok returns whether the Tensor is in a valid state: it is not nil, and it hasn't been finalized.
func (t *Tensor) Ok() bool {
	return t.CheckValid() == nil
}

// CheckValid returns an error if the Tensor is in an invalid state: nil, or if its data was already finalized.
func (t *Tensor) CheckValid() error {
	if t == nil {
		return errors.New("Tensor is nil")
	}
	if !t.shape.Ok() {
		return errors.New("Tensor shape is invalid")
	}
	if t.flat == nil {
		return errors.New("Tensor data was already finalized")
	}
	return nil
}

// AssertValid panics if the Tensor is in an invalid state: nil, or if its data was already finalized.
func (t *Tensor) AssertValid() {
	must(t.CheckValid())
}

// Clone returns a deep copy of the Tensor.
func (t *Tensor) Clone() *Tensor {
	var clone *Tensor
	t.MustConstFlatData(func(flat any) {
		clone = newEmptyTensor(t.shape)
		flatV := reflect.ValueOf(flat)
		cloneFlatV := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
		reflect.Copy(cloneFlatV, flatV)
		clone.flat = cloneFlatV.Interface()
	})
	return clone
}

// IsFinalized returns true if the tensor has already been "finalized", and its data freed.
func (t *Tensor) IsFinalized() bool {
	return t == nil || t.flat == nil
}

// Finalize releases the memory associated with the tensor, and the Tensor becomes invalid.
// It is a no-op if the tensor was already finalized.
//
// This is not required -- the garbage collector will collect the data as usual -- but for large tensors
// it immediately drops the reference to the flat data.
func (t *Tensor) Finalize() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flat = nil
}

// MaxStringSize is the largest number of elements that Tensor.String prints in full.
// Above this only the shape is printed.
const MaxStringSize = 500

// String returns a printable version of the tensor: the shape and, if not too large, its values.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	if err := t.CheckValid(); err != nil {
		return fmt.Sprintf("Tensor(%s, invalid: %v)", t.shape, err)
	}
	if t.shape.Size() > MaxStringSize {
		return fmt.Sprintf("%s: (%d values)", t.shape, t.shape.Size())
	}
	return fmt.Sprintf("%s: %v", t.shape, t.Value())
}

// Equal checks whether t == other element-wise.
// If they are the same pointer, they are considered equal.
// If the shapes are different, it returns false.
// If either side is invalid (nil or finalized), it panics.
//
// Slow implementation: fine for small tensors, but write something specialized for the DType if speed is desired.
func (t *Tensor) Equal(other *Tensor) bool {
	t.AssertValid()
	other.AssertValid()
	if t == other {
		return true
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	equal := true
	t.MustConstFlatData(func(flat0 any) {
		other.MustConstFlatData(func(flat1 any) {
			t0V := reflect.ValueOf(flat0)
			t1V := reflect.ValueOf(flat1)
			for ii := range t0V.Len() {
				if !t0V.Index(ii).Equal(t1V.Index(ii)) {
					equal = false
					return
				}
			}
		})
	})
	return equal
}

// must panics with err if it is not nil.
func must(err error) {
	if err != nil {
		panic(err)
	}
}
