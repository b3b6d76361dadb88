package hostgo

import (
	"reflect"
	"strings"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharding/backends"
	"github.com/gomlx/sharding/types/shapes"
	"github.com/pkg/errors"
)

// Buffer for the hostgo backend holds a shape, the virtual device that owns it, and a
// reference to the flat data.
type Buffer struct {
	shape     shapes.Shape
	deviceNum backends.DeviceNum
	valid     bool

	// flat is always a slice of the Go type corresponding to shape.DType.
	flat any
}

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for the given dtype/length.
// Pools are shared by all virtual devices: device affinity is just a tag on the buffer.
func (b *Backend) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	poolInterface, ok := b.bufferPools.Load(key)
	if !ok {
		poolInterface, _ = b.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() interface{} {
				return &Buffer{
					flat:  reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface(),
					shape: shapes.Make(dtype, length),
				}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// getBuffer from the backend pool of buffers.
func (b *Backend) getBuffer(deviceNum backends.DeviceNum, dtype dtypes.DType, length int) *Buffer {
	pool := b.getBufferPool(dtype, length)
	buf := pool.Get().(*Buffer)
	buf.deviceNum = deviceNum
	buf.valid = true
	return buf
}

// putBuffer back into the backend pool of buffers.
// After this any references to the buffer should be dropped.
func (b *Backend) putBuffer(buffer *Buffer) {
	if buffer == nil || !buffer.shape.Ok() {
		return
	}
	buffer.valid = false
	pool := b.getBufferPool(buffer.shape.DType, buffer.shape.Size())
	pool.Put(buffer)
}

// NewBuffer creates a buffer on the given device with a (possibly recycled) flat space.
// The flat data is not zero-initialized.
func (b *Backend) NewBuffer(deviceNum backends.DeviceNum, shape shapes.Shape) *Buffer {
	buffer := b.getBuffer(deviceNum, shape.DType, shape.Size())
	buffer.shape = shape.Clone()
	return buffer
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

// castBuffer converts a backends.Buffer to a hostgo *Buffer and checks it is usable.
func castBuffer(backendBuffer backends.Buffer) (*Buffer, error) {
	buffer, ok := backendBuffer.(*Buffer)
	if !ok {
		return nil, errors.Errorf("buffer is not a %q backend buffer", BackendName)
	}
	if buffer == nil || buffer.flat == nil || !buffer.shape.Ok() || !buffer.valid {
		var issues []string
		if buffer == nil {
			issues = append(issues, "buffer is nil")
		} else {
			if buffer.flat == nil {
				issues = append(issues, "buffer flat data is nil")
			}
			if !buffer.shape.Ok() {
				issues = append(issues, "buffer shape is invalid")
			}
			if !buffer.valid {
				issues = append(issues, "buffer was marked as invalid")
			}
		}
		return nil, errors.Errorf("buffer (%p) cannot be used: %s -- was it finalized already?",
			buffer, strings.Join(issues, ", "))
	}
	return buffer, nil
}

// checkFlat verifies the flat slice matches the shape's dtype and size.
func checkFlat(flat any, shape shapes.Shape) error {
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		return errors.Errorf("flat data must be a slice, got %T", flat)
	}
	if dtypes.FromGoType(flatV.Type().Elem()) != shape.DType {
		return errors.Errorf("flat data type (%s) does not match shape DType (%s)",
			flatV.Type().Elem(), shape.DType)
	}
	if flatV.Len() != shape.Size() {
		return errors.Errorf("flat data has %d elements, but shape %s requires %d",
			flatV.Len(), shape, shape.Size())
	}
	return nil
}

// BufferFinalize allows the client to inform the backend that the buffer is no longer needed,
// and associated resources can be freed immediately.
//
// A finalized buffer should never be used again. Preferably, the caller should set its
// references to it to nil.
func (b *Backend) BufferFinalize(backendBuffer backends.Buffer) error {
	buffer, err := castBuffer(backendBuffer)
	if err != nil {
		return errors.WithMessage(err, "BufferFinalize")
	}
	b.putBuffer(buffer)
	return nil
}

// BufferShape returns the shape for the buffer.
func (b *Backend) BufferShape(backendBuffer backends.Buffer) (shapes.Shape, error) {
	buffer, err := castBuffer(backendBuffer)
	if err != nil {
		return shapes.Invalid(), err
	}
	return buffer.shape, nil
}

// BufferDeviceNum returns the deviceNum for the buffer.
func (b *Backend) BufferDeviceNum(backendBuffer backends.Buffer) (backends.DeviceNum, error) {
	buffer, err := castBuffer(backendBuffer)
	if err != nil {
		return 0, err
	}
	return buffer.deviceNum, nil
}

// BufferToFlatData transfers the flat values of the buffer to the Go flat slice.
// The slice flat must have the exact number of elements required to store the Buffer shape.
func (b *Backend) BufferToFlatData(backendBuffer backends.Buffer, flat any) error {
	buffer, err := castBuffer(backendBuffer)
	if err != nil {
		return err
	}
	if err := checkFlat(flat, buffer.shape); err != nil {
		return errors.WithMessage(err, "BufferToFlatData")
	}
	copyFlat(flat, buffer.flat)
	return nil
}

// BufferFromFlatData transfers data from Go given as a flat slice (of the type corresponding
// to the shape DType) to the deviceNum, and returns the corresponding backends.Buffer.
func (b *Backend) BufferFromFlatData(deviceNum backends.DeviceNum, flat any, shape shapes.Shape) (backends.Buffer, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, errors.WithMessagef(err, "cannot create buffer with shape %s", shape)
	}
	if err := checkFlat(flat, shape); err != nil {
		return nil, errors.WithMessage(err, "BufferFromFlatData")
	}
	buffer := b.NewBuffer(deviceNum, shape)
	copyFlat(buffer.flat, flat)
	return buffer, nil
}

// HasSharedBuffers returns true: all hostgo "devices" live in host memory, so every buffer
// can be read or mutated directly by the client.
func (b *Backend) HasSharedBuffers() bool {
	return true
}

// NewSharedBuffer returns a buffer that can be directly read or mutated by the client.
//
// When done, to release the memory, call BufferFinalize on the returned buffer.
//
// It returns a handle to the buffer and a slice of the corresponding data type pointing
// to the shared data.
func (b *Backend) NewSharedBuffer(deviceNum backends.DeviceNum, shape shapes.Shape) (buffer backends.Buffer, flat any, err error) {
	if err := b.checkValid(); err != nil {
		return nil, nil, err
	}
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, nil, errors.WithMessagef(err, "cannot create shared buffer with shape %s", shape)
	}
	// Shared buffers are handed to the client as fresh zeroed storage, so they skip the pool.
	goBuffer := &Buffer{
		shape:     shape.Clone(),
		deviceNum: deviceNum,
		valid:     true,
		flat:      reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size()).Interface(),
	}
	return goBuffer, goBuffer.flat, nil
}

// BufferData returns a slice pointing to the buffer storage memory directly.
//
// The returned slice becomes invalid after the buffer is finalized.
func (b *Backend) BufferData(backendBuffer backends.Buffer) (flat any, err error) {
	buffer, err := castBuffer(backendBuffer)
	if err != nil {
		return nil, err
	}
	return buffer.flat, nil
}
