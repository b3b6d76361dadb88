package sharding

import (
	"bytes"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharding/backends"
	"github.com/gomlx/sharding/types/shapes"
	"github.com/gomlx/sharding/types/tensors"
	"github.com/gomlx/sharding/types/xslices"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ShardedArray is the result of Assemble: the source array's metadata plus
// one materialized fragment buffer per device, in canonical enumeration
// order. It exclusively owns its fragment buffers; Finalize releases them
// back to the backend, and every other method returns an error (or nil)
// after that.
//
// A ShardedArray is safe for concurrent use.
type ShardedArray struct {
	// id correlates the array's log traces; see klog -v=1.
	id string

	backend backends.Backend
	shape   shapes.Shape
	spec    Spec
	devices []backends.DeviceNum

	// placements[i] and buffers[i] pair up: replicas of the same grid cell
	// are consecutive, replication index varying fastest.
	placements []Placement

	mu        sync.Mutex
	buffers   []backends.Buffer
	finalized bool
}

// Assemble shards the source tensor over the given devices of the backend,
// as described by spec: it validates the combination, extracts one fragment
// per grid cell and uploads it to every device of the cell's replication
// group, groups in parallel.
//
// The source tensor is only read; it is not retained and can be mutated or
// finalized afterwards. On failure no fragment buffers are leaked and the
// first error is returned: validation errors wrap ErrRankMismatch,
// ErrDeviceCountMismatch or ErrInvalidDeviceList and happen before any
// copying starts.
//
// The returned ShardedArray owns the fragment buffers; release them with
// Finalize when done.
func Assemble(backend backends.Backend, source *tensors.Tensor, spec Spec, devices []backends.DeviceNum) (*ShardedArray, error) {
	if backend == nil {
		return nil, errors.Errorf("Assemble requires a non-nil backend")
	}
	if source == nil {
		return nil, errors.Errorf("Assemble requires a non-nil source tensor")
	}
	if err := source.CheckValid(); err != nil {
		return nil, errors.WithMessagef(err, "Assemble cannot read the source tensor")
	}
	shape := source.Shape()
	placements, err := spec.Placements(shape, devices)
	if err != nil {
		return nil, err
	}
	numDevices := backend.NumDevices()
	for pos, device := range devices {
		if device >= numDevices {
			return nil, errors.Wrapf(ErrInvalidDeviceList,
				"device %d (position %d in the device list) is out of range: backend %q has %d device(s)",
				device, pos, backend.Name(), numDevices)
		}
	}

	sa := &ShardedArray{
		id:         uuid.NewString(),
		backend:    backend,
		shape:      shape.Clone(),
		spec:       spec,
		devices:    slices.Clone(devices),
		placements: placements,
		buffers:    make([]backends.Buffer, len(placements)),
	}
	var copyErr error
	accessErr := source.ConstFlatData(func(flat any) {
		copyErr = sa.uploadFragments(flat)
	})
	if accessErr == nil {
		accessErr = copyErr
	}
	if accessErr != nil {
		if err := sa.Finalize(); err != nil {
			klog.Errorf("sharding: failed to release fragments of aborted assemble: %+v", err)
		}
		return nil, accessErr
	}
	if klog.V(1).Enabled() {
		shardShape, _ := spec.ShardShape(shape)
		klog.Infof("sharding: assembled array %s: shape=%s, sharding=%s, %d shard(s) of up to %s each, devices=%v",
			sa.id, sa.shape, sa.spec, len(sa.placements), humanize.Bytes(uint64(shardShape.Memory())), sa.devices)
	}
	return sa, nil
}

// replicaCount returns the effective number of replicas per grid cell, once
// the device list length is known.
func (sa *ShardedArray) replicaCount() int {
	if sa.spec.replicated {
		return len(sa.placements)
	}
	return sa.spec.replicas
}

// uploadFragments extracts every fragment from the source flat data and
// uploads it to its devices: one extraction per replication group, and
// groups copied in parallel. Fragments whose bounds span the whole array
// skip the extraction and upload the source flat directly.
func (sa *ShardedArray) uploadFragments(flat any) error {
	dims := sa.shape.Dimensions
	dtype := sa.shape.DType
	replicas := sa.replicaCount()
	numGroups := len(sa.placements) / replicas
	errs := xslices.MapParallel(xslices.Iota(0, numGroups), func(group int) error {
		first := group * replicas
		representative := sa.placements[first]
		fragShape := representative.Shape(dtype)
		uploadFlat := flat
		if !isFullSpan(representative.Bounds, dims) {
			size := fragShape.Size()
			scratch := reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), size, size).Interface()
			extractRegion(scratch, flat, dims, representative.Bounds)
			uploadFlat = scratch
		}
		for r := 0; r < replicas; r++ {
			placement := sa.placements[first+r]
			buffer, err := sa.backend.BufferFromFlatData(placement.Device, uploadFlat, fragShape)
			if err != nil {
				return errors.WithMessagef(err, "uploading shard (cell=%v, replica=%d) to device %d",
					placement.Cell, placement.Replica, placement.Device)
			}
			sa.buffers[first+r] = buffer
		}
		if klog.V(2).Enabled() {
			klog.Infof("sharding: array %s: cell=%v, bounds=%v copied to %d device(s)",
				sa.id, representative.Cell, representative.Bounds, replicas)
		}
		return nil
	})
	return firstError(errs)
}

// isFullSpan reports whether bounds covers every axis of dims in full.
func isFullSpan(bounds []Interval, dims []int) bool {
	for axis, b := range bounds {
		if b.Start != 0 || b.End != dims[axis] {
			return false
		}
	}
	return true
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Shape of the original (unsharded) array.
func (sa *ShardedArray) Shape() shapes.Shape {
	return sa.shape
}

// DType of the array's elements.
func (sa *ShardedArray) DType() dtypes.DType {
	return sa.shape.DType
}

// Sharding returns the spec the array was assembled with.
func (sa *ShardedArray) Sharding() Spec {
	return sa.spec
}

// Devices returns a copy of the device list the array was assembled over, in
// the order it was given to Assemble.
func (sa *ShardedArray) Devices() []backends.DeviceNum {
	return slices.Clone(sa.devices)
}

// NumShards returns the number of fragments, one per device.
func (sa *ShardedArray) NumShards() int {
	return len(sa.placements)
}

// Placements returns a copy of the resolved placements, one per shard, in
// canonical enumeration order -- the same indexing as Buffer.
func (sa *ShardedArray) Placements() []Placement {
	placements := slices.Clone(sa.placements)
	for i := range placements {
		placements[i].Cell = slices.Clone(placements[i].Cell)
		placements[i].Bounds = slices.Clone(placements[i].Bounds)
	}
	return placements
}

// Buffer returns the fragment buffer at enumeration position i -- the same
// indexing as Placements. The buffer remains owned by the array: read from
// it, but do not finalize it. It returns nil if the array was finalized.
//
// It panics if i is out of range.
func (sa *ShardedArray) Buffer(i int) backends.Buffer {
	if i < 0 || i >= len(sa.placements) {
		exceptions.Panicf("ShardedArray.Buffer(%d) out of range: the array has %d shards", i, len(sa.placements))
	}
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.buffers[i]
}

// CheckValid returns an error if the array was finalized.
func (sa *ShardedArray) CheckValid() error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.lockedCheckValid()
}

func (sa *ShardedArray) lockedCheckValid() error {
	if sa.finalized {
		return errors.Errorf("ShardedArray (shape=%s, sharding=%s) was already finalized", sa.shape, sa.spec)
	}
	return nil
}

// Disassemble downloads every fragment into a host tensor, in device-list
// order: the i-th returned tensor is the fragment held by Devices()[i]. The
// fragments remain owned by the array, so the tensors are always copies.
func (sa *ShardedArray) Disassemble() ([]*tensors.Tensor, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if err := sa.lockedCheckValid(); err != nil {
		return nil, err
	}
	dtype := sa.shape.DType
	result := make([]*tensors.Tensor, len(sa.placements))
	errs := xslices.MapParallel(xslices.Iota(0, len(sa.placements)), func(p int) error {
		placement := sa.placements[p]
		fragment := tensors.FromShape(placement.Shape(dtype))
		var copyErr error
		accessErr := fragment.MutableFlatData(func(flat any) {
			copyErr = sa.backend.BufferToFlatData(sa.buffers[p], flat)
		})
		if accessErr == nil {
			accessErr = copyErr
		}
		if accessErr != nil {
			return errors.WithMessagef(accessErr, "downloading shard from device %d", placement.Device)
		}
		pos := p
		if sa.spec.order != nil {
			pos = sa.spec.order[p]
		}
		result[pos] = fragment
		return nil
	})
	if err := firstError(errs); err != nil {
		return nil, err
	}
	return result, nil
}

// Reassemble rebuilds the original array from the fragments: the exact
// inverse of Assemble, bit for bit. One representative fragment per
// replication group is downloaded and inserted into its (disjoint) bounds,
// groups in parallel; replicas beyond the representative are not read.
func (sa *ShardedArray) Reassemble() (*tensors.Tensor, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if err := sa.lockedCheckValid(); err != nil {
		return nil, err
	}
	dims := sa.shape.Dimensions
	dtype := sa.shape.DType
	replicas := sa.replicaCount()
	numGroups := len(sa.placements) / replicas
	result := tensors.FromShape(sa.shape.Clone())
	var copyErr error
	accessErr := result.MutableFlatData(func(resultFlat any) {
		errs := xslices.MapParallel(xslices.Iota(0, numGroups), func(group int) error {
			placement := sa.placements[group*replicas]
			buffer := sa.buffers[group*replicas]
			if isFullSpan(placement.Bounds, dims) {
				// Single run covering everything: download straight into the result.
				if err := sa.backend.BufferToFlatData(buffer, resultFlat); err != nil {
					return errors.WithMessagef(err, "downloading shard from device %d", placement.Device)
				}
				return nil
			}
			size := placement.Shape(dtype).Size()
			scratch := reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), size, size).Interface()
			if err := sa.backend.BufferToFlatData(buffer, scratch); err != nil {
				return errors.WithMessagef(err, "downloading shard from device %d", placement.Device)
			}
			insertRegion(resultFlat, scratch, dims, placement.Bounds)
			return nil
		})
		copyErr = firstError(errs)
	})
	if accessErr == nil {
		accessErr = copyErr
	}
	if accessErr != nil {
		return nil, accessErr
	}
	if klog.V(1).Enabled() {
		klog.Infof("sharding: reassembled array %s to host tensor %s (%s)",
			sa.id, sa.shape, humanize.Bytes(uint64(sa.shape.Memory())))
	}
	return result, nil
}

// CheckReplicas downloads the fragments of every replication group and
// verifies the members hold bitwise identical data -- NaNs included, the
// comparison is on raw bytes. Replicas are required to be identical by
// contract, so a divergence means the fragment buffers were modified behind
// the array's back; offending devices are named in the returned error and a
// warning is logged.
//
// The check is never run implicitly: Reassemble trusts replica 0 of each
// group.
func (sa *ShardedArray) CheckReplicas() error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if err := sa.lockedCheckValid(); err != nil {
		return err
	}
	replicas := sa.replicaCount()
	if replicas == 1 {
		return nil
	}
	numGroups := len(sa.placements) / replicas
	errs := xslices.MapParallel(xslices.Iota(0, numGroups), func(group int) error {
		first := group * replicas
		representative := sa.placements[first]
		reference, err := sa.lockedDownloadFragment(first)
		if err != nil {
			return err
		}
		var divergent []backends.DeviceNum
		for r := 1; r < replicas; r++ {
			other, err := sa.lockedDownloadFragment(first + r)
			if err != nil {
				return err
			}
			equal, err := hostBytesEqual(reference, other)
			if err != nil {
				return err
			}
			if !equal {
				device := sa.placements[first+r].Device
				divergent = append(divergent, device)
				klog.Warningf("sharding: array %s: replica divergence in cell %v: device %d differs from device %d",
					sa.id, representative.Cell, device, representative.Device)
			}
		}
		if len(divergent) > 0 {
			return errors.Errorf("shard replicas diverged: device(s) %v hold different data than device %d for grid cell %v",
				divergent, representative.Device, representative.Cell)
		}
		return nil
	})
	return firstError(errs)
}

// lockedDownloadFragment downloads the fragment at enumeration position p
// into a fresh host tensor. Must be called with sa.mu held.
func (sa *ShardedArray) lockedDownloadFragment(p int) (*tensors.Tensor, error) {
	placement := sa.placements[p]
	fragment := tensors.FromShape(placement.Shape(sa.shape.DType))
	var copyErr error
	accessErr := fragment.MutableFlatData(func(flat any) {
		copyErr = sa.backend.BufferToFlatData(sa.buffers[p], flat)
	})
	if accessErr == nil {
		accessErr = copyErr
	}
	if accessErr != nil {
		return nil, errors.WithMessagef(accessErr, "downloading shard from device %d", placement.Device)
	}
	return fragment, nil
}

// hostBytesEqual compares the raw bytes of two host tensors.
func hostBytesEqual(a, b *tensors.Tensor) (bool, error) {
	var equal bool
	var innerErr error
	err := a.ConstBytes(func(aBytes []byte) {
		innerErr = b.ConstBytes(func(bBytes []byte) {
			equal = bytes.Equal(aBytes, bBytes)
		})
	})
	if err == nil {
		err = innerErr
	}
	return equal, err
}

// Finalize releases every fragment buffer back to the backend. It is
// idempotent; after it returns, other methods report the array as invalid.
func (sa *ShardedArray) Finalize() error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if sa.finalized {
		return nil
	}
	sa.finalized = true
	var firstErr error
	for i, buffer := range sa.buffers {
		if buffer == nil {
			continue
		}
		if err := sa.backend.BufferFinalize(buffer); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "finalizing shard %d (device %d)", i, sa.placements[i].Device)
		}
		sa.buffers[i] = nil
	}
	if klog.V(1).Enabled() {
		klog.Infof("sharding: finalized array %s", sa.id)
	}
	return firstErr
}

// String returns a short, human-readable description of the array.
func (sa *ShardedArray) String() string {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	state := ""
	if sa.finalized {
		state = ", finalized"
	}
	return fmt.Sprintf("ShardedArray(shape=%s, sharding=%s, devices=%v%s)", sa.shape, sa.spec, sa.devices, state)
}
