// Package hostgo implements an in-process backend with a configurable number of virtual
// host devices.
//
// Every "device" is just a region of host memory, so transfers are plain copies. It is the
// reference data plane for the sharding package: it lets one exercise multi-device placement,
// replication and reassembly on a single machine, and it is what the package tests run against.
//
// The backend is registered under the name "host". The configuration string holds the number
// of virtual devices, e.g. "host:8" creates 8 devices; an empty configuration creates 1.
package hostgo

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gomlx/sharding/backends"
	"github.com/pkg/errors"
)

// BackendName to be used in GOMLX_BACKEND to specify this backend.
const BackendName = "host"

// Registers New() as the constructor for the "host" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a hostgo Backend.
//
// The config string is the number of virtual devices. If empty, it defaults to 1.
func New(config string) (backends.Backend, error) {
	numDevices := 1
	if config != "" {
		var err error
		numDevices, err = strconv.Atoi(config)
		if err != nil {
			return nil, errors.Wrapf(err, "%q backend configuration must be the number of virtual devices, got %q",
				BackendName, config)
		}
	}
	if numDevices < 1 {
		return nil, errors.Errorf("%q backend requires at least 1 virtual device, got %d", BackendName, numDevices)
	}
	return &Backend{numDevices: backends.DeviceNum(numDevices)}, nil
}

// Backend implements the backends.Backend interface over virtual host devices.
type Backend struct {
	numDevices backends.DeviceNum

	// bufferPools are a map to pools of buffers that can be reused.
	// The underlying type is map[bufferPoolKey]*sync.Pool.
	bufferPools sync.Map

	finalized atomic.Bool
}

// Compile-time check that hostgo.Backend implements backends.Backend.
var (
	_ backends.Backend       = (*Backend)(nil)
	_ backends.DataInterface = (*Backend)(nil)
)

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string {
	return fmt.Sprintf("%s (%d devices)", BackendName, b.numDevices)
}

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("In-process host backend with %d virtual device(s)", b.numDevices)
}

// NumDevices returns the number of virtual devices configured for this Backend.
func (b *Backend) NumDevices() backends.DeviceNum {
	return b.numDevices
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
// Buffers created by the backend must not be used afterward.
func (b *Backend) Finalize() {
	b.finalized.Store(true)
	b.bufferPools.Clear()
}

// checkValid returns an error if the backend has been finalized.
func (b *Backend) checkValid() error {
	if b.finalized.Load() {
		return errors.Errorf("%q backend has been finalized", BackendName)
	}
	return nil
}

// checkDevice returns an error if deviceNum is not a valid device for this backend.
func (b *Backend) checkDevice(deviceNum backends.DeviceNum) error {
	if deviceNum < 0 || deviceNum >= b.numDevices {
		return errors.Errorf("deviceNum %d out of range for backend %q with %d device(s)",
			deviceNum, BackendName, b.numDevices)
	}
	return nil
}
