package hostgo

import (
	"fmt"
	"os"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharding/backends"
	"github.com/gomlx/sharding/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var backend backends.Backend

func init() {
	klog.InitFlags(nil)
}

func setup() {
	fmt.Printf("Available backends: %q\n", backends.List())
	if os.Getenv(backends.ConfigEnvVar) == "" {
		must.M(os.Setenv(backends.ConfigEnvVar, "host:4"))
	} else {
		fmt.Printf("\t$%s=%q\n", backends.ConfigEnvVar, os.Getenv(backends.ConfigEnvVar))
	}
	backend = backends.MustNew()
	fmt.Printf("Backend: %s, %s\n", backend.Name(), backend.Description())
}

func teardown() {
	backend.Finalize()
}

func TestMain(m *testing.M) {
	setup()
	code := m.Run()
	teardown()
	os.Exit(code)
}

func TestNewConfig(t *testing.T) {
	b, err := New("")
	require.NoError(t, err)
	assert.Equal(t, backends.DeviceNum(1), b.NumDevices())

	b, err = New("8")
	require.NoError(t, err)
	assert.Equal(t, backends.DeviceNum(8), b.NumDevices())
	assert.Equal(t, BackendName, b.Name())

	_, err = New("0")
	require.Error(t, err)
	_, err = New("-2")
	require.Error(t, err)
	_, err = New("two")
	require.Error(t, err)

	// Through the registry.
	b, err = backends.NewWithConfig("host:3")
	require.NoError(t, err)
	assert.Equal(t, backends.DeviceNum(3), b.NumDevices())

	_, err = backends.NewWithConfig("no-such-backend:3")
	require.Error(t, err)
	require.Panics(t, func() { backends.MustNewWithConfig("host:zero") })
}

func TestBufferRoundTrip(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2, 3)
	data := []float32{1, 2, 3, 4, 5, 6}

	buffer, err := backend.BufferFromFlatData(1, data, shape)
	require.NoError(t, err)

	gotShape, err := backend.BufferShape(buffer)
	require.NoError(t, err)
	require.True(t, shape.Equal(gotShape))

	deviceNum, err := backend.BufferDeviceNum(buffer)
	require.NoError(t, err)
	require.Equal(t, backends.DeviceNum(1), deviceNum)

	// The buffer holds a copy: mutating the source afterward must not be visible.
	data[0] = 100
	got := make([]float32, 6)
	require.NoError(t, backend.BufferToFlatData(buffer, got))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got)

	// Mismatched flat slices are rejected.
	require.Error(t, backend.BufferToFlatData(buffer, make([]float32, 5)))
	require.Error(t, backend.BufferToFlatData(buffer, make([]float64, 6)))
	require.Error(t, backend.BufferToFlatData(buffer, "not a slice"))

	require.NoError(t, backend.BufferFinalize(buffer))
	// After finalizing, the buffer can no longer be used.
	_, err = backend.BufferShape(buffer)
	require.Error(t, err)
	require.Error(t, backend.BufferFinalize(buffer))
}

func TestBufferFromFlatDataValidation(t *testing.T) {
	shape := shapes.Make(dtypes.Int32, 2)

	// Device out of range.
	_, err := backend.BufferFromFlatData(backend.NumDevices(), []int32{1, 2}, shape)
	require.Error(t, err)
	_, err = backend.BufferFromFlatData(-1, []int32{1, 2}, shape)
	require.Error(t, err)

	// Wrong dtype and wrong size.
	_, err = backend.BufferFromFlatData(0, []int64{1, 2}, shape)
	require.Error(t, err)
	_, err = backend.BufferFromFlatData(0, []int32{1, 2, 3}, shape)
	require.Error(t, err)
}

func TestSharedBuffers(t *testing.T) {
	require.True(t, backend.HasSharedBuffers())

	shape := shapes.Make(dtypes.Int64, 3)
	buffer, flatAny, err := backend.NewSharedBuffer(2, shape)
	require.NoError(t, err)
	flat := flatAny.([]int64)
	require.Equal(t, []int64{0, 0, 0}, flat)

	// Mutations through the shared slice are visible through BufferData.
	flat[1] = 42
	dataAny, err := backend.BufferData(buffer)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 42, 0}, dataAny.([]int64))

	deviceNum, err := backend.BufferDeviceNum(buffer)
	require.NoError(t, err)
	assert.Equal(t, backends.DeviceNum(2), deviceNum)

	require.NoError(t, backend.BufferFinalize(buffer))

	_, _, err = backend.NewSharedBuffer(backend.NumDevices(), shape)
	require.Error(t, err)
}

func TestZeroSizeBuffers(t *testing.T) {
	shape := shapes.Make(dtypes.Float64, 2, 0)
	buffer, err := backend.BufferFromFlatData(0, []float64{}, shape)
	require.NoError(t, err)

	gotShape, err := backend.BufferShape(buffer)
	require.NoError(t, err)
	require.True(t, shape.Equal(gotShape))
	require.Equal(t, 0, gotShape.Size())

	got := make([]float64, 0)
	require.NoError(t, backend.BufferToFlatData(buffer, got))
	require.NoError(t, backend.BufferFinalize(buffer))
}

func TestFinalizedBackend(t *testing.T) {
	b := must.M1(New("2"))
	shape := shapes.Make(dtypes.Float32, 2)
	buffer, err := b.BufferFromFlatData(0, []float32{1, 2}, shape)
	require.NoError(t, err)
	require.NoError(t, b.BufferFinalize(buffer))

	b.Finalize()
	_, err = b.BufferFromFlatData(0, []float32{1, 2}, shape)
	require.Error(t, err)
	_, _, err = b.NewSharedBuffer(0, shape)
	require.Error(t, err)
}
