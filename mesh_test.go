package sharding_test

import (
	"testing"

	"github.com/gomlx/sharding"
	"github.com/gomlx/sharding/backends"
	"github.com/gomlx/sharding/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNameValid(t *testing.T) {
	valid := []string{"data", "model", "x", "Replica_0", "a1_b2"}
	for _, name := range valid {
		assert.True(t, sharding.IsNameValid(name), "IsNameValid(%q)", name)
	}
	invalid := []string{"", "1data", "with space", "pipe|line", "então", "a-b"}
	for _, name := range invalid {
		assert.False(t, sharding.IsNameValid(name), "IsNameValid(%q)", name)
	}
}

func TestNewDeviceMesh(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		m, err := sharding.NewDeviceMesh(backend, []int{2, 2}, []string{"data", "model"})
		require.NoError(t, err)
		assert.Equal(t, 4, m.NumDevices())
		assert.Equal(t, 2, m.Rank())
		assert.Equal(t, []string{"data", "model"}, m.AxesNames())
		assert.Equal(t, []int{2, 2}, m.AxesSizes())
		assert.Equal(t, []backends.DeviceNum{0, 1, 2, 3}, m.Devices())
		assert.Same(t, backend, m.Backend())
		assert.Equal(t, "DeviceMesh(axesSizes={data: 2, model: 2})", m.String())

		size, err := m.AxisSize("model")
		require.NoError(t, err)
		assert.Equal(t, 2, size)
		_, err = m.AxisSize("batch")
		assert.ErrorContains(t, err, `mesh axis "batch" not found`)

		// Returned slices are copies.
		m.AxesSizes()[0] = 7
		assert.Equal(t, []int{2, 2}, m.AxesSizes())
		m.Devices()[0] = 7
		assert.Equal(t, []backends.DeviceNum{0, 1, 2, 3}, m.Devices())
	})

	t.Run("Errors", func(t *testing.T) {
		tests := []struct {
			name      string
			axesSizes []int
			axesNames []string
			wantErr   string
		}{
			{"length mismatch", []int{2, 2}, []string{"data"},
				"must have the same length, got 2 and 1"},
			{"empty", nil, nil, "cannot be empty"},
			{"invalid name", []int{2}, []string{"1data"}, "is not a valid identifier"},
			{"empty name", []int{2}, []string{""}, "is not a valid identifier"},
			{"duplicate name", []int{2, 2}, []string{"data", "data"}, `axis name "data" is duplicated`},
			{"non-positive size", []int{2, 0}, []string{"data", "model"}, "must have a positive size"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := sharding.NewDeviceMesh(backend, tt.axesSizes, tt.axesNames)
				require.Error(t, err)
				assert.ErrorContains(t, err, tt.wantErr)
			})
		}

		_, err := sharding.NewDeviceMesh(nil, []int{2}, []string{"data"})
		require.Error(t, err)

		// One more device than the backend has.
		tooMany := int(backend.NumDevices()) + 1
		_, err = sharding.NewDeviceMesh(backend, []int{tooMany}, []string{"data"})
		require.Error(t, err)
		assert.ErrorContains(t, err, "devices, but backend")
	})
}

func TestSetDeviceAssignment(t *testing.T) {
	m, err := sharding.NewDeviceMesh(backend, []int{2, 2}, []string{"data", "model"})
	require.NoError(t, err)

	require.NoError(t, m.SetDeviceAssignment(3, 2, 1, 0))
	assert.Equal(t, []backends.DeviceNum{3, 2, 1, 0}, m.Devices())

	flatIdx, coords, err := m.DeviceToMesh(3)
	require.NoError(t, err)
	assert.Equal(t, 0, flatIdx)
	assert.Equal(t, []int{0, 0}, coords)

	// No arguments resets the sequential assignment.
	require.NoError(t, m.SetDeviceAssignment())
	assert.Equal(t, []backends.DeviceNum{0, 1, 2, 3}, m.Devices())

	err = m.SetDeviceAssignment(0, 1, 2)
	assert.ErrorContains(t, err, "devices must have 4 elements, got 3")
	err = m.SetDeviceAssignment(0, 1, 2, 2)
	assert.ErrorContains(t, err, "is duplicated in the assignment")
	err = m.SetDeviceAssignment(0, 1, 2, backend.NumDevices())
	assert.ErrorContains(t, err, "is out of range")
	err = m.SetDeviceAssignment(0, 1, 2, -1)
	assert.ErrorContains(t, err, "device -1 is out of range")

	// Failed assignments leave the mesh untouched.
	assert.Equal(t, []backends.DeviceNum{0, 1, 2, 3}, m.Devices())
}

func TestDeviceToMesh(t *testing.T) {
	t.Run("1D", func(t *testing.T) {
		m, err := sharding.NewDeviceMesh(backend, []int{4}, []string{"data"})
		require.NoError(t, err)
		for device := backends.DeviceNum(0); device < 4; device++ {
			flatIdx, coords, err := m.DeviceToMesh(device)
			require.NoError(t, err)
			assert.Equal(t, int(device), flatIdx)
			assert.Equal(t, []int{int(device)}, coords)
		}
	})

	t.Run("2D", func(t *testing.T) {
		m, err := sharding.NewDeviceMesh(backend, []int{2, 3}, []string{"data", "model"})
		require.NoError(t, err)
		flatIdx, coords, err := m.DeviceToMesh(4)
		require.NoError(t, err)
		assert.Equal(t, 4, flatIdx)
		assert.Equal(t, []int{1, 1}, coords)

		_, _, err = m.DeviceToMesh(6)
		assert.ErrorContains(t, err, "physical device 6 is not part of the mesh")
	})

	t.Run("CustomAssignment", func(t *testing.T) {
		m, err := sharding.NewDeviceMesh(backend, []int{2, 2}, []string{"data", "model"})
		require.NoError(t, err)
		require.NoError(t, m.SetDeviceAssignment(4, 5, 6, 7))
		flatIdx, coords, err := m.DeviceToMesh(6)
		require.NoError(t, err)
		assert.Equal(t, 2, flatIdx)
		assert.Equal(t, []int{1, 0}, coords)
		_, _, err = m.DeviceToMesh(0)
		assert.ErrorContains(t, err, "physical device 0 is not part of the mesh")
	})
}

func TestComputeReplicaGroups(t *testing.T) {
	t.Run("2D", func(t *testing.T) {
		m, err := sharding.NewDeviceMesh(backend, []int{2, 2}, []string{"batch", "data"})
		require.NoError(t, err)

		groups, err := m.ComputeReplicaGroups([]string{"batch"})
		require.NoError(t, err)
		assert.Equal(t, [][]backends.DeviceNum{{0, 2}, {1, 3}}, groups)

		groups, err = m.ComputeReplicaGroups([]string{"data"})
		require.NoError(t, err)
		assert.Equal(t, [][]backends.DeviceNum{{0, 1}, {2, 3}}, groups)

		groups, err = m.ComputeReplicaGroups([]string{"batch", "data"})
		require.NoError(t, err)
		assert.Equal(t, [][]backends.DeviceNum{{0, 1, 2, 3}}, groups)

		groups, err = m.ComputeReplicaGroups(nil)
		require.NoError(t, err)
		assert.Equal(t, [][]backends.DeviceNum{{0}, {1}, {2}, {3}}, groups)
	})

	t.Run("3D", func(t *testing.T) {
		m, err := sharding.NewDeviceMesh(backend, []int{2, 2, 2}, []string{"x", "y", "z"})
		require.NoError(t, err)
		groups, err := m.ComputeReplicaGroups([]string{"y"})
		require.NoError(t, err)
		assert.Equal(t, [][]backends.DeviceNum{{0, 2}, {1, 3}, {4, 6}, {5, 7}}, groups)
	})

	t.Run("CustomAssignment", func(t *testing.T) {
		m, err := sharding.NewDeviceMesh(backend, []int{2, 2}, []string{"batch", "data"})
		require.NoError(t, err)
		require.NoError(t, m.SetDeviceAssignment(7, 6, 5, 4))
		groups, err := m.ComputeReplicaGroups([]string{"data"})
		require.NoError(t, err)
		assert.Equal(t, [][]backends.DeviceNum{{7, 6}, {5, 4}}, groups)
	})

	t.Run("Errors", func(t *testing.T) {
		m, err := sharding.NewDeviceMesh(backend, []int{2, 2}, []string{"batch", "data"})
		require.NoError(t, err)
		_, err = m.ComputeReplicaGroups([]string{"nope"})
		assert.ErrorContains(t, err, `axis "nope" not found in mesh`)
		_, err = m.ComputeReplicaGroups([]string{"batch", "batch"})
		assert.ErrorContains(t, err, "is duplicated")
	})
}

func TestPartition(t *testing.T) {
	m, err := sharding.NewDeviceMesh(backend, []int{2, 2}, []string{"data", "model"})
	require.NoError(t, err)

	t.Run("FullTiling", func(t *testing.T) {
		spec, devices, err := m.Partition(sharding.AxisSpec{"data"}, sharding.AxisSpec{"model"})
		require.NoError(t, err)
		assert.True(t, spec.Equal(sharding.IotaTile(2, 2)))
		assert.Equal(t, []backends.DeviceNum{0, 1, 2, 3}, devices)
	})

	t.Run("Transposed", func(t *testing.T) {
		// Tensor axis 0 sharded over "model" (the fast mesh axis): the
		// device enumeration has to hop rows of the mesh.
		spec, devices, err := m.Partition(sharding.AxisSpec{"model"}, sharding.AxisSpec{"data"})
		require.NoError(t, err)
		assert.True(t, spec.Equal(sharding.IotaTile(2, 2)))
		assert.Equal(t, []backends.DeviceNum{0, 2, 1, 3}, devices)
	})

	t.Run("PartialReplication", func(t *testing.T) {
		spec, devices, err := m.Partition(sharding.AxisSpec{"data"}, sharding.ReplicatedAxis)
		require.NoError(t, err)
		assert.True(t, spec.Equal(sharding.PartialTile(2, 1, 2)))
		assert.Equal(t, []backends.DeviceNum{0, 1, 2, 3}, devices)
	})

	t.Run("MultipleMeshAxesPerTensorAxis", func(t *testing.T) {
		spec, devices, err := m.Partition(sharding.AxisSpec{"data", "model"})
		require.NoError(t, err)
		assert.True(t, spec.Equal(sharding.IotaTile(4)))
		assert.Equal(t, []backends.DeviceNum{0, 1, 2, 3}, devices)

		spec, devices, err = m.Partition(sharding.AxisSpec{"model", "data"})
		require.NoError(t, err)
		assert.True(t, spec.Equal(sharding.IotaTile(4)))
		assert.Equal(t, []backends.DeviceNum{0, 2, 1, 3}, devices)
	})

	t.Run("FullyReplicated", func(t *testing.T) {
		spec, devices, err := m.Partition()
		require.NoError(t, err)
		assert.True(t, spec.IsReplicated())
		assert.Equal(t, []backends.DeviceNum{0, 1, 2, 3}, devices)
	})

	t.Run("CustomAssignment", func(t *testing.T) {
		m2, err := sharding.NewDeviceMesh(backend, []int{2, 2}, []string{"data", "model"})
		require.NoError(t, err)
		require.NoError(t, m2.SetDeviceAssignment(3, 2, 1, 0))
		_, devices, err := m2.Partition(sharding.AxisSpec{"data"}, sharding.AxisSpec{"model"})
		require.NoError(t, err)
		assert.Equal(t, []backends.DeviceNum{3, 2, 1, 0}, devices)
	})

	t.Run("Errors", func(t *testing.T) {
		_, _, err := m.Partition(sharding.AxisSpec{"nope"}, sharding.ReplicatedAxis)
		assert.ErrorContains(t, err, `AxisSpec of tensor axis #0 refers to unknown mesh axis "nope"`)
		_, _, err = m.Partition(sharding.AxisSpec{"data"}, sharding.AxisSpec{"data"})
		assert.ErrorContains(t, err, `mesh axis "data" used more than once`)
	})

	t.Run("EndToEnd", func(t *testing.T) {
		// Rows sharded 2-way over "data", each row tile replicated across
		// the 2 "model" devices.
		spec, devices, err := m.Partition(sharding.AxisSpec{"data"}, sharding.ReplicatedAxis)
		require.NoError(t, err)

		source := tensors.FromValue([][]int32{{1, 2}, {3, 4}})
		sa, err := sharding.Assemble(backend, source, spec, devices)
		require.NoError(t, err)
		defer func() { require.NoError(t, sa.Finalize()) }()

		assert.Equal(t, [][]int32{{1, 2}, {1, 2}, {3, 4}, {3, 4}}, shardValues[int32](t, sa))

		rebuilt, err := sa.Reassemble()
		require.NoError(t, err)
		assert.True(t, rebuilt.Equal(source))
	})
}
