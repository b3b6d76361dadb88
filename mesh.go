package sharding

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/sharding/backends"
	"github.com/gomlx/sharding/types/sets"
	"github.com/pkg/errors"
)

// DeviceMesh organizes the devices of a backend as a logical grid with named
// axes -- the usual "data"/"model" organization of distributed training. It
// is a convenience layer: Partition lowers a per-tensor-axis description
// into a plain Spec plus the device list in canonical enumeration order,
// ready for Assemble.
type DeviceMesh struct {
	backend backends.Backend

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of devices in the mesh.
	numDevices int

	// assignment[flatIdx] is the physical device at mesh position flatIdx
	// (row-major over the mesh axes); deviceToFlat is its inverse.
	assignment   []backends.DeviceNum
	deviceToFlat map[backends.DeviceNum]int
}

// IsNameValid checks whether a name is a valid identifier for a mesh axis
// name: an ASCII letter followed by letters, numbers or underscores.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a logical topology over the backend's devices.
//
//   - axesSizes: the number of devices along each mesh axis, one value per
//     axis. Their product is the mesh's device count and must not exceed the
//     backend's.
//   - axesNames: the name of each mesh axis, e.g. "data", "model". Names
//     must be unique, valid identifiers (see IsNameValid).
//
// The mesh starts with the sequential device assignment 0, 1, 2, ...; use
// SetDeviceAssignment to place other devices (or the same ones in another
// order) on the grid.
func NewDeviceMesh(backend backends.Backend, axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if backend == nil {
		return nil, errors.New("NewDeviceMesh requires a non-nil backend")
	}
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}

	axesNames = slices.Clone(axesNames)
	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with an ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] < 1 {
			return nil, errors.Errorf("DeviceMesh axis %q must have a positive size, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numDevices *= axesSizes[i]
	}
	if numDevices > int(backend.NumDevices()) {
		return nil, errors.Errorf("DeviceMesh of %v requires %d devices, but backend %q only has %d",
			axesSizes, numDevices, backend.Name(), backend.NumDevices())
	}

	m := &DeviceMesh{
		backend:      backend,
		axesNames:    axesNames,
		axesSizes:    slices.Clone(axesSizes),
		nameToAxis:   nameToAxis,
		numDevices:   numDevices,
		assignment:   make([]backends.DeviceNum, numDevices),
		deviceToFlat: make(map[backends.DeviceNum]int, numDevices),
	}
	for flatIdx := range m.assignment {
		m.assignment[flatIdx] = backends.DeviceNum(flatIdx)
		m.deviceToFlat[backends.DeviceNum(flatIdx)] = flatIdx
	}
	return m, nil
}

// Backend the mesh was built for.
func (m *DeviceMesh) Backend() backends.Backend {
	return m.backend
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axis sizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of devices along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// Devices returns a copy of the physical devices of the mesh, in row-major
// mesh order.
func (m *DeviceMesh) Devices() []backends.DeviceNum {
	return slices.Clone(m.assignment)
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// SetDeviceAssignment sets which physical device sits at each mesh position,
// in row-major mesh order. It must list exactly NumDevices() distinct
// devices of the backend. Called with no arguments, it resets the default
// sequential assignment.
func (m *DeviceMesh) SetDeviceAssignment(devices ...backends.DeviceNum) error {
	if len(devices) == 0 {
		for flatIdx := range m.assignment {
			m.assignment[flatIdx] = backends.DeviceNum(flatIdx)
		}
	} else {
		if len(devices) != m.numDevices {
			return errors.Errorf("devices must have %d elements, got %d", m.numDevices, len(devices))
		}
		seen := sets.Make[backends.DeviceNum](m.numDevices)
		for _, device := range devices {
			if seen.Has(device) {
				return errors.Errorf("physical device #%d is duplicated in the assignment", device)
			}
			seen.Insert(device)
			if device < 0 || device >= m.backend.NumDevices() {
				return errors.Errorf("device %d is out of range, backend %q has devices 0 to %d",
					device, m.backend.Name(), m.backend.NumDevices()-1)
			}
		}
		m.assignment = slices.Clone(devices)
	}
	clear(m.deviceToFlat)
	for flatIdx, device := range m.assignment {
		m.deviceToFlat[device] = flatIdx
	}
	return nil
}

// DeviceToMesh locates a physical device on the mesh: its flat (row-major)
// index and its coordinates along each mesh axis.
func (m *DeviceMesh) DeviceToMesh(device backends.DeviceNum) (flatIdx int, axisIndices []int, err error) {
	flatIdx, found := m.deviceToFlat[device]
	if !found {
		return 0, nil, errors.Errorf("physical device %d is not part of the mesh %s", device, m)
	}
	axisIndices = make([]int, len(m.axesSizes))
	remaining := flatIdx
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		axisIndices[i] = remaining % m.axesSizes[i]
		remaining /= m.axesSizes[i]
	}
	return flatIdx, axisIndices, nil
}

// ComputeReplicaGroups returns the groups of devices participating in some
// collective operation performed along the given mesh axes: devices that
// differ only on those axes are in the same group. The remaining axes split
// the mesh into different groups.
//
// Example:
//
//	m, _ := NewDeviceMesh(backend, []int{2, 2}, []string{"batch", "data"})
//	batchGroups, _ := m.ComputeReplicaGroups([]string{"batch"}) // -> {{0, 2}, {1, 3}}
//	dataGroups, _ := m.ComputeReplicaGroups([]string{"data"})   // -> {{0, 1}, {2, 3}}
//	allGroups, _ := m.ComputeReplicaGroups([]string{"batch", "data"}) // -> {{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]backends.DeviceNum, error) {
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		axisSet.Insert(idx)
	}
	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	groups := make([][]backends.DeviceNum, m.numDevices/groupSize)
	for i := range groups {
		groups[i] = make([]backends.DeviceNum, groupSize)
	}

	for flatIdx := 0; flatIdx < m.numDevices; flatIdx++ {
		indices := make([]int, len(m.axesSizes))
		remaining := flatIdx
		for i := len(m.axesSizes) - 1; i >= 0; i-- {
			indices[i] = remaining % m.axesSizes[i]
			remaining /= m.axesSizes[i]
		}

		groupIdx := 0
		multiplier := 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			axisIdx := axisIndices[i]
			posInGroup += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		groups[groupIdx][posInGroup] = m.assignment[flatIdx]
	}
	return groups, nil
}

// AxisSpec lists the mesh axes that shard one tensor axis, in major-to-minor
// order. An empty (or nil) AxisSpec leaves the tensor axis unsharded.
type AxisSpec []string

// ReplicatedAxis is the AxisSpec of a tensor axis that is not sharded.
var ReplicatedAxis = AxisSpec(nil)

// Partition lowers a per-tensor-axis sharding description into a Spec and
// the device list in canonical enumeration order, ready for Assemble: one
// AxisSpec per tensor axis, naming the mesh axes that shard it (their sizes
// multiply when there is more than one). Mesh axes not named anywhere
// replicate each tile across their devices; each mesh axis can be named at
// most once.
//
// Partition with no arguments returns the fully replicated partition over
// the whole mesh.
//
// Example, on a 2x2 {"data", "model"} mesh:
//
//	// Shard rows over "data" (2-way), replicate columns over "model":
//	spec, devices, _ := m.Partition(sharding.AxisSpec{"data"}, sharding.ReplicatedAxis)
//	// spec = PartialTile(2, 1, 2), devices = {0, 1, 2, 3}.
//	sharded, _ := sharding.Assemble(backend, x, spec, devices)
func (m *DeviceMesh) Partition(axes ...AxisSpec) (Spec, []backends.DeviceNum, error) {
	// meshAxesOrder is the mesh axes reordered by enumeration speed: the
	// axes sharding tensor axis 0 are slowest, unused (replication) axes
	// are fastest.
	meshAxesOrder := make([]int, 0, len(m.axesSizes))
	used := sets.Make[int](len(m.axesSizes))
	tileDims := make([]int, len(axes))
	for tensorAxis, axisSpec := range axes {
		tileDims[tensorAxis] = 1
		for _, name := range axisSpec {
			meshAxis, found := m.nameToAxis[name]
			if !found {
				return Spec{}, nil, errors.Errorf("AxisSpec of tensor axis #%d refers to unknown mesh axis %q",
					tensorAxis, name)
			}
			if used.Has(meshAxis) {
				return Spec{}, nil, errors.Errorf("mesh axis %q used more than once in the partition", name)
			}
			used.Insert(meshAxis)
			meshAxesOrder = append(meshAxesOrder, meshAxis)
			tileDims[tensorAxis] *= m.axesSizes[meshAxis]
		}
	}
	replicas := 1
	for meshAxis := range m.axesSizes {
		if !used.Has(meshAxis) {
			meshAxesOrder = append(meshAxesOrder, meshAxis)
			replicas *= m.axesSizes[meshAxis]
		}
	}

	devices := make([]backends.DeviceNum, m.numDevices)
	meshIndices := make([]int, len(m.axesSizes))
	for p := range devices {
		// Decompose p over the reordered axes, then compose the mesh's
		// row-major flat index.
		remaining := p
		for i := len(meshAxesOrder) - 1; i >= 0; i-- {
			meshAxis := meshAxesOrder[i]
			meshIndices[meshAxis] = remaining % m.axesSizes[meshAxis]
			remaining /= m.axesSizes[meshAxis]
		}
		flatIdx := 0
		for meshAxis, size := range m.axesSizes {
			flatIdx = flatIdx*size + meshIndices[meshAxis]
		}
		devices[p] = m.assignment[flatIdx]
	}

	if len(axes) == 0 {
		return Replicate(), devices, nil
	}
	var spec Spec
	if replicas > 1 {
		spec = PartialTile(append(tileDims, replicas)...)
	} else {
		spec = IotaTile(tileDims...)
	}
	return spec, devices, nil
}
