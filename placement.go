package sharding

import (
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharding/backends"
	"github.com/gomlx/sharding/types/sets"
	"github.com/gomlx/sharding/types/shapes"
	"github.com/pkg/errors"
)

// Interval is a half-open range [Start, End) of indices along one array axis.
type Interval struct {
	Start, End int
}

// Len returns the number of indices in the interval.
func (i Interval) Len() int {
	return i.End - i.Start
}

// Placement binds one enumeration position of the sharding grid to a device:
// which grid cell the device owns, which replica it is within the cell's
// replication group, and the slice of the original array it holds.
type Placement struct {
	// Device holding the fragment.
	Device backends.DeviceNum

	// Cell coordinates in the tiling grid, one per array axis.
	Cell []int

	// Replica index within the cell's replication group; 0 when the cell is
	// held by a single device.
	Replica int

	// Bounds of the fragment in the original array, one interval per axis.
	Bounds []Interval
}

// Shape returns the shape of the fragment the placement delimits.
func (p Placement) Shape(dtype dtypes.DType) shapes.Shape {
	dims := make([]int, len(p.Bounds))
	for i, bounds := range p.Bounds {
		dims[i] = bounds.Len()
	}
	return shapes.Make(dtype, dims...)
}

// dimsString renders dimensions in the bracketed, comma-separated form used
// by validation messages, e.g. [2,1,2].
func dimsString(dims []int) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, dim := range dims {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(dim))
	}
	sb.WriteByte(']')
	return sb.String()
}

// checkRank verifies a tiled spec's grid has one extent per array axis.
// Replicate() applies to any rank.
func (s Spec) checkRank(shape shapes.Shape) error {
	if !shape.Ok() {
		return errors.Errorf("cannot shard an invalid shape")
	}
	if s.replicated {
		return nil
	}
	if len(s.tileDims) != shape.Rank() {
		return errors.Wrapf(ErrRankMismatch,
			"shape must have %d dimensions, but has %d dimensions: shape=%s, sharding=%s",
			len(s.tileDims), shape.Rank(), dimsString(shape.Dimensions), s)
	}
	return nil
}

// validateDevices verifies the device list is non-empty, non-negative and
// duplicate-free. Whether the devices exist on a given backend is only known
// to Assemble, which checks the range separately.
func validateDevices(devices []backends.DeviceNum) error {
	if len(devices) == 0 {
		return errors.Wrap(ErrInvalidDeviceList, "device list must not be empty")
	}
	seen := sets.Make[backends.DeviceNum](len(devices))
	for pos, device := range devices {
		if device < 0 {
			return errors.Wrapf(ErrInvalidDeviceList,
				"device numbers must be non-negative, got device %d at position %d", device, pos)
		}
		if seen.Has(device) {
			return errors.Wrapf(ErrInvalidDeviceList,
				"device %d appears more than once in the device list", device)
		}
		seen.Insert(device)
	}
	return nil
}

// checkDeviceCount verifies the device list length matches the number of
// devices the spec requires. Replicate() accepts any length.
func (s Spec) checkDeviceCount(devices []backends.DeviceNum) error {
	if s.replicated {
		return nil
	}
	want := s.NumDevices()
	if want == 0 {
		return errors.Errorf("uninitialized sharding.Spec: use one of the constructors (IotaTile, PartialTile, Replicate, ...)")
	}
	if len(devices) != want {
		return errors.Wrapf(ErrDeviceCountMismatch,
			"sharding %s requires %d devices, but %d were given", s, want, len(devices))
	}
	return nil
}

// Validate checks the spec against an array shape and a device list without
// touching any backend: rank agreement for tiled specs, device-list
// integrity, and device count agreement, in this order. Failures wrap
// ErrRankMismatch, ErrInvalidDeviceList or ErrDeviceCountMismatch.
//
// Axis extents that do not divide evenly by their shard counts are not an
// error: see ShardShape for the uneven-split policy.
func (s Spec) Validate(shape shapes.Shape, devices []backends.DeviceNum) error {
	if err := s.checkRank(shape); err != nil {
		return err
	}
	if err := validateDevices(devices); err != nil {
		return err
	}
	return s.checkDeviceCount(devices)
}

// Placements resolves the sharding of an array shape over a device list: one
// Placement per device, in canonical enumeration order.
//
// Grid cells are enumerated in row-major order over the array axes (axis 0
// varies slowest), with the replication index varying fastest of all, and
// enumeration position p is bound to devices[order[p]] -- the natural (iota)
// order being the identity. Replicas of the same cell are therefore always
// consecutive in the result.
func (s Spec) Placements(shape shapes.Shape, devices []backends.DeviceNum) ([]Placement, error) {
	if err := s.Validate(shape, devices); err != nil {
		return nil, err
	}
	rank := shape.Rank()
	counts, replicas := s.tileCounts(rank, len(devices))
	cuts := axisCuts(shape.Dimensions, counts)
	placements := make([]Placement, len(devices))
	for p := range placements {
		replica := p % replicas
		cellFlat := p / replicas
		cell := make([]int, rank)
		for axis := rank - 1; axis >= 0; axis-- {
			cell[axis] = cellFlat % counts[axis]
			cellFlat /= counts[axis]
		}
		bounds := make([]Interval, rank)
		for axis, c := range cell {
			bounds[axis] = Interval{Start: cuts[axis][c], End: cuts[axis][c+1]}
		}
		pos := p
		if s.order != nil {
			pos = s.order[p]
		}
		placements[p] = Placement{
			Device:  devices[pos],
			Cell:    cell,
			Replica: replica,
			Bounds:  bounds,
		}
	}
	return placements, nil
}

// ReplicaGroups returns the groups of devices that hold identical fragments,
// one group per grid cell in enumeration order. Plain tiles yield singleton
// groups; Replicate() yields a single group with every device.
func (s Spec) ReplicaGroups(devices []backends.DeviceNum) ([][]backends.DeviceNum, error) {
	if err := validateDevices(devices); err != nil {
		return nil, err
	}
	if err := s.checkDeviceCount(devices); err != nil {
		return nil, err
	}
	replicas := s.replicas
	if s.replicated {
		replicas = len(devices)
	}
	groups := make([][]backends.DeviceNum, len(devices)/replicas)
	for g := range groups {
		group := make([]backends.DeviceNum, replicas)
		for r := range group {
			pos := g*replicas + r
			if s.order != nil {
				pos = s.order[pos]
			}
			group[r] = devices[pos]
		}
		groups[g] = group
	}
	return groups, nil
}
