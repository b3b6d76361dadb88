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

// Package sharding partitions dense host arrays (tensors) across the devices
// of a backends.Backend.
//
// Given an N-dimensional host tensor, a declarative sharding Spec and an
// ordered list of devices, Assemble materializes one array fragment (a
// "shard") per device and returns a ShardedArray that tracks where each
// piece of the original array lives. ShardedArray.Reassemble reverses the
// process and rebuilds the original tensor bit-for-bit.
//
// A Spec takes one of the following forms:
//
//   - Replicate(): every device holds a complete copy of the array.
//   - IotaTile(2, 2): the array is split in a 2x2 grid of tiles, one tile
//     per device, devices enumerated in their natural order.
//   - TileWithOrder([]int{2, 2}, 3, 2, 1, 0): same grid, but the devices are
//     bound to tiles following the explicit enumeration order.
//   - PartialTile(1, 2, 2): the last grid axis does not split the array, it
//     replicates each tile over a group of devices (here the columns of a
//     2-column array are each held by a group of 2 devices).
//
// Splits are contiguous and even, with ceiling division when an axis extent
// is not divisible by its shard count: interior shards all have the maximal
// shape (see Spec.ShardShape) and the last shard on an uneven axis is
// shorter, possibly empty.
//
// Example (4 host "devices"):
//
//	backend := backends.MustNewWithConfig("host:4")
//	x := tensors.FromValue([][]float32{{1, 2}, {3, 4}})
//	sharded := must.M1(sharding.Assemble(backend, x, sharding.IotaTile(2, 1),
//		[]backends.DeviceNum{0, 1}))
//	// Device 0 holds [[1, 2]], device 1 holds [[3, 4]].
//	back := must.M1(sharded.Reassemble())
//	// back.Equal(x) == true, always.
//	must.M(sharded.Finalize())
//
// The DeviceMesh type offers a named-axes layer on top (the usual "data",
// "model" mesh organization) that lowers to a plain Spec plus device list.
package sharding

import (
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sharding/types/sets"
)

// Spec describes how an array is partitioned across an ordered list of
// devices: a grid of tile extents matched to the array axes, an optional
// trailing replication extent, and an optional explicit device enumeration
// order. The zero value is not valid; use one of the constructors.
//
// Specs are immutable values: constructors normalize all forms into the same
// internal representation, so e.g. PartialTile(2, 1) and IotaTile(2) are
// Equal.
type Spec struct {
	// replicated marks full replication: every device holds a complete copy,
	// whatever the array rank and the device list length.
	replicated bool

	// tileDims is the device grid over the array axes, one extent per axis.
	tileDims []int

	// replicas is the number of devices holding identical copies of each
	// tile: always 1 for plain tiles, >1 when the constructor's last grid
	// axis is a replication axis. Zero only for the replicated marker.
	replicas int

	// order maps enumeration positions to indices in the device list.
	// nil is the natural (iota) order.
	order []int
}

// Replicate returns the fully replicated sharding: every device in the list
// given to Assemble receives a complete copy of the array. It applies to
// arrays of any rank and device lists of any length.
func Replicate() Spec {
	return Spec{replicated: true}
}

// IotaTile returns a tiled sharding over a device grid with the given
// extents, one per array axis, with grid cells bound to devices in their
// natural ("iota") enumeration order. IotaTile() with no extents is the
// rank-0 grid: a single device holding the whole array.
//
// It panics if any extent is not positive.
func IotaTile(gridDims ...int) Spec {
	checkGridDims("IotaTile", gridDims)
	return Spec{tileDims: slices.Clone(gridDims), replicas: 1}
}

// TileWithOrder is IotaTile with an explicit device enumeration order: grid
// cell at enumeration position p is bound to devices[order[p]] instead of
// devices[p]. order must be a permutation of 0..n-1, where n is the product
// of the grid extents.
//
// It panics if any extent is not positive or order is not a permutation.
func TileWithOrder(gridDims []int, order ...int) Spec {
	checkGridDims("TileWithOrder", gridDims)
	s := Spec{tileDims: slices.Clone(gridDims), replicas: 1}
	s.order = checkOrder("TileWithOrder", s.NumDevices(), order)
	return s
}

// PartialTile returns a partially tiled sharding: the last grid extent does
// not split an array axis, it is the size of the replication group holding
// identical copies of each tile. PartialTile(1, 2, 2) over a matrix splits
// its columns in two and gives each column to a group of 2 devices.
//
// A trailing extent of 1 normalizes to the equivalent plain tile.
//
// It panics if no extents are given or any extent is not positive.
func PartialTile(gridDims ...int) Spec {
	if len(gridDims) == 0 {
		exceptions.Panicf("sharding.PartialTile requires at least the trailing replication extent, got no grid dimensions")
	}
	checkGridDims("PartialTile", gridDims)
	return Spec{
		tileDims: slices.Clone(gridDims[:len(gridDims)-1]),
		replicas: gridDims[len(gridDims)-1],
	}
}

// PartialTileWithOrder is PartialTile with an explicit device enumeration
// order, covering the full grid including the trailing replication extent.
//
// It panics if no extents are given, any extent is not positive, or order is
// not a permutation of 0..n-1 where n is the product of all grid extents.
func PartialTileWithOrder(gridDims []int, order ...int) Spec {
	if len(gridDims) == 0 {
		exceptions.Panicf("sharding.PartialTileWithOrder requires at least the trailing replication extent, got no grid dimensions")
	}
	checkGridDims("PartialTileWithOrder", gridDims)
	s := Spec{
		tileDims: slices.Clone(gridDims[:len(gridDims)-1]),
		replicas: gridDims[len(gridDims)-1],
	}
	s.order = checkOrder("PartialTileWithOrder", s.NumDevices(), order)
	return s
}

// checkGridDims panics if any grid extent is not positive.
func checkGridDims(constructor string, gridDims []int) {
	for _, dim := range gridDims {
		if dim <= 0 {
			exceptions.Panicf("sharding.%s: grid dimensions must be positive, got %v", constructor, gridDims)
		}
	}
}

// checkOrder panics if order is not a permutation of 0..numDevices-1.
// It returns a copy of order, normalized to nil if it is the identity.
func checkOrder(constructor string, numDevices int, order []int) []int {
	if len(order) != numDevices {
		exceptions.Panicf("sharding.%s: order must have one entry per device of the grid, got %d entries for %d devices",
			constructor, len(order), numDevices)
	}
	identity := true
	seen := sets.Make[int](numDevices)
	for p, idx := range order {
		if idx < 0 || idx >= numDevices || seen.Has(idx) {
			exceptions.Panicf("sharding.%s: order must be a permutation of 0..%d, got %v",
				constructor, numDevices-1, order)
		}
		seen.Insert(idx)
		identity = identity && idx == p
	}
	if identity {
		return nil
	}
	return slices.Clone(order)
}

// IsReplicated reports whether the spec is the full-replication marker
// created by Replicate.
func (s Spec) IsReplicated() bool {
	return s.replicated
}

// HasReplication reports whether more than one device holds each fragment:
// true for Replicate() and for partial tiles with a replication extent > 1.
func (s Spec) HasReplication() bool {
	return s.replicated || s.replicas > 1
}

// TileDims returns a copy of the tiling grid extents, one per array axis,
// without the replication extent. It is nil for Replicate().
func (s Spec) TileDims() []int {
	return slices.Clone(s.tileDims)
}

// ReplicaCount returns the number of devices holding identical copies of
// each tile: 1 for plain tiles, the trailing grid extent for partial tiles.
// For Replicate() it returns 0, meaning the count is the length of whatever
// device list the spec is used with.
func (s Spec) ReplicaCount() int {
	if s.replicated {
		return 0
	}
	return s.replicas
}

// NumDevices returns the number of devices the spec requires: the product of
// the grid extents, including replication. For Replicate() it returns 0,
// meaning any non-empty device list is accepted.
func (s Spec) NumDevices() int {
	if s.replicated {
		return 0
	}
	n := s.replicas
	for _, dim := range s.tileDims {
		n *= dim
	}
	return n
}

// DeviceOrder returns a copy of the explicit device enumeration order, or
// nil when devices are enumerated in the natural (iota) order.
func (s Spec) DeviceOrder() []int {
	return slices.Clone(s.order)
}

// Rank returns the number of array axes the spec tiles, which must match the
// rank of the arrays it is applied to. It returns -1 for Replicate(), which
// applies to any rank.
func (s Spec) Rank() int {
	if s.replicated {
		return -1
	}
	return len(s.tileDims)
}

// String renders the sharding in the HLO text form: "{replicated}",
// "{devices=[2,2]}" for an iota tile, "{devices=[2,2]3,2,1,0}" with an
// explicit order, and "{devices=[1,2,2] last_tile_dim_replicate}" for a
// partial tile whose last grid extent replicates.
func (s Spec) String() string {
	if s.replicated {
		return "{replicated}"
	}
	var sb strings.Builder
	sb.WriteString("{devices=[")
	for i, dim := range s.tileDims {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(dim))
	}
	if s.replicas > 1 {
		if len(s.tileDims) > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(s.replicas))
	}
	sb.WriteByte(']')
	for p, idx := range s.order {
		if p > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(idx))
	}
	if s.replicas > 1 {
		sb.WriteString(" last_tile_dim_replicate")
	}
	sb.WriteByte('}')
	return sb.String()
}

// Equal reports whether the two specs describe the same sharding, comparing
// the normalized forms: PartialTile(2, 1).Equal(IotaTile(2)) is true, and a
// spec built with the identity order equals its order-free form.
func (s Spec) Equal(other Spec) bool {
	return s.replicated == other.replicated &&
		s.replicas == other.replicas &&
		slices.Equal(s.tileDims, other.tileDims) &&
		slices.Equal(s.order, other.order)
}
