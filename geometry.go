package sharding

import (
	"github.com/gomlx/sharding/types/shapes"
	"github.com/gomlx/sharding/types/xslices"
)

// ceilDiv returns ceil(numerator/denominator) for a positive denominator.
func ceilDiv(numerator, denominator int) int {
	return (numerator + denominator - 1) / denominator
}

// tileCounts resolves the effective geometry of the spec for an array of the
// given rank: the per-axis shard counts and the replication extent.
// Replicate() resolves to an all-ones grid replicated over every device.
//
// The rank must already have been validated against the spec.
func (s Spec) tileCounts(rank, numDevices int) (counts []int, replicas int) {
	if s.replicated {
		return xslices.SliceWithValue(rank, 1), numDevices
	}
	return s.tileDims, s.replicas
}

// axisCuts returns the per-axis cut-point table for splitting dims into
// counts contiguous spans: cuts[i][j] is the start of span j on axis i and
// cuts[i][counts[i]] == dims[i], so span j covers [cuts[i][j], cuts[i][j+1]).
//
// Spans are ceiling-division sized: an extent that does not divide evenly by
// its count yields maximal interior spans and a shorter (possibly empty)
// final span. Empty spans are legal and produce zero-size shards.
func axisCuts(dims, counts []int) [][]int {
	cuts := make([][]int, len(dims))
	for i, dim := range dims {
		count := counts[i]
		span := ceilDiv(dim, count)
		cuts[i] = make([]int, count+1)
		for j := 1; j <= count; j++ {
			cuts[i][j] = min(j*span, dim)
		}
	}
	return cuts
}

// ShardShape returns the canonical (maximal) shard shape for sharding an
// array of the given shape: the ceiling division of each axis extent by its
// shard count. Interior shards have exactly this shape; the trailing shard
// of an unevenly split axis is smaller, possibly with a zero extent.
//
// For Replicate() the shard shape is the array shape itself.
func (s Spec) ShardShape(shape shapes.Shape) (shapes.Shape, error) {
	if err := s.checkRank(shape); err != nil {
		return shapes.Invalid(), err
	}
	if s.replicated {
		return shape.Clone(), nil
	}
	dims := make([]int, len(s.tileDims))
	for i, count := range s.tileDims {
		dims[i] = ceilDiv(shape.Dimensions[i], count)
	}
	return shapes.Make(shape.DType, dims...), nil
}
