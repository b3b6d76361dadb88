package sharding

import "reflect"

// rowMajorStrides returns the row-major strides of an array with the given
// dimensions: strides[i] is the flat distance between consecutive indices on
// axis i.
func rowMajorStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return strides
}

// forEachRun walks the region of a row-major array delimited by bounds and
// calls fn once per maximal contiguous run of elements: stridedOff is the
// run's start offset in the full array, denseOff its start offset in the
// densely packed fragment, and runLen its length in elements.
//
// Axes whose bound spans the full extent fold into the run, so the region of
// a fully replicated fragment is visited as a single run covering the whole
// array. A rank-0 region is a single run of one element. Empty bounds yield
// no runs.
func forEachRun(dims []int, bounds []Interval, fn func(stridedOff, denseOff, runLen int)) {
	rank := len(dims)
	if rank == 0 {
		fn(0, 0, 1)
		return
	}
	strides := rowMajorStrides(dims)

	// runAxis is the outermost axis that still maps to one contiguous run:
	// every axis inner to it is spanned in full by its bound.
	runAxis := rank - 1
	for runAxis > 0 && bounds[runAxis].Start == 0 && bounds[runAxis].End == dims[runAxis] {
		runAxis--
	}
	runLen := bounds[runAxis].Len() * strides[runAxis]
	if runLen == 0 {
		return
	}
	for axis := 0; axis < runAxis; axis++ {
		if bounds[axis].Len() <= 0 {
			return
		}
	}

	// Odometer over the axes outside the run, in row-major order, so the
	// dense offsets fill the fragment in its own row-major order.
	indices := make([]int, runAxis)
	for axis := range indices {
		indices[axis] = bounds[axis].Start
	}
	denseOff := 0
	for {
		stridedOff := bounds[runAxis].Start * strides[runAxis]
		for axis, idx := range indices {
			stridedOff += idx * strides[axis]
		}
		fn(stridedOff, denseOff, runLen)
		denseOff += runLen

		axis := runAxis - 1
		for ; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < bounds[axis].End {
				break
			}
			indices[axis] = bounds[axis].Start
		}
		if axis < 0 {
			return
		}
	}
}

// extractRegion copies the region of src delimited by bounds into dst, a
// densely packed row-major fragment. Both are flat slices of the same
// element type; dst must have exactly the region's size. It cannot fail on
// geometry that went through Spec.Placements.
func extractRegion(dst, src any, dims []int, bounds []Interval) {
	dstV, srcV := reflect.ValueOf(dst), reflect.ValueOf(src)
	forEachRun(dims, bounds, func(stridedOff, denseOff, runLen int) {
		reflect.Copy(dstV.Slice(denseOff, denseOff+runLen), srcV.Slice(stridedOff, stridedOff+runLen))
	})
}

// insertRegion is the inverse of extractRegion: it copies the densely packed
// fragment src into the region of dst delimited by bounds.
func insertRegion(dst, src any, dims []int, bounds []Interval) {
	dstV, srcV := reflect.ValueOf(dst), reflect.ValueOf(src)
	forEachRun(dims, bounds, func(stridedOff, denseOff, runLen int) {
		reflect.Copy(dstV.Slice(stridedOff, stridedOff+runLen), srcV.Slice(denseOff, denseOff+runLen))
	})
}
