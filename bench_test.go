package sharding_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharding"
	"github.com/gomlx/sharding/backends"
	"github.com/gomlx/sharding/types/shapes"
	"github.com/gomlx/sharding/types/tensors"
	"github.com/janpfeifer/must"
)

var benchShapes = []shapes.Shape{
	shapes.Make(dtypes.Float32, 8, 8),
	shapes.Make(dtypes.Float32, 64, 64),
	shapes.Make(dtypes.Float32, 512, 512),
	shapes.Make(dtypes.Float32, 2048, 2048),
}

// BenchmarkAssemble measures sharding a host tensor 2x2 over 4 devices, for
// various sizes.
//
// Results on a 12-core cpu:
//
//	BenchmarkAssemble/(Float32)[8_8]-12               249577              4804 ns/op
//	BenchmarkAssemble/(Float32)[64_64]-12             135924              8873 ns/op
//	BenchmarkAssemble/(Float32)[512_512]-12             7396            161585 ns/op
//	BenchmarkAssemble/(Float32)[2048_2048]-12            463           2579194 ns/op
func BenchmarkAssemble(b *testing.B) {
	devices := []backends.DeviceNum{0, 1, 2, 3}
	spec := sharding.IotaTile(2, 2)

	// Pre-allocate the source tensors.
	numShapes := len(benchShapes)
	inputTensors := make([]*tensors.Tensor, numShapes)
	for shapeIdx, s := range benchShapes {
		inputTensors[shapeIdx] = tensors.FromShape(s)
		tensors.MustMutableFlatData(inputTensors[shapeIdx], func(flat []float32) {
			for ii := range flat {
				flat[ii] = float32(ii)
			}
		})
	}

	benchShape := func(shapeIdx int) {
		sa := must.M1(sharding.Assemble(backend, inputTensors[shapeIdx], spec, devices))
		must.M(sa.Finalize())
	}

	// Warmup for each shape.
	for shapeIdx := range benchShapes {
		for range 10 {
			benchShape(shapeIdx)
		}
	}

	b.ResetTimer()
	for shapeIdx, s := range benchShapes {
		b.Run(s.String(), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				benchShape(shapeIdx)
			}
		})
	}
}

// BenchmarkReassemble measures rebuilding the host tensor from the fragments
// of a 2x2 sharding over 4 devices.
func BenchmarkReassemble(b *testing.B) {
	devices := []backends.DeviceNum{0, 1, 2, 3}
	spec := sharding.IotaTile(2, 2)

	// Pre-assemble one sharded array per shape.
	numShapes := len(benchShapes)
	shardedArrays := make([]*sharding.ShardedArray, numShapes)
	for shapeIdx, s := range benchShapes {
		source := tensors.FromShape(s)
		tensors.MustMutableFlatData(source, func(flat []float32) {
			for ii := range flat {
				flat[ii] = float32(ii)
			}
		})
		shardedArrays[shapeIdx] = must.M1(sharding.Assemble(backend, source, spec, devices))
	}
	defer func() {
		for _, sa := range shardedArrays {
			must.M(sa.Finalize())
		}
	}()

	benchShape := func(shapeIdx int) {
		rebuilt := must.M1(shardedArrays[shapeIdx].Reassemble())
		rebuilt.Finalize()
	}

	// Warmup for each shape.
	for shapeIdx := range benchShapes {
		for range 10 {
			benchShape(shapeIdx)
		}
	}

	b.ResetTimer()
	for shapeIdx, s := range benchShapes {
		b.Run(s.String(), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				benchShape(shapeIdx)
			}
		})
	}
}
