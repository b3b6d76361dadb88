package tensors

import (
	"math"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// DefaultRelativeTolerance is the relative tolerance used by AllClose when comparing
// the values of two tensors.
const DefaultRelativeTolerance = 0.1

// maxFloat16 is the clamping bound used when canonicalizing float16 values: slightly above the
// largest finite float16 (65504), so an infinity compares close to the largest finite value.
const maxFloat16 = 65505.0

// AllClose compares two tensors element-wise and returns whether every pair of corresponding
// values is within the given relative tolerance.
//
// Two values a and b are considered close if
//
//	|a-b| / (max(|a|, |b|) + 1) < relativeTolerance
//
// The +1 in the denominator makes the check behave like an absolute tolerance for values
// near zero, and like a relative tolerance for large values.
//
// Some special cases:
//
//   - If both values are NaN, they are considered close.
//   - Infinities are close to infinities of the same sign (and to nothing else), except for
//     Float16 where values are first clamped to ±65505, so an infinity compares close to the
//     largest finite float16.
//   - Complex values are compared component-wise.
//   - Integer dtypes use the same relative formula, computed in float64.
//   - Bool tensors must match exactly.
//
// If the shapes differ, it returns false. If either tensor is invalid (nil or finalized),
// it panics.
func AllClose(a, b *Tensor, relativeTolerance float64) bool {
	a.AssertValid()
	b.AssertValid()
	if a == b {
		return true
	}
	if !a.shape.Equal(b.shape) {
		return false
	}
	if a.shape.IsZeroSize() {
		return true
	}
	allClose := true
	a.MustConstFlatData(func(flatA any) {
		b.MustConstFlatData(func(flatB any) {
			allClose = flatAllClose(a.shape.DType, flatA, flatB, relativeTolerance)
		})
	})
	return allClose
}

func flatAllClose(dtype dtypes.DType, flatA, flatB any, tol float64) bool {
	switch dtype {
	case dtypes.Bool:
		return reflect.DeepEqual(flatA, flatB)

	case dtypes.Float16:
		fa, fb := flatA.([]float16.Float16), flatB.([]float16.Float16)
		for ii := range fa {
			if !closeEnough(canonicalFloat16(fa[ii]), canonicalFloat16(fb[ii]), tol) {
				return false
			}
		}
		return true

	case dtypes.BFloat16:
		fa, fb := flatA.([]bfloat16.BFloat16), flatB.([]bfloat16.BFloat16)
		for ii := range fa {
			if !closeEnough(float64(fa[ii].Float32()), float64(fb[ii].Float32()), tol) {
				return false
			}
		}
		return true

	case dtypes.Complex64:
		ca, cb := flatA.([]complex64), flatB.([]complex64)
		for ii := range ca {
			if !closeEnough(float64(real(ca[ii])), float64(real(cb[ii])), tol) ||
				!closeEnough(float64(imag(ca[ii])), float64(imag(cb[ii])), tol) {
				return false
			}
		}
		return true

	case dtypes.Complex128:
		ca, cb := flatA.([]complex128), flatB.([]complex128)
		for ii := range ca {
			if !closeEnough(real(ca[ii]), real(cb[ii]), tol) ||
				!closeEnough(imag(ca[ii]), imag(cb[ii]), tol) {
				return false
			}
		}
		return true

	default:
		// Remaining numeric dtypes (floats, ints and uints) convert cleanly to float64.
		va, vb := reflect.ValueOf(flatA), reflect.ValueOf(flatB)
		for ii := 0; ii < va.Len(); ii++ {
			if !closeEnough(toFloat64(va.Index(ii)), toFloat64(vb.Index(ii)), tol) {
				return false
			}
		}
		return true
	}
}

// closeEnough implements the relative comparison of two values, already converted to float64.
func closeEnough(a, b, tol float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	if a == b {
		return true
	}
	// If exactly one side is ±Inf the ratio below is NaN and the comparison correctly fails.
	rel := math.Abs(a-b) / (math.Max(math.Abs(a), math.Abs(b)) + 1)
	return rel < tol
}

// canonicalFloat16 converts a float16 to float64, clamping non-NaN values to ±maxFloat16.
func canonicalFloat16(v float16.Float16) float64 {
	f := float64(v.Float32())
	if math.IsNaN(f) {
		return f
	}
	return math.Max(-maxFloat16, math.Min(f, maxFloat16))
}

func toFloat64(v reflect.Value) float64 {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint())
	default:
		return math.NaN()
	}
}
