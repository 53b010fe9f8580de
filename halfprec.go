package sageattn

import (
	"math"

	"github.com/x448/float16"
)

// Float16 represents a 16-bit IEEE 754 floating point number.
// Conversions go through github.com/x448/float16, which implements
// round-to-nearest-even with subnormal support.
type Float16 uint16

// ToFloat32 converts Float16 to float32
func (f Float16) ToFloat32() float32 {
	return float16.Frombits(uint16(f)).Float32()
}

// Float16FromFloat32 converts float32 to Float16
func Float16FromFloat32(v float32) Float16 {
	return Float16(float16.Fromfloat32(v).Bits())
}

// BFloat16 represents a 16-bit brain floating point number
// Format: 1 sign bit, 8 exponent bits, 7 mantissa bits
type BFloat16 uint16

// BFloat16FromFloat32 converts float32 to BFloat16 (round to nearest even)
func BFloat16FromFloat32(v float32) BFloat16 {
	bits := math.Float32bits(v)

	// Round to nearest even
	rounding := (bits >> 16) & 1
	if (bits&0xFFFF) > 0x8000 || ((bits&0xFFFF) == 0x8000 && rounding == 1) {
		bits += 0x10000
	}

	return BFloat16(bits >> 16)
}

// ToFloat32 converts BFloat16 to float32
func (b BFloat16) ToFloat32() float32 {
	// BFloat16 is the top 16 bits of float32
	return math.Float32frombits(uint32(b) << 16)
}

// OutputElem constrains the element types the kernel can write: IEEE
// half precision or bfloat16. Both are 16-bit containers; the kernel
// narrows its float32 accumulators through the per-type conversion.
type OutputElem interface {
	Float16 | BFloat16
}

// narrowOutput converts a float32 accumulator value to the output element
// type O.
func narrowOutput[O OutputElem](v float32) O {
	var zero O
	switch any(zero).(type) {
	case Float16:
		return O(Float16FromFloat32(v))
	default:
		return O(BFloat16FromFloat32(v))
	}
}

// widenOutput converts an output element back to float32 (testing and
// reference paths).
func widenOutput[O OutputElem](v O) float32 {
	switch x := any(v).(type) {
	case Float16:
		return x.ToFloat32()
	default:
		return BFloat16(v).ToFloat32()
	}
}
