package sageattn

import (
	"math"
)

// FP8E4M3 represents an 8-bit floating point number in the e4m3 format:
// 1 sign bit, 4 exponent bits, 3 mantissa bits, exponent bias 7.
// The format has no infinities; 0x7F/0xFF encode NaN and the largest
// finite magnitude is 448.
type FP8E4M3 uint8

// FP8 conversion constants
const (
	fp8SignMask     = 0x80
	fp8ExponentMask = 0x78
	fp8MantissaMask = 0x07
	fp8ExponentBias = 7
	fp8MantissaBits = 3

	// FP8MaxValue is the largest finite e4m3 magnitude.
	FP8MaxValue = 448.0
)

// ToFloat32 converts FP8E4M3 to float32.
func (f FP8E4M3) ToFloat32() float32 {
	sign := uint32(f&fp8SignMask) << 24
	exponent := (f & fp8ExponentMask) >> fp8MantissaBits
	mantissa := f & fp8MantissaMask

	if exponent == 0x0F && mantissa == 0x07 {
		// All-ones is NaN in e4m3 (the format has no infinities)
		return math.Float32frombits(sign | 0x7FC00000)
	}

	if exponent == 0 {
		// Subnormal or zero: value = mantissa * 2^-9
		if mantissa == 0 {
			return math.Float32frombits(sign)
		}
		exp := uint32(1)
		for mantissa&0x04 == 0 {
			mantissa <<= 1
			exp++
		}
		mantissa &= 0x03
		exponentBits := uint32(127 - fp8ExponentBias - int(exp) + 1)
		return math.Float32frombits(sign | (exponentBits << 23) | (uint32(mantissa) << 21))
	}

	// Normal number
	return math.Float32frombits(sign | ((uint32(exponent) + 127 - fp8ExponentBias) << 23) | (uint32(mantissa) << 21))
}

// FP8FromFloat32 converts float32 to FP8E4M3 with round-to-nearest-even
// and saturation to ±448. NaN inputs map to the e4m3 NaN encoding.
func FP8FromFloat32(v float32) FP8E4M3 {
	bits := math.Float32bits(v)
	sign := FP8E4M3((bits >> 24) & fp8SignMask)

	if math.IsNaN(float64(v)) {
		return sign | 0x7F
	}

	abs := float64(math.Float32frombits(bits &^ 0x80000000))
	if abs > FP8MaxValue {
		// e4m3 has no infinity: overflow saturates
		return sign | 0x7E
	}
	if abs < 0x1p-10 {
		// Below half the smallest subnormal step (2^-9)
		return sign
	}

	if abs < 0x1p-6 {
		// Subnormal range: quantize to multiples of 2^-9
		q := math.RoundToEven(abs * 512)
		if q >= 8 {
			// Rounded up into the normal range
			return sign | (1 << fp8MantissaBits)
		}
		return sign | FP8E4M3(q)
	}

	// Normal range: snap the mantissa to 3 bits with round-to-nearest-even
	exp := math.Floor(math.Log2(abs))
	frac := abs / math.Exp2(exp) // in [1, 2)
	m := math.RoundToEven((frac - 1) * 8)
	if m >= 8 {
		exp++
		m = 0
	}
	e := int(exp) + fp8ExponentBias
	if e >= 0x0F && (e > 0x0F || m > 6) {
		return sign | 0x7E
	}
	return sign | FP8E4M3(e<<fp8MantissaBits) | FP8E4M3(m)
}

// FP8Slice wraps a byte-oriented slice as FP8E4M3 values
type FP8Slice []FP8E4M3

// GetFloat32 returns the value at index i as float32
func (s FP8Slice) GetFloat32(i int) float32 {
	return s[i].ToFloat32()
}

// SetFloat32 sets the value at index i from float32
func (s FP8Slice) SetFloat32(i int, val float32) {
	s[i] = FP8FromFloat32(val)
}
