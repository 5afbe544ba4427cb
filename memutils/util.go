package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	~int | ~uint
}

// CheckPow2 returns an error wrapping PowerOfTwoError, and through it ErrInvalidArgument, if number
// is zero or not a power of two
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func IsPow2[T constraints.Integer](number T) bool {
	return number > 0 && number&(number-1) == 0
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// NextPow2 returns the smallest power of two greater than or equal to value. Values below 1 return 1.
func NextPow2[T constraints.Integer](value T) T {
	if value <= 1 {
		return 1
	}
	return T(1) << bits.Len64(uint64(value-1))
}

// PrevPow2 returns the largest power of two less than or equal to value. Values below 1 return 0.
func PrevPow2[T constraints.Integer](value T) T {
	if value < 1 {
		return 0
	}
	return T(1) << (bits.Len64(uint64(value)) - 1)
}
