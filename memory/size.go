package memory

import (
	"fmt"
	"math"
	"strconv"
)

var sizeShift = map[byte]uint{
	'k': 10,
	'm': 20,
	'g': 30,
}

// ParseSize parses a byte count written as number[kKmMgG]. The number may
// use any base prefix strconv accepts.
func ParseSize(s string) (int, error) {
	num, shift := s, uint(0)

	if n := len(s); n > 0 {
		if sh, ok := sizeShift[s[n-1]|0x20]; ok {
			num, shift = s[:n-1], sh
		}
	}

	if num == "" {
		return 0, fmt.Errorf("size %q: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(num, 0, 63)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", s, err)
	}

	if amt > math.MaxInt>>shift {
		return 0, fmt.Errorf("size %q: %w", s, strconv.ErrRange)
	}

	return int(amt << shift), nil
}
