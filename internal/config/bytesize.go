package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSize is wrapped by every ParseBytes failure.
var ErrInvalidSize = errors.New("invalid size")

var sizeUnits = []struct {
	suffix string
	mult   float64
}{
	{"gb", 1 << 30}, {"g", 1 << 30},
	{"mb", 1 << 20}, {"m", 1 << 20},
	{"kb", 1 << 10}, {"k", 1 << 10},
	{"b", 1},
}

// ParseBytes parses binary sizes such as "512", "10k", "256m" or "1.5gb".
// Errors wrap ErrInvalidSize and quote the input; callers prefix the field.
func ParseBytes(s string) (int64, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	num, mult := in, 1.0
	for _, u := range sizeUnits {
		if strings.HasSuffix(in, u.suffix) {
			num, mult = strings.TrimSpace(strings.TrimSuffix(in, u.suffix)), u.mult
			break
		}
	}
	if num == "" {
		return 0, fmt.Errorf("%w %q: missing number", ErrInvalidSize, s)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %q is not a number", ErrInvalidSize, s, num)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w %q: negative", ErrInvalidSize, s)
	}
	return int64(v * mult), nil
}
