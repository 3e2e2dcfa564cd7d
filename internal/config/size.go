package config

import (
	"fmt"
	"strconv"
	"strings"
)

// sizeUnit pairs a case-insensitive suffix with its byte multiplier. The
// list is ordered so longer suffixes are tried first ("MIB" before "B").
type sizeUnit struct {
	suffix     string
	multiplier int64
}

var sizeUnits = []sizeUnit{
	{"TIB", 1 << 40},
	{"GIB", 1 << 30},
	{"MIB", 1 << 20},
	{"KIB", 1 << 10},
	{"TB", 1_000_000_000_000},
	{"GB", 1_000_000_000},
	{"MB", 1_000_000},
	{"KB", 1_000},
	{"B", 1},
}

// ParseSize converts a human-readable size such as "100MiB", "1.5GB" or
// "4096" into bytes. SI suffixes are powers of 1000, IEC suffixes powers of
// 1024, and a bare number is raw bytes. "" and "0" are zero.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	upper := strings.ToUpper(s)

	for _, u := range sizeUnits {
		if !strings.HasSuffix(upper, u.suffix) {
			continue
		}

		num := strings.TrimSpace(s[:len(s)-len(u.suffix)])

		f, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}

		if f < 0 {
			return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
		}

		return int64(f * float64(u.multiplier)), nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
	}

	return n, nil
}
