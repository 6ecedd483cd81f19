package utils

import (
	"fmt"
	"math"
	"strings"
)

const base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Base62Encode renders n in base 62, left-padded with the zero symbol to at
// least minLen characters.
func Base62Encode(n uint64, minLen int) string {
	var buf [11]byte
	i := len(buf)
	for {
		i--
		buf[i] = base62[n%62]
		n /= 62
		if n == 0 {
			break
		}
	}
	out := string(buf[i:])
	if len(out) < minLen {
		out = strings.Repeat(string(base62[0]), minLen-len(out)) + out
	}
	return out
}

// Base62Decode is the inverse of Base62Encode. Leading zero symbols are ignored.
func Base62Decode(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty base62 string")
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(base62, s[i])
		if d < 0 {
			return 0, fmt.Errorf("invalid base62 character %q", s[i])
		}
		if n > (math.MaxUint64-uint64(d))/62 {
			return 0, fmt.Errorf("base62 value %q overflows uint64", s)
		}
		n = n*62 + uint64(d)
	}
	return n, nil
}

// IsBase62 reports whether s only contains base62 symbols.
func IsBase62(s string) bool {
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(base62, s[i]) < 0 {
			return false
		}
	}
	return s != ""
}
