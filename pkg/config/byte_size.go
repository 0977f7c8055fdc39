package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is an int64 byte count that reads from JSON as a plain number
// or a human-readable string like "256kb", "1MB", or "16KiB".
type ByteSize int64

// Byte size units. IEC units (KiB, MiB, GiB) are powers of 1024, SI
// units (KB, MB, GB) powers of 1000.
const (
	Byte ByteSize = 1
	KB   ByteSize = 1000
	KiB  ByteSize = 1024
	MB   ByteSize = 1000 * 1000
	MiB  ByteSize = 1024 * 1024
	GB   ByteSize = 1000 * 1000 * 1000
	GiB  ByteSize = 1024 * 1024 * 1024
)

// Int64 returns the byte count.
func (b ByteSize) Int64() int64 { return int64(b) }

// String renders the size in the largest unit that divides it evenly,
// preferring IEC units.
func (b ByteSize) String() string {
	switch {
	case b >= GiB && b%GiB == 0:
		return fmt.Sprintf("%dGiB", b/GiB)
	case b >= MiB && b%MiB == 0:
		return fmt.Sprintf("%dMiB", b/MiB)
	case b >= KiB && b%KiB == 0:
		return fmt.Sprintf("%dKiB", b/KiB)
	case b >= GB && b%GB == 0:
		return fmt.Sprintf("%dGB", b/GB)
	case b >= MB && b%MB == 0:
		return fmt.Sprintf("%dMB", b/MB)
	case b >= KB && b%KB == 0:
		return fmt.Sprintf("%dKB", b/KB)
	default:
		return strconv.FormatInt(int64(b), 10)
	}
}

// MarshalJSON writes the human-readable string form.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// UnmarshalJSON accepts a size string or a bare number of bytes.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("expected byte size string or number, got %s", string(data))
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// byteSizeUnits maps size suffixes to their factor, longest suffix
// first so "kib" is not consumed as "b".
var byteSizeUnits = []struct {
	suffix string
	factor ByteSize
}{
	{"kib", KiB},
	{"mib", MiB},
	{"gib", GiB},
	{"kb", KB},
	{"mb", MB},
	{"gb", GB},
	{"k", KB},
	{"m", MB},
	{"g", GB},
	{"b", Byte},
}

// ParseByteSize parses a human-readable byte size: "256", "256b",
// "256kb", "16KiB", "1.5m", and so on, case insensitive.
func ParseByteSize(s string) (ByteSize, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	if trimmed == "" {
		return 0, errors.New("empty byte size")
	}
	factor := Byte
	digits := trimmed
	for _, unit := range byteSizeUnits {
		if strings.HasSuffix(trimmed, unit.suffix) {
			factor = unit.factor
			digits = strings.TrimSpace(strings.TrimSuffix(trimmed, unit.suffix))
			break
		}
	}
	value, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: expected a number with an optional unit like '256kb' or '16MiB'", s)
	}
	if value < 0 {
		return 0, fmt.Errorf("byte size %q must not be negative", s)
	}
	return ByteSize(value * float64(factor)), nil
}
