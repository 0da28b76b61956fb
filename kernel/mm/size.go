package mm

import "strconv"

// Size is an amount of memory in bytes.
type Size uint64

// Size units.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages needed to hold s.
func (s Size) Pages() uintptr {
	return PageCount(uintptr(s))
}

// String formats s with the largest unit that divides it evenly, e.g. "4Kb"
// or "1536b".
func (s Size) String() string {
	for _, unit := range []struct {
		size   Size
		suffix string
	}{{Gb, "Gb"}, {Mb, "Mb"}, {Kb, "Kb"}} {
		if s != 0 && s%unit.size == 0 {
			return strconv.FormatUint(uint64(s/unit.size), 10) + unit.suffix
		}
	}

	return strconv.FormatUint(uint64(s), 10) + "b"
}
