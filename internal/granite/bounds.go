package granite

import (
	"fmt"
	"strconv"
	"strings"
)

// Bounds is an inclusive box in local axis order: x0,x1,y0,y1,z0,z1.
// The remote side orders axes the other way round (z,y,x).
type Bounds [6]int

// Len returns the number of samples along axis (0=x, 1=y, 2=z).
func (b Bounds) Len(axis int) int {
	return b[2*axis+1] - b[2*axis] + 1
}

// Dims returns the sample counts along x, y and z.
func (b Bounds) Dims() [3]int {
	return [3]int{b.Len(0), b.Len(1), b.Len(2)}
}

// Valid reports whether low <= high on every axis.
func (b Bounds) Valid() bool {
	for axis := 0; axis < 3; axis++ {
		if b[2*axis] > b[2*axis+1] {
			return false
		}
	}
	return true
}

// Volume returns the number of samples in the box, or 0 for an invalid box.
func (b Bounds) Volume() int {
	if !b.Valid() {
		return 0
	}
	return b.Len(0) * b.Len(1) * b.Len(2)
}

// Contains reports whether o lies entirely inside b.
func (b Bounds) Contains(o Bounds) bool {
	for axis := 0; axis < 3; axis++ {
		if o[2*axis] < b[2*axis] || o[2*axis+1] > b[2*axis+1] {
			return false
		}
	}
	return true
}

// Remote returns the low and high corners in remote axis order.
func (b Bounds) Remote() (low, high []int32) {
	low = make([]int32, 3)
	high = make([]int32, 3)
	for axis := 0; axis < 3; axis++ {
		low[2-axis] = int32(b[2*axis])
		high[2-axis] = int32(b[2*axis+1])
	}
	return low, high
}

// BoundsFromRemote builds local bounds from remote-order corners.
func BoundsFromRemote(low, high []int32) Bounds {
	var b Bounds
	for axis := 0; axis < 3 && axis < len(low) && axis < len(high); axis++ {
		b[2*axis] = int(low[2-axis])
		b[2*axis+1] = int(high[2-axis])
	}
	return b
}

// Slice returns the single z slice of b at z.
func (b Bounds) Slice(z int) Bounds {
	b[4], b[5] = z, z
	return b
}

// CellBounds converts a point box to the matching cell box.
func (b Bounds) CellBounds() Bounds {
	b[1]++
	b[3]++
	b[5]++
	return b
}

func (b Bounds) String() string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// ParseBounds parses the "x0,x1,y0,y1,z0,z1" form produced by String.
func ParseBounds(s string) (Bounds, error) {
	var b Bounds
	parts := strings.Split(s, ",")
	if len(parts) != len(b) {
		return b, fmt.Errorf("bounds must have 6 values, got %d", len(parts))
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return b, fmt.Errorf("invalid bound %q: %w", p, err)
		}
		b[i] = v
	}
	if !b.Valid() {
		return b, fmt.Errorf("invalid bounds %s", b)
	}
	return b, nil
}
