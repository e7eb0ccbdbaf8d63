package granite

// DefaultAMRDivisions is the number of blocks per axis on every AMR level.
const DefaultAMRDivisions = 3

// BlocksPerLevel returns d³, the number of blocks on each level.
func BlocksPerLevel(d int) int {
	return d * d * d
}

// DecodeBlock splits a block ID into its display level and per-axis block
// location. x varies fastest within a level.
func DecodeBlock(id, d int) (level int, loc [3]int) {
	per := BlocksPerLevel(d)
	level = id / per
	rest := id - level*per
	loc[0] = rest % d
	loc[1] = (rest / d) % d
	loc[2] = rest / (d * d)
	return level, loc
}

// EncodeBlock is the inverse of DecodeBlock.
func EncodeBlock(level int, loc [3]int, d int) int {
	return level*BlocksPerLevel(d) + loc[0] + loc[1]*d + loc[2]*d*d
}

// BlockBox returns the box of block loc inside full. Each axis is cut into d
// equal lengths; a block's high bound is the next block's low bound, and
// the last block absorbs any remainder.
func BlockBox(full Bounds, loc [3]int, d int) Bounds {
	var b Bounds
	for axis := 0; axis < 3; axis++ {
		lo, hi := full[2*axis], full[2*axis+1]
		length := (hi - lo + 1) / d
		b[2*axis] = lo + loc[axis]*length
		b[2*axis+1] = lo + (loc[axis]+1)*length
		if hi-b[2*axis+1] < length {
			b[2*axis+1] = hi
		}
	}
	return b
}
