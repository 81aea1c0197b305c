// Package idalloc allocates and decodes deterministic client order IDs.
//
// Every grid order carries a CID derived from (account, market, symbol) plus
// a side and level, so the engine can recognize its own resting orders after
// a restart without persisting anything: ownership and slot are recoverable
// from the ID alone.
package idalloc

import (
	"fmt"
	"hash/crc32"
)

const (
	// ClientOrderBlock is the width of one account/market/symbol's CID namespace.
	ClientOrderBlock = 10000
	// OffsetAsk and OffsetBid place a level within the block, one sub-range per side.
	OffsetAsk = 1000
	OffsetBid = 6000
	// MaxLevelPerSide bounds how many resting levels one side of the grid can use.
	MaxLevelPerSide = 3999
	// ClientOrderMax is the largest CID this scheme can ever produce.
	ClientOrderMax = 281_474_976_710_655
	// PrefixMod bounds the CRC32-derived prefix to the block width.
	PrefixMod = 10000
)

// Side is which side of the book a grid order rests on.
type Side int

const (
	Ask Side = iota
	Bid
)

func (s Side) String() string {
	if s == Ask {
		return "ask"
	}
	return "bid"
}

// Prefix derives the per-(account, market, symbol) namespace for CIDs.
// Masked to 31 bits before the modulus so the result matches across
// platforms regardless of how the CRC32 checksum's sign bit is interpreted.
func Prefix(accountKey string, marketID int64, symbol string) uint32 {
	text := fmt.Sprintf("%s:%d:%s", accountKey, marketID, symbol)
	sum := crc32.ChecksumIEEE([]byte(text)) & 0x7FFFFFFF
	return sum % PrefixMod
}

// CID constructs a client order ID for the given prefix, side, and level.
// Level must be in [1, MaxLevelPerSide]; the result must not exceed ClientOrderMax.
func CID(prefix uint32, side Side, level int) (uint64, error) {
	if level < 1 || level > MaxLevelPerSide {
		return 0, fmt.Errorf("idalloc: level %d out of range [1, %d]", level, MaxLevelPerSide)
	}
	offset := OffsetAsk
	if side == Bid {
		offset = OffsetBid
	}
	cid := uint64(prefix)*ClientOrderBlock + uint64(offset) + uint64(level)
	if cid > ClientOrderMax {
		return 0, fmt.Errorf("idalloc: cid %d exceeds max %d", cid, ClientOrderMax)
	}
	return cid, nil
}

// IsGrid reports whether cid belongs to the given prefix's namespace.
func IsGrid(prefix uint32, cid uint64) bool {
	return cid/ClientOrderBlock == uint64(prefix)
}

// Decode recovers the (side, level) a CID was allocated for. ok is false if
// cid does not fall into either side's offset range.
func Decode(cid uint64) (side Side, level int, ok bool) {
	r := cid % ClientOrderBlock
	switch {
	case r >= OffsetBid && r <= OffsetBid+MaxLevelPerSide:
		return Bid, int(r - OffsetBid), true
	case r >= OffsetAsk && r <= OffsetAsk+MaxLevelPerSide:
		return Ask, int(r - OffsetAsk), true
	default:
		return 0, 0, false
	}
}
