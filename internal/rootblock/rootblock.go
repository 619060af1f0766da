// Package rootblock decodes the two on-disk structures media admission
// needs to identify an image: the Amiga boot block (DOS-type magic and its
// additive checksum) and, for Amiga-default-filesystem volumes, the root
// block (volume name and creation date), per spec.md section 4.5 steps 5-6
// and section 6, "On-disk layout consumed".
//
// It reuses internal/checksum's word-level primitives for both blocks'
// checksum arithmetic.
package rootblock

import (
	"bytes"

	"github.com/obarthel/trackfile/internal/checksum"
)

// BootSectorSize is the size in bytes of the two reserved boot blocks
// (BOOTSECTS * 512, spec.md section 4.5 step 5).
const BootSectorSize = 2 * 512

// DOSMagicPrefix is the top 24 bits every Amiga DOS-type magic carries,
// ASCII "DOS" (spec.md section 4.5 step 6).
const DOSMagicPrefix = 0x444F5300 // "DOS\x00", low byte masked off by callers

// IsAmigaDOSType reports whether a DOS-type magic word's top 24 bits spell
// "DOS", regardless of the filesystem-flavor byte in the low 8 bits.
func IsAmigaDOSType(dosType uint32) bool {
	return dosType&0xFFFFFF00 == DOSMagicPrefix
}

// BootBlock holds the two fields media admission records from the reserved
// blocks (spec.md section 3, "filesystem-identity snapshot").
type BootBlock struct {
	DOSType uint32
	Sum     uint32
}

// DecodeBootBlock reads the DOS-type magic and additive checksum from the
// two reserved blocks. raw must be exactly BootSectorSize bytes.
func DecodeBootBlock(raw []byte) BootBlock {
	words := checksum.DecodeBigEndianWords(raw)
	return BootBlock{
		DOSType: words[0],
		Sum:     words[1],
	}
}

// ValidBootBlockSum is the additive-carry-wrap sum every word of a valid
// boot block (including its own checksum word) must reduce to: the
// checksum word is stored as the complement of the sum of every other
// word, so summing all of them together yields all-ones (spec.md section
// 8, scenario 5: "additive_sum(read(0, 1024)) == 0xFFFFFFFF").
const ValidBootBlockSum = 0xFFFFFFFF

// VerifyBootBlock reports whether raw's stored checksum word is consistent
// with the rest of the block.
func VerifyBootBlock(raw []byte) bool {
	words := checksum.DecodeBigEndianWords(raw)
	return checksum.BootBlockSum(words) == ValidBootBlockSum
}

// RootBlockSize is the size of one Amiga filesystem block as read for root
// block validation.
const RootBlockSize = 512

// Amiga root block type/subtype constants (spec.md section 4.5 step 6).
const (
	typeShort = 2 // primary type, "T_SHORT"/"T_HEADER"
	stRoot    = 1 // secondary type, "ST_ROOT"
	minHTSize = 72
)

// Layout offsets within a 512-byte root block. There's no complete Amiga
// filesystem spec in the retrieved corpus; these follow the canonical
// AmigaDOS root block layout spec.md section 6 alludes to ("Root block...
// carries the validated Amiga root structure").
const (
	offType         = 0
	offHeaderKey    = 4
	offHighSeq      = 8
	offHTSize       = 12
	offFirstData    = 16
	offChecksum     = 20
	offHashTable    = 24
	offNameLen      = 432
	offName         = 433
	offVolCreated   = 472 // 3 longs: days, mins, ticks
	offNextHash     = 496
	offParentDir    = 500
	offExtension    = 504
	offSecondaryTyp = 508
)

// Root holds the fields media admission needs once a root block has been
// validated (spec.md section 4.5 step 6).
type Root struct {
	VolumeName string
	Created    [2]uint32 // packed as {days, mins<<16 | ticks&0xFFFF}
	Days       uint32
	Mins       uint32
	Ticks      uint32
}

func be32(b []byte, off int) uint32 {
	return uint32(b[off])<<24 | uint32(b[off+1])<<16 | uint32(b[off+2])<<8 | uint32(b[off+3])
}

// Validate checks a candidate root block against every invariant spec.md
// section 4.5 step 6 lists: additive block checksum zero, primary/
// secondary type short/root, a name length in (0, 32) with no forbidden
// characters, own-key/block-count/parent all zero, and a hash table large
// enough to be real. On success it returns the extracted volume name and
// creation date triple.
func Validate(block []byte) (Root, bool) {
	if len(block) != RootBlockSize {
		return Root{}, false
	}

	words := checksum.DecodeBigEndianWords(block)
	if checksum.RootBlockSum(words) != 0 {
		return Root{}, false
	}

	if be32(block, offType) != typeShort {
		return Root{}, false
	}
	if be32(block, offSecondaryTyp) != stRoot {
		return Root{}, false
	}
	if be32(block, offHeaderKey) != 0 || be32(block, offHighSeq) != 0 || be32(block, offParentDir) != 0 {
		return Root{}, false
	}
	if be32(block, offHTSize) < minHTSize {
		return Root{}, false
	}

	nameLen := int(block[offNameLen])
	if nameLen == 0 || nameLen >= 32 {
		return Root{}, false
	}
	name := block[offName : offName+nameLen]
	if bytes.ContainsAny(name, ":/") {
		return Root{}, false
	}
	for _, c := range name {
		if c < 0x20 || c == 0x7F {
			return Root{}, false
		}
	}

	days := be32(block, offVolCreated)
	mins := be32(block, offVolCreated+4)
	ticks := be32(block, offVolCreated+8)

	return Root{
		VolumeName: string(name),
		Days:       days,
		Mins:       mins,
		Ticks:      ticks,
		Created:    [2]uint32{days, mins<<16 | (ticks & 0xFFFF)},
	}, true
}
