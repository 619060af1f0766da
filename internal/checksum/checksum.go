// Package checksum implements the two integrity checks the driver relies on
// (spec.md section 4.1): a Fletcher-64 rolling checksum over 32-bit words,
// used for per-track and per-disk content identity, and the Amiga boot
// block's additive carry-wrap checksum.
package checksum

import "encoding/binary"

// Fletcher64 computes the two running sums of a Fletcher-64 checksum over
// `data`, treated as a sequence of little-endian 32-bit words. `data`'s
// length must be a multiple of 4; any trailing partial word is ignored.
//
// The loop is unrolled four words at a time, matching the reference
// implementation's stride; this has no effect on the result, only on how
// fast it's computed.
func Fletcher64(data []byte) (sum2, sum1 uint32) {
	words := len(data) / 4
	i := 0

	for ; i+4 <= words; i += 4 {
		for j := 0; j < 4; j++ {
			word := binary.LittleEndian.Uint32(data[(i+j)*4:])
			sum1 += word
			sum2 += sum1
		}
	}
	for ; i < words; i++ {
		word := binary.LittleEndian.Uint32(data[i*4:])
		sum1 += word
		sum2 += sum1
	}

	return sum2, sum1
}

// Fletcher64Pair packs the two running sums the way the aggregate disk
// checksum is derived: hi holds sum2, lo holds sum1.
type Fletcher64Pair struct {
	Hi uint32
	Lo uint32
}

// SumWords computes Fletcher64Pair directly from a slice of already-decoded
// 32-bit words, used to fold a table of per-track checksums (plus the file
// size) into one aggregate disk checksum (spec.md section 3, "Checksums-
// enabled units always satisfy...").
func SumWords(words []uint32) Fletcher64Pair {
	var sum1, sum2 uint32
	i := 0
	for ; i+4 <= len(words); i += 4 {
		for j := 0; j < 4; j++ {
			sum1 += words[i+j]
			sum2 += sum1
		}
	}
	for ; i < len(words); i++ {
		sum1 += words[i]
		sum2 += sum1
	}
	return Fletcher64Pair{Hi: sum2, Lo: sum1}
}

// BootBlockSum computes the Amiga boot block's additive, end-around-carry
// one's-complement checksum over a slice of big-endian 32-bit words
// (spec.md section 4.1, section 6 "On-disk layout"). A valid boot block
// satisfies BootBlockSum(words) == 0xFFFFFFFF when the stored checksum word
// is included in the range summed.
func BootBlockSum(words []uint32) uint32 {
	var sum uint64
	for _, word := range words {
		sum += uint64(word)
		if sum > 0xFFFFFFFF {
			sum = (sum & 0xFFFFFFFF) + 1
		}
	}
	return uint32(sum)
}

// RootBlockSum computes the Amiga root block's checksum: a plain 32-bit
// wraparound sum (ordinary unsigned overflow, not the boot block's
// end-around-carry rule), stored as the value that makes the sum of every
// word in the block, including the checksum word itself, equal exactly
// zero (spec.md section 4.5 step 6, "additive block checksum = 0").
func RootBlockSum(words []uint32) uint32 {
	var sum uint32
	for _, word := range words {
		sum += word
	}
	return sum
}

// DecodeBigEndianWords splits `data` into big-endian 32-bit words, the
// encoding the Amiga boot block and root block use on disk. len(data) must
// be a multiple of 4.
func DecodeBigEndianWords(data []byte) []uint32 {
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(data[i*4:])
	}
	return words
}
