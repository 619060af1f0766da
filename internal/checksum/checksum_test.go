package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFletcher64_Empty(t *testing.T) {
	hi, lo := Fletcher64(nil)
	assert.Zero(t, hi)
	assert.Zero(t, lo)
}

func TestFletcher64_Deterministic(t *testing.T) {
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	hi1, lo1 := Fletcher64(data)
	hi2, lo2 := Fletcher64(data)
	assert.Equal(t, hi1, hi2)
	assert.Equal(t, lo1, lo2)
	assert.NotZero(t, lo1, "nonzero input should not sum to zero")
}

func TestFletcher64_DetectsSingleByteChange(t *testing.T) {
	data := make([]byte, 64)
	hiBefore, loBefore := Fletcher64(data)

	data[10] ^= 0xFF
	hiAfter, loAfter := Fletcher64(data)

	assert.False(t, hiBefore == hiAfter && loBefore == loAfter)
}

func TestSumWords_MatchesAggregationRule(t *testing.T) {
	trackSums := []uint32{1, 2, 3, 4, 5}
	pair := SumWords(trackSums)
	// sum1 runs 1, 3, 6, 10, 15; sum2 accumulates those to 35.
	assert.Equal(t, Fletcher64Pair{Hi: 35, Lo: 15}, pair)
}

func TestBootBlockSum_KnownGoodBlockSumsToAllOnes(t *testing.T) {
	// A single word chosen so that word + checksum sums to 0xFFFFFFFF.
	words := []uint32{0x00000000, 0xFFFFFFFF}
	assert.Equal(t, uint32(0xFFFFFFFF), BootBlockSum(words))
}

func TestBootBlockSum_CarryWrapsAround(t *testing.T) {
	words := []uint32{0xFFFFFFFF, 0xFFFFFFFF}
	// 0xFFFFFFFF + 0xFFFFFFFF = 0x1FFFFFFFE -> wraps with +1 -> 0xFFFFFFFF.
	assert.Equal(t, uint32(0xFFFFFFFF), BootBlockSum(words))
}

func TestRootBlockSum_PlainWraparoundReachesZero(t *testing.T) {
	// Unlike BootBlockSum, a plain wraparound sum can land on literal zero:
	// the checksum word is the two's-complement negation of the rest.
	words := []uint32{0x00000001, 0x00000002, 0xFFFFFFFD}
	assert.Equal(t, uint32(0), RootBlockSum(words))
}

func TestRootBlockSum_NonZeroWhenUnbalanced(t *testing.T) {
	words := []uint32{0x00000001, 0x00000002, 0x00000003}
	assert.NotZero(t, RootBlockSum(words))
}

func TestDecodeBigEndianWords(t *testing.T) {
	data := []byte{0x00, 0x00, 0x01, 0x02, 0xDE, 0xAD, 0xBE, 0xEF}
	words := DecodeBigEndianWords(data)
	assert.Equal(t, []uint32{0x00000102, 0xDEADBEEF}, words)
}
