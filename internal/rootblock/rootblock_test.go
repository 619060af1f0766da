package rootblock

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBootBlock(dosType uint32) []byte {
	raw := make([]byte, BootSectorSize)
	binary.BigEndian.PutUint32(raw[0:4], dosType)
	// checksum word solved so the boot block's additive carry-wrap sum
	// (including this word) comes out to 0xFFFFFFFF.
	sum := dosType // every other word is zero
	binary.BigEndian.PutUint32(raw[4:8], ^sum)
	return raw
}

func TestIsAmigaDOSType(t *testing.T) {
	assert.True(t, IsAmigaDOSType(0x444F5300))
	assert.True(t, IsAmigaDOSType(0x444F5303))
	assert.False(t, IsAmigaDOSType(0x00000000))
	assert.False(t, IsAmigaDOSType(0x4B49434B))
}

func TestDecodeBootBlock(t *testing.T) {
	raw := validBootBlock(0x444F5301)
	bb := DecodeBootBlock(raw)
	assert.Equal(t, uint32(0x444F5301), bb.DOSType)
}

func TestVerifyBootBlock(t *testing.T) {
	assert.True(t, VerifyBootBlock(validBootBlock(0x444F5300)))

	corrupt := validBootBlock(0x444F5300)
	corrupt[100] ^= 0xFF
	assert.False(t, VerifyBootBlock(corrupt))
}

func validRootBlock(name string) []byte {
	block := make([]byte, RootBlockSize)
	binary.BigEndian.PutUint32(block[offType:], typeShort)
	binary.BigEndian.PutUint32(block[offHTSize:], minHTSize)
	binary.BigEndian.PutUint32(block[offSecondaryTyp:], stRoot)
	block[offNameLen] = byte(len(name))
	copy(block[offName:], name)
	binary.BigEndian.PutUint32(block[offVolCreated:], 19000)
	binary.BigEndian.PutUint32(block[offVolCreated+4:], 42)
	binary.BigEndian.PutUint32(block[offVolCreated+8:], 7)
	return block
}

func solveChecksum(block []byte) []byte {
	var sum uint32
	for i := 0; i+4 <= len(block); i += 4 {
		if i == offChecksum {
			continue
		}
		sum += binary.BigEndian.Uint32(block[i:])
	}
	binary.BigEndian.PutUint32(block[offChecksum:], -sum)
	return block
}

func TestValidate_Valid(t *testing.T) {
	block := solveChecksum(validRootBlock("Workbench"))
	root, ok := Validate(block)
	require.True(t, ok)
	assert.Equal(t, "Workbench", root.VolumeName)
	assert.Equal(t, uint32(19000), root.Days)
}

func TestValidate_RejectsBadChecksum(t *testing.T) {
	block := validRootBlock("Workbench")
	_, ok := Validate(block)
	assert.False(t, ok, "checksum word was left zero, should not validate")
}

func TestValidate_RejectsWrongSize(t *testing.T) {
	_, ok := Validate(make([]byte, 256))
	assert.False(t, ok)
}

func TestValidate_RejectsSmallHashTable(t *testing.T) {
	block := validRootBlock("Data")
	binary.BigEndian.PutUint32(block[offHTSize:], 1)
	block = solveChecksum(block)
	_, ok := Validate(block)
	assert.False(t, ok)
}

func TestValidate_RejectsForbiddenNameChars(t *testing.T) {
	block := validRootBlock("Bad:Name")
	block = solveChecksum(block)
	_, ok := Validate(block)
	assert.False(t, ok)
}

func TestValidate_RejectsNonzeroHighSeq(t *testing.T) {
	block := validRootBlock("Workbench")
	binary.BigEndian.PutUint32(block[offHighSeq:], 1)
	block = solveChecksum(block)
	_, ok := Validate(block)
	assert.False(t, ok, "block-count must be zero for a root block")
}

func TestValidate_RejectsEmptyName(t *testing.T) {
	block := validRootBlock("")
	block = solveChecksum(block)
	_, ok := Validate(block)
	assert.False(t, ok)
}
