// Package testing collects fixture builders shared by the driver's own
// _test.go files: synthetic floppy images and boot/root block encoders, and
// a fake HostVolume.
package testing

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/obarthel/trackfile/internal/checksum"
	"github.com/obarthel/trackfile/internal/proto"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// BlankImage returns bytesPerTrack*totalTracks zeroed bytes wrapped as a
// ReadWriteSeeker of exactly the size a unit's admission path requires
// (spec.md section 4.5 step 4, "size must match the geometry exactly").
func BlankImage(driveType proto.DriveType) io.ReadWriteSeeker {
	data := make([]byte, driveType.ImageSize())
	return bytesextra.NewReadWriteSeeker(data)
}

// WriteBootBlock stamps a valid Amiga boot block (DOS-type magic plus a
// checksum word that makes the block's additive sum 0xFFFFFFFF) at the
// start of stream, the minimum an image needs to pass media admission's
// filesystem-identity snapshot (spec.md section 4.5 step 5).
func WriteBootBlock(t *testing.T, stream io.ReadWriteSeeker, dosType uint32) {
	raw := make([]byte, 1024)
	binary.BigEndian.PutUint32(raw[0:4], dosType)
	// checksum word left zero while we sum everything else, then solved for:
	// the one's complement of that partial sum makes the total 0xFFFFFFFF.
	words := checksum.DecodeBigEndianWords(raw)
	sum := checksum.BootBlockSum(words)
	binary.BigEndian.PutUint32(raw[4:8], ^sum)

	_, err := stream.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = stream.Write(raw)
	require.NoError(t, err)
}

// RootBlockOffset returns the byte offset of the root block for a disk of
// the given drive type, the same formula media admission uses (spec.md
// section 4.5 step 6).
func RootBlockOffset(driveType proto.DriveType) int64 {
	blocksPerDisc := int64(driveType.SectorsPerTrack()) * int64(proto.Heads) * int64(proto.Cylinders)
	rootIndex := (blocksPerDisc - 1 + proto.ReservedBoot) / 2
	return rootIndex * 512
}

// WriteRootBlock stamps a valid, minimal Amiga root block (type T_SHORT,
// secondary type ST_ROOT, an empty but large-enough hash table, and the
// given volume name/creation triple) at its canonical offset, so a fixture
// image satisfies rootblock.Validate (spec.md section 4.5 step 6).
func WriteRootBlock(t *testing.T, stream io.ReadWriteSeeker, driveType proto.DriveType, volumeName string, days, mins, ticks uint32) {
	require.Less(t, len(volumeName), 32, "volume name too long for a root block")

	block := make([]byte, 512)
	binary.BigEndian.PutUint32(block[0:4], 2)  // T_SHORT
	binary.BigEndian.PutUint32(block[12:16], 72) // ht_size
	binary.BigEndian.PutUint32(block[508:512], 1) // ST_ROOT

	block[432] = byte(len(volumeName))
	copy(block[433:], volumeName)

	binary.BigEndian.PutUint32(block[472:476], days)
	binary.BigEndian.PutUint32(block[476:480], mins)
	binary.BigEndian.PutUint32(block[480:484], ticks)

	words := checksum.DecodeBigEndianWords(block)
	sum := checksum.RootBlockSum(words)
	binary.BigEndian.PutUint32(block[20:24], -sum)

	offset := RootBlockOffset(driveType)
	_, err := stream.Seek(offset, io.SeekStart)
	require.NoError(t, err)
	_, err = stream.Write(block)
	require.NoError(t, err)
}
