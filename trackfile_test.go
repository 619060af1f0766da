package trackfile

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	ferrors "github.com/obarthel/trackfile/errors"
	"github.com/obarthel/trackfile/internal/checksum"
	ttesting "github.com/obarthel/trackfile/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// doRequest sends req through the public API and blocks for the reply,
// the way an embedder driving the per-request command set would.
func doRequest(t *testing.T, d *Device, req *Request) {
	t.Helper()
	d.SendRequest(req)
}

// TestEndToEnd_StartInsertReadEjectStop covers spec.md section 8 scenario
// 1: start_unit -> insert_media -> read -> eject_media -> stop_unit.
func TestEndToEnd_StartInsertReadEjectStop(t *testing.T) {
	d := NewDevice(nil)
	u, err := d.StartUnit(ANY, Tag{Key: TagDriveType, Value: DriveTypeDD})
	require.NoError(t, err)

	stream := ttesting.BlankImage(DriveTypeDD)
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	_, err = stream.Write(payload)
	require.NoError(t, err)
	_, err = stream.Seek(0, 0)
	require.NoError(t, err)

	err = d.InsertMedia(u,
		Tag{Key: TagImageFileHandle, Value: stream},
		Tag{Key: TagWriteProtected, Value: true},
	)
	require.NoError(t, err)

	readBuf := make([]byte, 512)
	req := &Request{Command: CmdRead, Unit: u, Offset: 0, Length: 512, Data: readBuf}
	doRequest(t, d, req)
	require.NoError(t, req.Err)
	assert.Equal(t, payload, readBuf)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.EjectMedia(ctx, u, 0))

	require.NoError(t, d.StopUnit(u))
}

// TestEndToEnd_DuplicateDiskRejected covers spec.md section 8 scenario 2:
// two units with checksums enabled, the second insert of identical content
// is rejected as a duplicate.
func TestEndToEnd_DuplicateDiskRejected(t *testing.T) {
	d := NewDevice(nil)
	u1, err := d.StartUnit(ANY, Tag{Key: TagDriveType, Value: DriveTypeDD}, Tag{Key: TagEnableChecksums, Value: true})
	require.NoError(t, err)
	u2, err := d.StartUnit(ANY, Tag{Key: TagDriveType, Value: DriveTypeDD}, Tag{Key: TagEnableChecksums, Value: true})
	require.NoError(t, err)

	streamA := ttesting.BlankImage(DriveTypeDD)
	ttesting.WriteBootBlock(t, streamA, 0x444F5300)
	require.NoError(t, d.InsertMedia(u1, Tag{Key: TagImageFileHandle, Value: streamA}))

	// streamB is a byte-identical copy of streamA's content, through a
	// distinct handle (as if copied to a new path).
	dataA := make([]byte, DriveTypeDD.ImageSize())
	_, err = streamA.Seek(0, 0)
	require.NoError(t, err)
	_, err = streamA.Read(dataA)
	require.NoError(t, err)
	streamB := ttesting.BlankImage(DriveTypeDD)
	_, err = streamB.Write(dataA)
	require.NoError(t, err)
	_, err = streamB.Seek(0, 0)
	require.NoError(t, err)

	err = d.InsertMedia(u2, Tag{Key: TagImageFileHandle, Value: streamB})
	assert.ErrorIs(t, err, ferrors.ErrDuplicateDisk)
}

// TestEndToEnd_WriteThroughUncachedPath covers spec.md section 8 scenario
// 3: a plain write/read round trip with no cache configured, followed by
// an eject, after which the written bytes are on the backing stream.
func TestEndToEnd_WriteThroughUncachedPath(t *testing.T) {
	d := NewDevice(nil)
	u, err := d.StartUnit(ANY, Tag{Key: TagDriveType, Value: DriveTypeDD})
	require.NoError(t, err)

	stream := ttesting.BlankImage(DriveTypeDD)
	require.NoError(t, d.InsertMedia(u, Tag{Key: TagImageFileHandle, Value: stream}, Tag{Key: TagWriteProtected, Value: false}))

	buf := make([]byte, 1024)
	for i := range buf {
		buf[i] = 0x55
	}
	writeReq := &Request{Command: CmdWrite, Unit: u, Offset: 1024, Length: len(buf), Data: buf}
	doRequest(t, d, writeReq)
	require.NoError(t, writeReq.Err)
	assert.Equal(t, len(buf), writeReq.Actual)

	readBuf := make([]byte, 1024)
	readReq := &Request{Command: CmdRead, Unit: u, Offset: 1024, Length: len(readBuf), Data: readBuf}
	doRequest(t, d, readReq)
	require.NoError(t, readReq.Err)
	assert.Equal(t, buf, readBuf)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.EjectMedia(ctx, u, 0))

	onDisk := make([]byte, 1024)
	_, err = stream.Seek(1024, 0)
	require.NoError(t, err)
	_, err = stream.Read(onDisk)
	require.NoError(t, err)
	assert.Equal(t, buf, onDisk)
}

// TestEndToEnd_GeometrySurface covers spec.md section 8 scenario 4: DD and
// HD units report their sector size, cylinders, heads, sectors per track.
func TestEndToEnd_GeometrySurface(t *testing.T) {
	d := NewDevice(nil)

	ddUnit, err := d.StartUnit(ANY, Tag{Key: TagDriveType, Value: DriveTypeDD})
	require.NoError(t, err)
	req := &Request{Command: CmdGetGeometry, Unit: ddUnit}
	doRequest(t, d, req)
	require.NoError(t, req.Err)
	ddGeom := req.Result.(DriveGeometry)
	assert.Equal(t, 512, ddGeom.SectorSize)
	assert.Equal(t, 80, ddGeom.Cylinders)
	assert.Equal(t, 2, ddGeom.Heads)
	assert.Equal(t, 11, ddGeom.SectorsPerTrack)

	hdUnit, err := d.StartUnit(ANY, Tag{Key: TagDriveType, Value: DriveTypeHD})
	require.NoError(t, err)
	req = &Request{Command: CmdGetGeometry, Unit: hdUnit}
	doRequest(t, d, req)
	require.NoError(t, req.Err)
	hdGeom := req.Result.(DriveGeometry)
	assert.Equal(t, 22, hdGeom.SectorsPerTrack)
}

// TestEndToEnd_BootableInstall covers spec.md section 8 scenario 5: a host
// formatter writes reserved blocks, overlays the boot code, solves the
// checksum word, writes back, and the re-read boot block validates.
func TestEndToEnd_BootableInstall(t *testing.T) {
	d := NewDevice(nil)
	u, err := d.StartUnit(ANY, Tag{Key: TagDriveType, Value: DriveTypeDD})
	require.NoError(t, err)

	stream := ttesting.BlankImage(DriveTypeDD)
	require.NoError(t, d.InsertMedia(u, Tag{Key: TagImageFileHandle, Value: stream}, Tag{Key: TagWriteProtected, Value: false}))

	raw := make([]byte, 1024)
	binary.BigEndian.PutUint32(raw[0:4], 0x444F5300)
	// solve for the checksum word that makes the block's additive,
	// end-around-carry sum equal 0xFFFFFFFF (spec.md section 4.1, section 6).
	words := checksum.DecodeBigEndianWords(raw)
	partialSum := checksum.BootBlockSum(words)
	binary.BigEndian.PutUint32(raw[4:8], ^partialSum)

	writeReq := &Request{Command: CmdWrite, Unit: u, Offset: 0, Length: len(raw), Data: raw}
	doRequest(t, d, writeReq)
	require.NoError(t, writeReq.Err)

	updateReq := &Request{Command: CmdUpdate, Unit: u}
	doRequest(t, d, updateReq)
	require.NoError(t, updateReq.Err)

	readBack := make([]byte, 1024)
	readReq := &Request{Command: CmdRead, Unit: u, Offset: 0, Length: len(readBack), Data: readBack}
	doRequest(t, d, readReq)
	require.NoError(t, readReq.Err)
	assert.EqualValues(t, 0x444F5300, binary.BigEndian.Uint32(readBack[0:4]))

	readWords := checksum.DecodeBigEndianWords(readBack)
	assert.EqualValues(t, 0xFFFFFFFF, checksum.BootBlockSum(readWords))
}
