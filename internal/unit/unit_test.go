package unit

import (
	"testing"
	"time"

	"github.com/obarthel/trackfile/internal/proto"
	ttesting "github.com/obarthel/trackfile/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ddGeometry() Geometry {
	return Geometry{
		TrackSize:       proto.DriveTypeDD.TrackSize(),
		TotalTracks:     proto.DriveTypeDD.TotalTracks(),
		SectorsPerTrack: proto.DriveTypeDD.SectorsPerTrack(),
		Cylinders:       proto.Cylinders,
		Heads:           proto.Heads,
		Label:           "DD",
	}
}

func newRunningUnit(t *testing.T) *Unit {
	u := New(0, nil)
	require.NoError(t, u.Start(ddGeometry(), false, nil))
	t.Cleanup(func() {
		if u.dev != nil {
			_ = u.EjectAttempt(true)
		}
		_ = u.Stop()
	})
	return u
}

func insertBlank(t *testing.T, u *Unit) {
	stream := ttesting.BlankImage(proto.DriveTypeDD)
	ttesting.WriteBootBlock(t, stream, 0x444F5300)
	prepared, err := u.PrepareInsert(InsertParams{Handle: stream})
	require.NoError(t, err)
	assert.Equal(t, proto.DriveTypeDD.ImageSize(), prepared.ImageSize)
	u.CommitInsert()
}

func TestStart_IsIdempotent(t *testing.T) {
	u := newRunningUnit(t)
	assert.True(t, u.IsRunning())
	assert.True(t, u.IsEmpty())
	require.NoError(t, u.Start(ddGeometry(), false, nil))
	assert.Equal(t, StateRunningEmpty, u.State())
}

func TestInsertThenEject(t *testing.T) {
	u := newRunningUnit(t)
	insertBlank(t, u)

	assert.False(t, u.IsEmpty())
	snap := u.Snapshot()
	assert.True(t, snap.Loaded)
	assert.Equal(t, uint32(1), snap.ChangeCount)

	require.NoError(t, u.EjectAttempt(false))
	assert.True(t, u.IsEmpty())
	assert.Equal(t, uint32(2), u.Snapshot().ChangeCount)
}

func TestAbortInsertClosesFileAndStaysEmpty(t *testing.T) {
	u := newRunningUnit(t)
	stream := ttesting.BlankImage(proto.DriveTypeDD)
	prepared, err := u.PrepareInsert(InsertParams{Handle: stream})
	require.NoError(t, err)
	assert.Equal(t, proto.DriveTypeDD.ImageSize(), prepared.ImageSize)

	u.AbortInsert()
	assert.True(t, u.IsEmpty())
}

func TestPrepareInsert_RejectsWrongSize(t *testing.T) {
	u := newRunningUnit(t)
	stream := ttesting.BlankImage(proto.DriveTypeHD) // wrong size for a DD unit
	_, err := u.PrepareInsert(InsertParams{Handle: stream})
	assert.Error(t, err)
	assert.True(t, u.IsEmpty())
}

func TestReadWriteRoundTrip(t *testing.T) {
	u := newRunningUnit(t)
	insertBlank(t, u)

	payload := make([]byte, proto.SectorSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeReq := &proto.Request{Command: proto.CmdWrite, Offset: 0, Length: len(payload), Data: payload}
	u.processRequest(writeReq)
	require.NoError(t, writeReq.Err)
	assert.Equal(t, len(payload), writeReq.Actual)

	readBuf := make([]byte, proto.SectorSize)
	readReq := &proto.Request{Command: proto.CmdRead, Offset: 0, Length: len(readBuf), Data: readBuf}
	require.NoError(t, u.doRead(readReq))
	assert.Equal(t, payload, readBuf)
}

func TestWrite_RejectsWhenWriteProtected(t *testing.T) {
	u := newRunningUnit(t)
	stream := ttesting.BlankImage(proto.DriveTypeDD)
	ttesting.WriteBootBlock(t, stream, 0x444F5300)
	_, err := u.PrepareInsert(InsertParams{Handle: stream, WriteProtected: true})
	require.NoError(t, err)
	u.CommitInsert()

	req := &proto.Request{Command: proto.CmdWrite, Offset: 0, Length: proto.SectorSize, Data: make([]byte, proto.SectorSize)}
	err = u.doWrite(req, false)
	assert.Error(t, err)
}

func TestFormat_AllZeroPatternOverwritesStaleTrack(t *testing.T) {
	u := newRunningUnit(t)
	insertBlank(t, u)

	trackSize := int(u.geometry.TrackSize)

	nonZero := make([]byte, trackSize)
	for i := range nonZero {
		nonZero[i] = 0xAA
	}
	formatReq := &proto.Request{Command: proto.CmdFormat, Offset: 0, Length: trackSize, Data: nonZero}
	require.NoError(t, u.doWrite(formatReq, true))

	// Move the track buffer onto a different track so track 0's buffer is
	// evicted and the format below has to rebuild it via Reset(), not a load.
	moveReq := &proto.Request{Command: proto.CmdWrite, Offset: int64(trackSize), Length: proto.SectorSize, Data: make([]byte, proto.SectorSize)}
	require.NoError(t, u.doWrite(moveReq, false))

	allZero := make([]byte, trackSize)
	reformatReq := &proto.Request{Command: proto.CmdFormat, Offset: 0, Length: trackSize, Data: allZero}
	require.NoError(t, u.doWrite(reformatReq, true))

	// Evict track 0's buffer again so the read below reloads from disk.
	require.NoError(t, u.doWrite(moveReq, false))

	readBuf := make([]byte, trackSize)
	readReq := &proto.Request{Command: proto.CmdRead, Offset: 0, Length: trackSize, Data: readBuf}
	require.NoError(t, u.doRead(readReq))

	for i, b := range readBuf {
		require.Zerof(t, b, "track 0 byte %d = %#x, want 0 after all-zero format", i, b)
	}
}

func TestDispatch_ImmediateCommandAnsweredOnCallerThread(t *testing.T) {
	u := newRunningUnit(t)
	insertBlank(t, u)

	req := &proto.Request{Command: proto.CmdChangeCount, Unit: u.Number()}
	u.Dispatch(req)
	assert.Nil(t, req.Err)
	assert.Equal(t, 1, req.Actual)
}

func TestDoSeek_RejectsUnalignedOffset(t *testing.T) {
	u := newRunningUnit(t)
	insertBlank(t, u)
	err := u.doSeek(proto.SectorSize + 1)
	assert.Error(t, err)
}

func TestIdleTimer_SpinsDownMotorAfterTimeout(t *testing.T) {
	u := newRunningUnit(t)
	insertBlank(t, u)

	reply := make(chan *proto.Request, 1)
	u.Dispatch(&proto.Request{Command: proto.CmdMotor, Length: 1, ReplyPort: reply})
	<-reply
	assert.Equal(t, StateRunningLoadedActive, u.State())

	assert.Eventually(t, func() bool {
		return u.State() == StateRunningLoadedIdle
	}, IdleTimeout*4, 10*time.Millisecond)
}

func TestChangeTags_WriteProtectRoundTrip(t *testing.T) {
	u := newRunningUnit(t)
	insertBlank(t, u)

	key, err := u.ChangeTags([]proto.Tag{{Key: proto.TagWriteProtected, Value: true}})
	require.NoError(t, err)
	assert.Equal(t, proto.TagKey(""), key)
	assert.True(t, u.Snapshot().WriteProtected)
}

func TestStop_RejectsWhileLoaded(t *testing.T) {
	u := newRunningUnit(t)
	insertBlank(t, u)
	assert.Error(t, u.Stop())
}

func TestStop_SucceedsWhenEmpty(t *testing.T) {
	u := New(1, nil)
	require.NoError(t, u.Start(ddGeometry(), false, nil))
	require.NoError(t, u.Stop())
	assert.False(t, u.IsRunning())
}
