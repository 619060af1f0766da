package unit

import (
	"io"
	"os"
	"time"

	ferrors "github.com/obarthel/trackfile/errors"
	"github.com/obarthel/trackfile/internal/buffer"
	"github.com/obarthel/trackfile/internal/cache"
	"github.com/obarthel/trackfile/internal/checksum"
	"github.com/obarthel/trackfile/internal/proto"
	"github.com/obarthel/trackfile/internal/rootblock"
	"github.com/obarthel/trackfile/internal/trackio"
)

// controlOp identifies one of the sideband operations the device sends to a
// unit's worker over controlPort: prepare/commit/abort insert, eject,
// change-write-protect/change-enable-cache, and stop (spec.md section
// 4.4). Start is not a control op; it spins up the worker directly.
type controlOp int

const (
	opPrepareInsert controlOp = iota
	opCommitInsert
	opAbortInsert
	opEject
	opChangeTags
	opStop
)

// InsertParams are the caller-supplied options to an insert, the
// generalization of insert_media's tag list (spec.md section 4.5, section
// 6). Handle wins over Path when both are given.
type InsertParams struct {
	Path             string
	Handle           io.ReadWriteSeeker
	WriteProtected   bool
	EnableUnitCache  bool
	PrefillUnitCache bool
}

// PreparedInsert is what the device needs to run the duplicate/volume
// checks after the worker has opened the file and measured it, but before
// the insert is committed (spec.md section 4.5 steps 3-9).
type PreparedInsert struct {
	ImageSize      int64
	Writable       bool
	DOSType        uint32
	BootBlockSum   uint32
	HasRoot        bool
	VolumeName     string
	VolumeCreated  [2]uint32
	DiskSum        checksum.Fletcher64Pair
	Checksummed    bool
}

type controlRequest struct {
	op     controlOp
	insert InsertParams
	tags   []proto.Tag

	timeoutReached bool // for opEject: set once the caller's deadline has passed; doEject does not act on it

	replyErr      error
	replyPrepared PreparedInsert
	replyFailedKey proto.TagKey

	done chan struct{}
}

// Start transitions a stopped unit into running/empty and spins up its
// worker goroutine (spec.md section 4.4, "stopped -> running/empty").
func (u *Unit) Start(geom Geometry, checksumsEnabled bool, sharedCache *cache.Cache) error {
	u.mu.Lock()
	if u.state != StateStopped {
		u.mu.Unlock()
		return nil // lazy no-op if already running, per CmdStart semantics.
	}
	u.geometry = geom
	u.checksumsEnabled = checksumsEnabled
	u.sharedCache = sharedCache
	u.state = StateRunningEmpty
	u.commandPort = make(chan *proto.Request, 32)
	u.controlPort = make(chan *controlRequest)
	u.stoppedCh = make(chan struct{})
	u.mu.Unlock()

	go u.run()
	return nil
}

// run is the worker's main loop: it consumes requests from the command
// port, sideband control operations, and the idle timer, strictly
// serially (spec.md section 4.4, section 5).
func (u *Unit) run() {
	idle := time.NewTimer(IdleTimeout)
	if !idle.Stop() {
		<-idle.C
	}
	defer close(u.stoppedCh)

	for {
		select {
		case req, ok := <-u.commandPort:
			if !ok {
				return
			}
			u.processRequest(req)
			u.rearmIdle(idle)

		case ctrl := <-u.controlPort:
			stop := u.processControl(ctrl)
			close(ctrl.done)
			if stop {
				return
			}
			u.rearmIdle(idle)

		case <-idle.C:
			u.mu.Lock()
			if u.state == StateRunningLoadedActive {
				u.flushLocked()
				u.motorOn = false
				u.headTrack = proto.UndefinedTrack
				u.state = StateRunningLoadedIdle
			}
			u.mu.Unlock()
		}
	}
}

func (u *Unit) rearmIdle(idle *time.Timer) {
	if !idle.Stop() {
		select {
		case <-idle.C:
		default:
		}
	}
	u.mu.Lock()
	active := u.state == StateRunningLoadedActive
	u.mu.Unlock()
	if active {
		idle.Reset(IdleTimeout)
	}
}

// sendControl delivers a sideband operation to the worker and blocks until
// it acknowledges (spec.md section 4.4, "a dedicated sideband channel that
// carries the reply back synchronously").
func (u *Unit) sendControl(ctrl *controlRequest) {
	ctrl.done = make(chan struct{})
	u.controlPort <- ctrl
	<-ctrl.done
}

////////////////////////////////////////////////////////////////////////////////
// Insert / admission (spec.md section 4.5)

// PrepareInsert opens and measures a candidate image but does not yet bind
// it to the unit: only the worker may open the backing file (spec.md
// section 4.4), but the duplicate-disk/duplicate-volume checks need to
// compare against every other unit, which only the device can see. The
// device calls PrepareInsert, runs those checks itself, then calls either
// CommitInsert or AbortInsert.
func (u *Unit) PrepareInsert(params InsertParams) (PreparedInsert, error) {
	if !u.IsEmpty() {
		return PreparedInsert{}, ferrors.ErrAlreadyInUse
	}
	ctrl := &controlRequest{op: opPrepareInsert, insert: params}
	u.sendControl(ctrl)
	return ctrl.replyPrepared, ctrl.replyErr
}

// CommitInsert finalizes a prepared insert: binds the file, bumps the
// change count, transitions to running/loaded/idle, and fires change
// notifications after acknowledging (spec.md section 4.5 step 10).
func (u *Unit) CommitInsert() {
	ctrl := &controlRequest{op: opCommitInsert}
	u.sendControl(ctrl)
}

// AbortInsert discards a prepared insert and closes the file it opened,
// used when the device's duplicate checks reject it (spec.md section 7,
// "Admission... image file is closed if the admission path opened it").
func (u *Unit) AbortInsert() {
	ctrl := &controlRequest{op: opAbortInsert}
	u.sendControl(ctrl)
}

func (u *Unit) processControl(ctrl *controlRequest) (stop bool) {
	switch ctrl.op {
	case opPrepareInsert:
		ctrl.replyPrepared, ctrl.replyErr = u.doPrepareInsert(ctrl.insert)
	case opCommitInsert:
		u.doCommitInsert()
	case opAbortInsert:
		u.doAbortInsert()
	case opEject:
		ctrl.replyErr = u.doEject(ctrl.timeoutReached)
	case opChangeTags:
		ctrl.replyFailedKey, ctrl.replyErr = u.doChangeTags(ctrl.tags)
	case opStop:
		ctrl.replyErr = u.doStop()
		return ctrl.replyErr == nil
	}
	return false
}

func (u *Unit) doPrepareInsert(params InsertParams) (PreparedInsert, error) {
	u.mu.Lock()
	geom := u.geometry
	checksumsEnabled := u.checksumsEnabled
	u.mu.Unlock()

	var stream io.ReadWriteSeeker
	var path string
	writable := !params.WriteProtected
	forcedReadOnly := false

	if params.Handle != nil {
		stream = params.Handle
	} else if params.Path != "" {
		path = params.Path
		flag := os.O_RDWR
		if params.WriteProtected {
			flag = os.O_RDONLY
		}
		f, err := os.OpenFile(path, flag, 0)
		if err != nil && flag == os.O_RDWR {
			f, err = os.OpenFile(path, os.O_RDONLY, 0)
			forcedReadOnly = true
			writable = false
		}
		if err != nil {
			return PreparedInsert{}, ferrors.ErrInvalidFile
		}
		stream = f
	} else {
		return PreparedInsert{}, ferrors.ErrNoFileGiven
	}

	size, err := streamSize(stream)
	if err != nil {
		closeStream(stream)
		return PreparedInsert{}, ferrors.ErrInvalidFile
	}
	if size != geom.TrackSize*int64(geom.TotalTracks) {
		closeStream(stream)
		return PreparedInsert{}, ferrors.ErrInvalidFileSize
	}

	dev := trackio.New(stream, geom.TrackSize, geom.TotalTracks)

	bootRaw := make([]byte, rootblock.BootSectorSize)
	if err := dev.ReadAt(0, bootRaw); err != nil {
		closeStream(stream)
		return PreparedInsert{}, ferrors.ErrInvalidFile
	}
	boot := rootblock.DecodeBootBlock(bootRaw)

	prepared := PreparedInsert{
		ImageSize:    size,
		Writable:     writable,
		DOSType:      boot.DOSType,
		BootBlockSum: boot.Sum,
	}

	if rootblock.IsAmigaDOSType(boot.DOSType) {
		blocksPerDisc := int64(geom.SectorsPerTrack) * int64(geom.Heads) * int64(geom.Cylinders)
		rootIndex := (blocksPerDisc - 1 + proto.ReservedBoot) / 2
		rootRaw := make([]byte, rootblock.RootBlockSize)
		if err := dev.ReadAt(rootIndex*rootblock.RootBlockSize, rootRaw); err == nil {
			if root, ok := rootblock.Validate(rootRaw); ok {
				prepared.HasRoot = true
				prepared.VolumeName = root.VolumeName
				prepared.VolumeCreated = root.Created
			}
		}
	}

	if checksumsEnabled {
		trackBuf := make([]byte, geom.TrackSize)
		sums := make([]uint32, geom.TotalTracks+1)
		for t := 0; t < geom.TotalTracks; t++ {
			if err := dev.ReadTrack(t, trackBuf); err != nil {
				closeStream(stream)
				return PreparedInsert{}, ferrors.ErrInvalidFile
			}
			hi, _ := checksum.Fletcher64(trackBuf)
			sums[t] = hi
		}
		sums[geom.TotalTracks] = uint32(size)
		prepared.DiskSum = checksum.SumWords(sums)
		prepared.Checksummed = true

		u.mu.Lock()
		u.trackSums = sums
		u.mu.Unlock()
	}

	u.mu.Lock()
	u.pending = &pendingInsert{
		dev:            dev,
		imagePath:      path,
		imageSize:      size,
		writeProtected: params.WriteProtected,
		forcedReadOnly: forcedReadOnly,
		dosType:        boot.DOSType,
		bootBlockSum:   boot.Sum,
		hasRoot:        prepared.HasRoot,
		volumeName:     prepared.VolumeName,
		volumeCreated:  prepared.VolumeCreated,
		trackSums:      u.trackSums,
		diskSum:        prepared.DiskSum,
		cacheEnabled:   params.EnableUnitCache,
		cachePrefill:   params.PrefillUnitCache,
	}
	u.mu.Unlock()

	return prepared, nil
}

func (u *Unit) doCommitInsert() {
	u.mu.Lock()
	p := u.pending
	if p == nil {
		u.mu.Unlock()
		return
	}
	u.pending = nil

	u.dev = p.dev
	u.imagePath = p.imagePath
	u.imageSize = p.imageSize
	u.writeProtected = p.writeProtected
	u.forcedReadOnly = p.forcedReadOnly
	u.dosType = p.dosType
	u.bootBlockSum = p.bootBlockSum
	u.volumeName = p.volumeName
	u.volumeCreated = p.volumeCreated
	u.trackSums = p.trackSums
	u.diskSum = p.diskSum
	// HD geometry silently disables unit caching (spec.md section 4.3).
	u.cacheEnabled = p.cacheEnabled && u.geometry.SectorsPerTrack == proto.SectorsDD
	u.cachePrefill = p.cachePrefill

	u.bufTrack = proto.UndefinedTrack
	u.buf = buffer.Allocate(int(u.geometry.TrackSize), buffer.DiscoverMemoryFlags(p.imagePath))
	u.bufDirty = false
	u.headTrack = proto.UndefinedTrack
	u.motorOn = false
	u.changeCount++
	u.state = StateRunningLoadedIdle

	subs := append([]*proto.ChangeInterruptRequest(nil), u.subscribers...)
	cacheEnabled := u.cacheEnabled
	prefill := u.cachePrefill
	sharedCache := u.sharedCache
	dev := u.dev
	number := u.number
	trackSize := u.geometry.TrackSize
	totalTracks := u.geometry.TotalTracks
	u.mu.Unlock()

	if cacheEnabled && prefill && sharedCache != nil {
		trackBuf := make([]byte, trackSize)
		for t := 0; t < totalTracks; t++ {
			if dev.ReadTrack(t, trackBuf) == nil {
				sharedCache.Update(number, t, trackBuf, true)
			}
		}
	}

	for _, sub := range subs {
		sub.Signal()
	}
}

func (u *Unit) doAbortInsert() {
	u.mu.Lock()
	p := u.pending
	u.pending = nil
	u.mu.Unlock()
	if p != nil && p.dev != nil {
		closeTrackDevice(p.dev)
	}
}

////////////////////////////////////////////////////////////////////////////////
// Eject (spec.md section 4.6)

// EjectAttempt runs a single eject attempt: flush if dirty, deny if the
// host filesystem reports pending I/O, else close the file, invalidate the
// unit's cache entries, fire change notifications, and return to
// running/empty. The device's eject_media poll loop calls this repeatedly
// at 2 Hz up to its timeout (spec.md section 4.6).
func (u *Unit) EjectAttempt(timeoutReached bool) error {
	ctrl := &controlRequest{op: opEject, timeoutReached: timeoutReached}
	u.sendControl(ctrl)
	return ctrl.replyErr
}

func (u *Unit) doEject(timeoutReached bool) error {
	u.mu.Lock()
	if u.dev == nil {
		u.mu.Unlock()
		return ferrors.ErrNoMediumPresent
	}
	pending := u.fsPendingIO || (u.hostVolumes != nil && u.hostVolumes.PendingIO(u.number))
	if pending {
		u.mu.Unlock()
		return ferrors.ErrDriveInUse
	}
	if u.bufDirty {
		if err := u.flushLocked(); err != nil {
			u.mu.Unlock()
			return err
		}
	}
	hostVolumes := u.hostVolumes
	number := u.number
	u.mu.Unlock()

	if hostVolumes != nil && !hostVolumes.Flush(number) {
		return ferrors.ErrDenied
	}

	u.mu.Lock()
	dev := u.dev
	u.dev = nil
	u.buf = nil
	u.bufTrack = proto.UndefinedTrack
	u.headTrack = proto.UndefinedTrack
	u.motorOn = false
	u.changeCount++
	u.state = StateRunningEmpty
	sharedCache := u.sharedCache
	subs := append([]*proto.ChangeInterruptRequest(nil), u.subscribers...)
	u.mu.Unlock()

	closeTrackDevice(dev)
	if sharedCache != nil {
		sharedCache.InvalidateUnit(number)
	}
	for _, sub := range subs {
		sub.Signal()
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Change unit configuration (spec.md section 4.7)

// ChangeTags applies write-protected / enable-unit-cache directives
// atomically-on-each, short-circuiting on the first failure and returning
// the failing key.
func (u *Unit) ChangeTags(tags []proto.Tag) (proto.TagKey, error) {
	ctrl := &controlRequest{op: opChangeTags, tags: tags}
	u.sendControl(ctrl)
	return ctrl.replyFailedKey, ctrl.replyErr
}

func (u *Unit) doChangeTags(tags []proto.Tag) (proto.TagKey, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, tag := range tags {
		switch tag.Key {
		case proto.TagWriteProtected:
			wp, _ := tag.Value.(bool)
			if u.dev == nil {
				return tag.Key, ferrors.ErrNoMediumPresent
			}
			if !wp && u.forcedReadOnly {
				return tag.Key, ferrors.ErrReadOnlyVolume
			}
			if u.hostVolumes != nil {
				u.hostVolumes.Inhibit(u.number, wp)
			}
			u.writeProtected = wp
		case proto.TagEnableUnitCache:
			enable, _ := tag.Value.(bool)
			u.cacheEnabled = enable && u.geometry.SectorsPerTrack == proto.SectorsDD
		default:
			// Recognized only on the CONTROL pseudo-unit; ignored here.
		}
	}
	return "", nil
}

// doStop handles the stop control op: allowed only when the unit is not
// loaded (spec.md section 4.4, "running/* -> stopped").
func (u *Unit) doStop() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.dev != nil {
		return ferrors.ErrUnitBusy
	}
	u.state = StateStopped
	close(u.commandPort)
	return nil
}

// Stop asks the worker to shut down, allowed only when no medium is loaded.
func (u *Unit) Stop() error {
	ctrl := &controlRequest{op: opStop}
	u.sendControl(ctrl)
	return ctrl.replyErr
}

////////////////////////////////////////////////////////////////////////////////
// helpers

func streamSize(s io.ReadWriteSeeker) (int64, error) {
	size, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return size, nil
}

func closeStream(s io.ReadWriteSeeker) {
	if c, ok := s.(io.Closer); ok {
		c.Close()
	}
}

func closeTrackDevice(dev *trackio.TrackDevice) {
	if dev == nil {
		return
	}
	if c, ok := dev.Stream().(io.Closer); ok {
		c.Close()
	}
}
