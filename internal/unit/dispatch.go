package unit

import (
	ferrors "github.com/obarthel/trackfile/errors"
	"github.com/obarthel/trackfile/internal/checksum"
	"github.com/obarthel/trackfile/internal/proto"
)

// Dispatch implements the "immediate vs queued" rule of spec.md section
// 4.4: immediate commands run on the caller's thread against a coherent
// per-unit-lock snapshot; everything else is enqueued to the worker, which
// replies on the request's reply port. Dispatch does not wait for that
// reply.
func (u *Unit) Dispatch(req *proto.Request) {
	if req.Command.IsImmediate() {
		u.dispatchImmediate(req)
		req.Reply()
		return
	}

	u.mu.Lock()
	running := u.state != StateStopped
	u.mu.Unlock()
	if !running {
		req.Err = errWorkerStopped
		req.Reply()
		return
	}

	if req.Command == proto.CmdAddChangeInterrupt {
		u.mu.Lock()
		u.subscribers = append(u.subscribers, req.Subscriber)
		u.mu.Unlock()
		return // never replied, per spec.md section 4.4.
	}

	u.commandPort <- req
}

func (u *Unit) dispatchImmediate(req *proto.Request) {
	switch req.Command {
	case proto.CmdChangeState:
		snap := u.Snapshot()
		if snap.Loaded {
			req.Actual = 0 // 0 = present
		} else {
			req.Actual = 1
		}
	case proto.CmdChangeCount:
		snap := u.Snapshot()
		req.Actual = int(snap.ChangeCount)
	case proto.CmdProtectionStatus:
		snap := u.Snapshot()
		req.Actual = boolToInt(snap.WriteProtected)
	case proto.CmdDriveType:
		snap := u.Snapshot()
		req.Result = snap.Geometry.Label
	case proto.CmdGetNumTracks:
		snap := u.Snapshot()
		req.Actual = snap.Geometry.TotalTracks
	case proto.CmdRemoveChangeInterrupt:
		u.mu.Lock()
		for i, sub := range u.subscribers {
			if sub == req.Subscriber {
				u.subscribers = append(u.subscribers[:i], u.subscribers[i+1:]...)
				break
			}
		}
		u.mu.Unlock()
	case proto.CmdStart:
		// no-op: this path never starts a worker; units are started through
		// the control plane's StartUnit (spec.md section 6).
	default:
		req.Err = ferrors.ErrNoCmd
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// processRequest handles every queued command from the worker's own
// goroutine (spec.md section 4.4).
func (u *Unit) processRequest(req *proto.Request) {
	switch req.Command {
	case proto.CmdRead:
		req.Err = u.doRead(req)
	case proto.CmdWrite:
		req.Err = u.doWrite(req, false)
	case proto.CmdFormat:
		req.Err = u.doWrite(req, true)
	case proto.CmdUpdate:
		u.mu.Lock()
		req.Err = u.flushLocked()
		u.mu.Unlock()
	case proto.CmdMotor:
		req.Actual, req.Err = u.doMotor(req.Length != 0)
	case proto.CmdSeek:
		req.Err = u.doSeek(req.Offset)
	case proto.CmdGetGeometry:
		snap := u.Snapshot()
		req.Result = proto.DriveGeometry{
			SectorSize:      proto.SectorSize,
			Cylinders:       snap.Geometry.Cylinders,
			Heads:           snap.Geometry.Heads,
			SectorsPerTrack: snap.Geometry.SectorsPerTrack,
		}
	default:
		req.Err = ferrors.ErrNoCmd
	}
	req.Reply()
}

// requireLoadedLocked turns the motor on (spec.md section 4.4, "Motor
// semantics": reads/writes/formats always turn the motor on) and returns
// ErrNoMediumPresent if nothing is loaded.
func (u *Unit) requireLoadedLocked() error {
	if u.dev == nil {
		return ferrors.ErrNoMediumPresent
	}
	u.motorOn = true
	u.state = StateRunningLoadedActive
	return nil
}

func (u *Unit) doRead(req *proto.Request) error {
	u.mu.Lock()
	if u.dev == nil {
		u.mu.Unlock()
		return ferrors.ErrNoMediumPresent
	}
	if err := checkBoundsLocked(u, req); err != nil {
		u.mu.Unlock()
		return err
	}
	if err := u.requireLoadedLocked(); err != nil {
		u.mu.Unlock()
		return err
	}

	offset := req.Offset
	remaining := req.Length
	out := req.Data
	destOff := 0

	for remaining > 0 {
		track, trackOffset := u.dev.TrackForOffset(offset)
		trackBytes := int(u.geometry.TrackSize - trackOffset)
		n := remaining
		if n > trackBytes {
			n = trackBytes
		}

		if u.cacheEnabled && u.sharedCache != nil {
			if data, ok := u.sharedCache.Lookup(u.number, track); ok {
				copy(out[destOff:destOff+n], data[trackOffset:trackOffset+int64(n)])
				u.cacheHits++
				offset += int64(n)
				remaining -= n
				destOff += n
				continue
			}
			u.cacheMisses++
		}

		if err := u.ensureTrackLocked(track); err != nil {
			u.mu.Unlock()
			return err
		}
		copy(out[destOff:destOff+n], u.buf.Bytes()[trackOffset:trackOffset+int64(n)])

		offset += int64(n)
		remaining -= n
		destOff += n
	}

	req.Actual = req.Length
	u.headTrack, _ = u.dev.TrackForOffset(req.Offset + int64(req.Length) - 1)
	u.mu.Unlock()
	return nil
}

// ensureTrackLocked makes sure the track buffer holds `track`, flushing a
// dirty buffer for a different track first and loading from disk if
// needed (spec.md section 4.4, "Read path" step 3).
func (u *Unit) ensureTrackLocked(track int) error {
	if u.bufTrack == track {
		return nil
	}
	if u.bufDirty {
		if err := u.flushLocked(); err != nil {
			return err
		}
	}
	if err := u.dev.ReadTrack(track, u.buf.Bytes()); err != nil {
		u.bufTrack = proto.UndefinedTrack
		return err
	}
	u.bufTrack = track
	u.bufPreSnap = fletcherOf(u.buf.Bytes())
	if u.cacheEnabled && u.sharedCache != nil {
		u.sharedCache.Update(u.number, track, u.buf.Bytes(), true)
	}
	return nil
}

func fletcherOf(data []byte) checksum.Fletcher64Pair {
	hi, lo := checksum.Fletcher64(data)
	return checksum.Fletcher64Pair{Hi: hi, Lo: lo}
}

func (u *Unit) doWrite(req *proto.Request, isFormat bool) error {
	u.mu.Lock()
	if u.dev == nil {
		u.mu.Unlock()
		return ferrors.ErrNoMediumPresent
	}
	if err := checkBoundsLocked(u, req); err != nil {
		u.mu.Unlock()
		return err
	}
	if u.writeProtected || u.forcedReadOnly {
		u.mu.Unlock()
		return ferrors.ErrWriteProt
	}
	if err := u.requireLoadedLocked(); err != nil {
		u.mu.Unlock()
		return err
	}

	offset := req.Offset
	remaining := req.Length
	in := req.Data
	srcOff := 0

	for remaining > 0 {
		track, trackOffset := u.dev.TrackForOffset(offset)
		trackBytes := int(u.geometry.TrackSize - trackOffset)
		n := remaining
		if n > trackBytes {
			n = trackBytes
		}
		fullTrackWrite := isFormat && n == int(u.geometry.TrackSize)

		if !fullTrackWrite {
			if err := u.ensureTrackLocked(track); err != nil {
				u.mu.Unlock()
				return err
			}
		} else if u.bufTrack != track {
			if u.bufDirty {
				if err := u.flushLocked(); err != nil {
					u.mu.Unlock()
					return err
				}
			}
			u.buf.Reset()
			u.bufTrack = track
		}

		copy(u.buf.Bytes()[trackOffset:trackOffset+int64(n)], in[srcOff:srcOff+n])

		if fullTrackWrite {
			// The buffer was just Reset(), not loaded from disk, so it can't
			// be compared against the on-disk content to decide whether the
			// write-back is needed: a format whose pattern happens to be all
			// zero would otherwise look unchanged and skip the flush, leaving
			// a stale non-zero track on disk. Formats always write back.
			u.bufDirty = true
			if err := u.flushLocked(); err != nil {
				u.mu.Unlock()
				return err
			}
		} else {
			newSum := fletcherOf(u.buf.Bytes())
			if newSum != u.bufPreSnap {
				u.bufDirty = true
				if err := u.flushLocked(); err != nil {
					u.mu.Unlock()
					return err
				}
			}
		}

		offset += int64(n)
		remaining -= n
		srcOff += n
	}

	req.Actual = req.Length
	u.headTrack, _ = u.dev.TrackForOffset(req.Offset + int64(req.Length) - 1)
	u.mu.Unlock()
	return nil
}

// flushLocked writes the dirty track buffer back to disk, updates the
// per-track and aggregate checksums, and refreshes or invalidates the
// cache entry (spec.md section 4.4, "Write path" steps 2-3). Caller must
// hold u.mu.
func (u *Unit) flushLocked() error {
	if !u.bufDirty || u.buf == nil {
		return nil
	}

	if err := u.dev.WriteTrack(u.bufTrack, u.buf.Bytes()); err != nil {
		if u.cacheEnabled && u.sharedCache != nil {
			u.sharedCache.InvalidateEntry(u.number, u.bufTrack)
		}
		u.bufTrack = proto.UndefinedTrack
		return err
	}

	if u.checksumsEnabled && u.trackSums != nil && u.bufTrack < len(u.trackSums) {
		hi, _ := checksum.Fletcher64(u.buf.Bytes())
		u.trackSums[u.bufTrack] = hi
		u.diskSum = checksum.SumWords(u.trackSums)
	}

	if u.cacheEnabled && u.sharedCache != nil {
		u.sharedCache.Update(u.number, u.bufTrack, u.buf.Bytes(), false)
	}

	u.bufDirty = false
	u.bufPreSnap = fletcherOf(u.buf.Bytes())
	return nil
}

func (u *Unit) doMotor(on bool) (previous int, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.dev == nil {
		return 0, ferrors.ErrNoMediumPresent
	}
	wasOn := boolToInt(u.motorOn)

	if on {
		u.motorOn = true
		u.state = StateRunningLoadedActive
	} else {
		if err := u.flushLocked(); err != nil {
			return wasOn, err
		}
		u.motorOn = false
		u.headTrack = proto.UndefinedTrack
		u.state = StateRunningLoadedIdle
	}
	return wasOn, nil
}

func (u *Unit) doSeek(offset int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if offset%proto.SectorSize != 0 {
		return ferrors.ErrBadAddress
	}
	if err := u.requireLoadedLocked(); err != nil {
		return err
	}
	track, _ := u.dev.TrackForOffset(offset)
	u.headTrack = track
	return nil
}

// checkBoundsLocked validates a read/write/format request's offset and
// length against the unit's geometry (spec.md section 3, invariants;
// section 8, "Offset/length gate"). Caller must hold u.mu and u.dev != nil.
func checkBoundsLocked(u *Unit, req *proto.Request) error {
	return u.dev.CheckBounds(req.Offset, req.Length)
}
