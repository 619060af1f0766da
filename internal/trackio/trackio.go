// Package trackio implements the per-unit byte-ranged I/O path against a
// unit's backing image file: bounds checking, the track buffer's seek
// elision, and whole-track reads/writes (spec.md sections 4.4 and 6), for a
// flat, sector-addressed floppy image rather than a clustered filesystem
// volume.
package trackio

import (
	"io"

	ferrors "github.com/obarthel/trackfile/errors"
)

const SectorSize = 512

// TrackDevice wraps a backing image stream with the bounds checking and
// seek elision spec.md section 4.4 requires of the read/write/format path.
// It does not itself buffer anything; that's the worker's job.
type TrackDevice struct {
	stream      io.ReadWriteSeeker
	trackSize   int64
	totalTracks int

	lastPos int64
	havePos bool
}

// New wraps `stream` as a TrackDevice of `totalTracks` tracks, each
// `trackSize` bytes.
func New(stream io.ReadWriteSeeker, trackSize int64, totalTracks int) *TrackDevice {
	return &TrackDevice{
		stream:      stream,
		trackSize:   trackSize,
		totalTracks: totalTracks,
	}
}

// Stream returns the underlying backing stream, so the unit worker (the
// only party allowed to open or close it, spec.md section 4.4) can close
// it on eject or abort.
func (d *TrackDevice) Stream() io.ReadWriteSeeker {
	return d.stream
}

// Size returns the total image size in bytes.
func (d *TrackDevice) Size() int64 {
	return d.trackSize * int64(d.totalTracks)
}

// TrackSize returns the size of a single track in bytes.
func (d *TrackDevice) TrackSize() int64 {
	return d.trackSize
}

// CheckBounds validates a byte-ranged request the way every read, write, and
// format must be validated before touching the file (spec.md section 3,
// invariants; section 8, "Offset/length gate"): offset and length must be
// sector-aligned, and the range must lie within the image.
func (d *TrackDevice) CheckBounds(offset int64, length int) error {
	if offset%SectorSize != 0 {
		return ferrors.ErrBadAddress
	}
	if length%SectorSize != 0 {
		return ferrors.ErrBadLength
	}
	if offset < 0 || offset+int64(length) > d.Size() {
		return ferrors.ErrBadAddress
	}
	return nil
}

// TrackForOffset returns the track index a byte offset falls in, and the
// offset's position within that track.
func (d *TrackDevice) TrackForOffset(offset int64) (track int, trackOffset int64) {
	return int(offset / d.trackSize), offset % d.trackSize
}

// seekIfNeeded elides the seek syscall when the backing file's read/write
// position already matches, per spec.md section 4.4, "Seek elision".
func (d *TrackDevice) seekIfNeeded(offset int64) error {
	if d.havePos && d.lastPos == offset {
		return nil
	}
	_, err := d.stream.Seek(offset, io.SeekStart)
	if err != nil {
		d.havePos = false
		return ferrors.ErrSeekError
	}
	d.havePos = true
	d.lastPos = offset
	return nil
}

// ReadAt reads len(buffer) bytes starting at `offset` into buffer. offset
// and len(buffer) must already be sector aligned; callers are expected to
// have called CheckBounds first.
func (d *TrackDevice) ReadAt(offset int64, buffer []byte) error {
	if err := d.seekIfNeeded(offset); err != nil {
		return err
	}
	n, err := io.ReadFull(d.stream, buffer)
	if err != nil {
		d.havePos = false
		return ferrors.ErrNoSecHdr
	}
	d.lastPos = offset + int64(n)
	return nil
}

// WriteAt writes buffer to the backing file starting at `offset`.
func (d *TrackDevice) WriteAt(offset int64, buffer []byte) error {
	if err := d.seekIfNeeded(offset); err != nil {
		return err
	}
	n, err := d.stream.Write(buffer)
	if err != nil || n != len(buffer) {
		d.havePos = false
		return ferrors.ErrWriteProt
	}
	d.lastPos = offset + int64(n)
	return nil
}

// ReadTrack reads one whole track into buffer, which must be exactly
// TrackSize() bytes.
func (d *TrackDevice) ReadTrack(track int, buffer []byte) error {
	return d.ReadAt(int64(track)*d.trackSize, buffer)
}

// WriteTrack writes one whole track from buffer, which must be exactly
// TrackSize() bytes.
func (d *TrackDevice) WriteTrack(track int, buffer []byte) error {
	return d.WriteAt(int64(track)*d.trackSize, buffer)
}

// ForgetPosition discards the remembered seek position, forcing the next
// ReadAt/WriteAt to seek explicitly. Used after the stream is known to have
// moved out from under the device, e.g. on reopen.
func (d *TrackDevice) ForgetPosition() {
	d.havePos = false
}
