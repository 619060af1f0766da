// Package unit implements the per-unit state machine and worker described
// in spec.md section 4.4: one worker per unit, a single-reader command
// port, a per-unit lock protecting mutable fields, and the full lifecycle
// stopped -> running/empty -> running/loaded/idle -> running/loaded/active.
//
// It follows a "file-like wrapper with explicit flags" discipline,
// generalized to the full read/write/format/motor/seek/checksum state
// machine a floppy unit needs.
package unit

import (
	"sync"
	"time"

	"github.com/obarthel/trackfile/errors"
	"github.com/obarthel/trackfile/internal/proto"
	"github.com/obarthel/trackfile/internal/buffer"
	"github.com/obarthel/trackfile/internal/cache"
	"github.com/obarthel/trackfile/internal/checksum"
	"github.com/obarthel/trackfile/internal/trackio"
)

// State is one stage of the per-unit lifecycle (spec.md section 4.4).
type State int32

const (
	StateStopped State = iota
	StateRunningEmpty
	StateRunningLoadedIdle
	StateRunningLoadedActive
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunningEmpty:
		return "running/empty"
	case StateRunningLoadedIdle:
		return "running/loaded/idle"
	case StateRunningLoadedActive:
		return "running/loaded/active"
	default:
		return "unknown"
	}
}

// IdleTimeout is how long a loaded unit sits with the motor on and no I/O
// before the worker flushes and spins it down (spec.md section 4.4,
// "Motor semantics").
const IdleTimeout = 2500 * time.Millisecond

// Geometry is the fixed shape of a unit's media, computed by the caller
// (the device package) from trackfile.DriveType so this package has no
// dependency on the public API's enum beyond the label used for
// diagnostics.
type Geometry struct {
	TrackSize       int64
	TotalTracks     int
	SectorsPerTrack int
	Cylinders       int
	Heads           int
	Label           string
}

// HostVolume is the minimal slice of the host filesystem's live-volume
// registry and packet protocol the driver needs (spec.md section 4.5 step
// 7, section 4.6, section 9 "Host-filesystem packet protocol"). The host
// filesystem itself is out of scope; this interface is the seam at which
// an embedder supplies it.
type HostVolume interface {
	// FindMountedVolume reports whether some other actively-used, mounted
	// volume already has this name and creation timestamp.
	FindMountedVolume(name string, created [2]uint32) bool
	// Flush asks the host filesystem to flush pending writes for the unit
	// before it's ejected. Returns false on failure.
	Flush(unit uint32) bool
	// Inhibit toggles the host filesystem's inhibit/uninhibit state for a
	// live unit when write-protect changes underneath it.
	Inhibit(unit uint32, inhibited bool) bool
	// PendingIO reports whether the host filesystem still has outstanding
	// requests against this unit (spec.md section 4.6, eject timeout).
	PendingIO(unit uint32) bool
}

// Unit holds everything the worker, the immediate-dispatch path, and
// GetUnitData need to read or mutate, all behind one per-unit lock
// (spec.md section 3, section 5).
type Unit struct {
	mu sync.Mutex

	number   uint32
	geometry Geometry
	state    State

	dev       *trackio.TrackDevice
	imagePath string
	imageSize int64

	bufTrack   int
	buf        *buffer.TrackBuffer
	bufDirty   bool
	bufPreSnap checksum.Fletcher64Pair

	// headTrack is the physical head position: the last track any
	// read/write/format/seek touched, distinct from bufTrack (which track's
	// data the buffer currently holds).
	headTrack int

	writeProtected bool // as requested
	forcedReadOnly bool // forced on by admission (image/volume not writable)

	motorOn     bool
	changeCount uint32

	subscribers []*proto.ChangeInterruptRequest

	checksumsEnabled bool
	trackSums        []uint32 // one per track, plus one extra slot for file size
	diskSum          checksum.Fletcher64Pair

	dosType       uint32
	bootBlockSum  uint32
	volumeName    string
	volumeCreated [2]uint32

	sharedCache  *cache.Cache
	cacheEnabled bool
	cachePrefill bool
	cacheHits    uint64
	cacheMisses  uint64

	hostVolumes HostVolume

	commandPort chan *proto.Request
	controlPort chan *controlRequest
	stoppedCh   chan struct{}
	idleTimer   *time.Timer

	fsPendingIO bool // see SetFilesystemPending; used by the eject poll loop.

	// pending holds the result of an in-flight insert that has opened a file
	// and computed its identity but not yet been committed or aborted by the
	// device (spec.md section 4.5, section 5 "An insert's duplicate/volume-
	// collision checks are atomic with respect to other concurrent inserts").
	pending *pendingInsert
}

// pendingInsert is the staged state of an insert that the worker has opened
// and measured but the device hasn't yet decided to commit or abort. Only
// the worker touches dev/imagePath/imageSize, matching spec.md section 4.4:
// "it is the only party that opens/closes the backing file".
type pendingInsert struct {
	dev              *trackio.TrackDevice
	imagePath        string
	imageSize        int64
	writeProtected   bool
	forcedReadOnly   bool
	dosType          uint32
	bootBlockSum     uint32
	hasRoot          bool
	volumeName       string
	volumeCreated    [2]uint32
	trackSums        []uint32
	diskSum          checksum.Fletcher64Pair
	cacheEnabled     bool
	cachePrefill     bool
}

// New creates a unit in the stopped state. Call Start to spin up its
// worker (spec.md section 4.4, "stopped -> running/empty").
func New(number uint32, hostVolumes HostVolume) *Unit {
	return &Unit{
		number:      number,
		state:       StateStopped,
		bufTrack:    proto.UndefinedTrack,
		headTrack:   proto.UndefinedTrack,
		hostVolumes: hostVolumes,
	}
}

// Number returns the unit's number.
func (u *Unit) Number() uint32 { return u.number }

// State returns the current lifecycle state under the per-unit lock.
func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// IsEmpty reports whether the unit is running with no medium, the
// condition allocate_next() looks for when reusing a unit number (spec.md
// section 4.2).
func (u *Unit) IsEmpty() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state == StateRunningEmpty
}

// IsRunning reports whether a worker goroutine is alive for this unit.
func (u *Unit) IsRunning() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state != StateStopped
}

// Geometry returns the unit's configured media geometry.
func (u *Unit) Geometry() Geometry {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.geometry
}

// SetFilesystemPending records whether the host filesystem reports
// outstanding I/O against this unit. The embedder calls this from its
// packet protocol handler; the eject path reads it (spec.md section 4.6).
func (u *Unit) SetFilesystemPending(pending bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fsPendingIO = pending
}

// Snapshot is a coherent, lock-protected read of every field GetUnitData
// and the immediate-dispatch commands need (spec.md section 4.4, section
// 4.8). It never touches the backing file.
type Snapshot struct {
	Number           uint32
	Geometry         Geometry
	State            State
	Loaded           bool
	MotorOn          bool
	Busy             bool
	ChangeCount      uint32
	WriteProtected   bool
	ChecksumsEnabled bool
	DiskSum          checksum.Fletcher64Pair
	DOSType          uint32
	BootBlockSum     uint32
	VolumeName       string
	VolumeCreated    [2]uint32
	ImagePath        string
	CacheEnabled     bool
	CacheHits        uint64
	CacheMisses      uint64
}

func (u *Unit) snapshotLocked() Snapshot {
	return Snapshot{
		Number:           u.number,
		Geometry:         u.geometry,
		State:            u.state,
		Loaded:           u.dev != nil,
		MotorOn:          u.motorOn,
		Busy:             u.motorOn || u.bufDirty,
		ChangeCount:      u.changeCount,
		WriteProtected:   u.writeProtected || u.forcedReadOnly,
		ChecksumsEnabled: u.checksumsEnabled,
		DiskSum:          u.diskSum,
		DOSType:          u.dosType,
		BootBlockSum:     u.bootBlockSum,
		VolumeName:       u.volumeName,
		VolumeCreated:    u.volumeCreated,
		ImagePath:        u.imagePath,
		CacheEnabled:     u.cacheEnabled,
		CacheHits:        u.cacheHits,
		CacheMisses:      u.cacheMisses,
	}
}

// Snapshot takes the per-unit lock just long enough to copy every
// reportable field (spec.md section 4.8).
func (u *Unit) Snapshot() Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.snapshotLocked()
}

// DuplicateKey returns the values the admission duplicate-disk check
// compares loaded units by: the aggregate checksum if both sides have
// checksums enabled, else a same-underlying-file test via the image path
// (spec.md section 4.5 step 9).
func (u *Unit) DuplicateKey() (sum checksum.Fletcher64Pair, checksummed bool, path string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.diskSum, u.checksumsEnabled, u.imagePath
}

// errWorkerStopped is reported when a queued command can't be accepted
// because the worker has shut down.
var errWorkerStopped = errors.TrackfileError("unit worker is not running")
