// Package device implements the command dispatcher and public API
// described in spec.md section 4.8: it maps both the per-I/O-request
// commands and the control-plane operations (start/stop/insert/eject/
// change/snapshot/examine-file-size) onto the unit registry, the per-unit
// worker, and the shared cache. Control-plane calls run on the caller's
// thread, take the device lock, and talk to workers over the sideband
// control channel (spec.md section 2, section 5).
package device

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/obarthel/trackfile/disks"
	ferrors "github.com/obarthel/trackfile/errors"
	"github.com/obarthel/trackfile/internal/cache"
	"github.com/obarthel/trackfile/internal/proto"
	"github.com/obarthel/trackfile/internal/registry"
	"github.com/obarthel/trackfile/internal/unit"
)

// EjectPollInterval is how often eject_media retries a denied eject
// attempt (spec.md section 4.6, "loop at 2 Hz").
const EjectPollInterval = 500 * time.Millisecond

// Device is the process-wide driver context: the unit registry, the
// optional shared cache, and the host filesystem seam, all behind the
// device lock (spec.md section 9, "Global state... modeled as a single
// process-wide driver context").
type Device struct {
	reg         *registry.Registry
	hostVolumes unit.HostVolume

	// guards sharedCache's existence/resize and the atomicity of
	// concurrent inserts (spec.md section 5, "device lock").
	mu          chan struct{} // binary semaphore; see lock()/unlock()
	sharedCache *cache.Cache
}

// New creates an empty driver context. hostVolumes may be nil if the
// embedder has no live-volume registry to consult (duplicate-volume
// detection and the eject flush/inhibit packets become no-ops).
func New(hostVolumes unit.HostVolume) *Device {
	d := &Device{
		reg:         registry.New(),
		hostVolumes: hostVolumes,
		mu:          make(chan struct{}, 1),
	}
	d.mu <- struct{}{}
	return d
}

func (d *Device) lock()   { <-d.mu }
func (d *Device) unlock() { d.mu <- struct{}{} }

func geometryFor(dt proto.DriveType) unit.Geometry {
	return unit.Geometry{
		TrackSize:       dt.TrackSize(),
		TotalTracks:     dt.TotalTracks(),
		SectorsPerTrack: dt.SectorsPerTrack(),
		Cylinders:       proto.Cylinders,
		Heads:           proto.Heads,
		Label:           dt.String(),
	}
}

func boolTag(tags []proto.Tag, key proto.TagKey, def bool) bool {
	for _, t := range tags {
		if t.Key == key {
			if v, ok := t.Value.(bool); ok {
				return v
			}
		}
	}
	return def
}

func intTag(tags []proto.Tag, key proto.TagKey) (int, bool) {
	for _, t := range tags {
		if t.Key == key {
			switch v := t.Value.(type) {
			case int:
				return v, true
			case int64:
				return int(v), true
			}
		}
	}
	return 0, false
}

func stringTag(tags []proto.Tag, key proto.TagKey) (string, bool) {
	for _, t := range tags {
		if t.Key == key {
			if v, ok := t.Value.(string); ok {
				return v, true
			}
		}
	}
	return "", false
}

func anyTag(tags []proto.Tag, key proto.TagKey) (any, bool) {
	for _, t := range tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return nil, false
}

// lookupUnit resolves a unit number against the registry.
func (d *Device) lookupUnit(number uint32) (*unit.Unit, bool) {
	entry, ok := d.reg.Lookup(number)
	if !ok {
		return nil, false
	}
	return entry.(*unit.Unit), true
}

// applyMaxCacheMemory installs or resizes the shared cache, the CONTROL
// pseudo-unit's only recognized tag (spec.md section 4.7). Caller must
// hold the device lock.
func (d *Device) applyMaxCacheMemory(maxBytes int) {
	if d.sharedCache == nil {
		d.sharedCache = cache.New(maxBytes, int(proto.DriveTypeDD.TrackSize()), proto.DriveTypeDD.TotalTracks())
		return
	}
	d.sharedCache.Resize(maxBytes)
}

////////////////////////////////////////////////////////////////////////////////
// start_unit / stop_unit (spec.md section 6)

// StartUnit implements start_unit(unit | ANY, tags) -> unit number. A unit
// is created on first start and lives in the registry forever (spec.md
// section 3, "Lifecycle").
func (d *Device) StartUnit(number uint32, tags []proto.Tag) (uint32, error) {
	d.lock()
	defer d.unlock()

	if maxBytes, ok := intTag(tags, proto.TagMaxCacheMemory); ok {
		d.applyMaxCacheMemory(maxBytes)
	}

	driveType := proto.DriveTypeDD
	if v, ok := anyTag(tags, proto.TagDriveType); ok {
		if dt, ok := v.(proto.DriveType); ok {
			driveType = dt
		}
	}
	checksumsEnabled := boolTag(tags, proto.TagEnableChecksums, false)

	if number == proto.ANY {
		n, reuse, err := d.reg.AllocateNext()
		if err != nil {
			return 0, err
		}
		number = n
		if reuse {
			u, _ := d.lookupUnit(number)
			_ = u.Start(geometryFor(driveType), checksumsEnabled, d.sharedCache)
			return number, nil
		}
	}
	if number == proto.CONTROL {
		return 0, ferrors.ErrInvalidDriveType
	}

	u, ok := d.lookupUnit(number)
	if !ok {
		u = unit.New(number, d.hostVolumes)
		d.reg.Register(u)
	}
	if err := u.Start(geometryFor(driveType), checksumsEnabled, d.sharedCache); err != nil {
		return 0, err
	}
	return number, nil
}

// StopUnit implements stop_unit(unit) -> 0 or error. Allowed only when the
// unit has no medium loaded (spec.md section 4.4).
func (d *Device) StopUnit(number uint32) error {
	u, ok := d.lookupUnit(number)
	if !ok {
		return ferrors.ErrUnitNotFound
	}
	if !u.IsRunning() {
		return ferrors.ErrUnitNotActive
	}
	return u.Stop()
}

// Close stops every running unit, ejecting any loaded medium first. It's
// not part of spec.md's API surface; it's the teardown path an embedder
// calls on process shutdown so every worker goroutine exits cleanly.
// Failures tearing down individual units don't stop the sweep; they're
// aggregated instead of discarding all but the last (spec.md section 9's
// "driver context" has no partial-teardown story of its own, so this
// follows the same multi-step-rollback discipline as admission's abort
// path, generalized across every unit rather than one).
func (d *Device) Close(ctx context.Context) error {
	var result *multierror.Error
	for _, e := range d.reg.IterSnapshot() {
		u := e.(*unit.Unit)
		if !u.IsRunning() {
			continue
		}
		if !u.IsEmpty() {
			if err := d.EjectMedia(ctx, u.Number(), 5); err != nil {
				result = multierror.Append(result, err)
				continue
			}
		}
		if err := u.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

////////////////////////////////////////////////////////////////////////////////
// insert_media (spec.md section 4.5, section 6)

// InsertMedia implements insert_media(unit, tags). The device lock is held
// for the whole admission sequence so concurrent inserts are serialized,
// making the duplicate-disk/duplicate-volume checks atomic (spec.md
// section 4.5, section 5).
func (d *Device) InsertMedia(number uint32, tags []proto.Tag) error {
	d.lock()
	defer d.unlock()

	u, ok := d.lookupUnit(number)
	if !ok {
		return ferrors.ErrUnitNotFound
	}
	if !u.IsRunning() {
		return ferrors.ErrUnitNotActive
	}
	if !u.IsEmpty() {
		return ferrors.ErrAlreadyInUse
	}

	path, _ := stringTag(tags, proto.TagImageFileName)
	var handle io.ReadWriteSeeker
	if v, ok := anyTag(tags, proto.TagImageFileHandle); ok {
		handle, _ = v.(io.ReadWriteSeeker)
	}
	params := unit.InsertParams{
		Path:             path,
		Handle:           handle,
		WriteProtected:   boolTag(tags, proto.TagWriteProtected, false),
		EnableUnitCache:  boolTag(tags, proto.TagEnableUnitCache, false),
		PrefillUnitCache: boolTag(tags, proto.TagPrefillUnitCache, false),
	}
	if params.Path == "" && params.Handle == nil {
		return ferrors.ErrNoFileGiven
	}

	prepared, err := u.PrepareInsert(params)
	if err != nil {
		return err
	}

	if prepared.HasRoot && d.hostVolumes != nil {
		if d.hostVolumes.FindMountedVolume(prepared.VolumeName, prepared.VolumeCreated) {
			u.AbortInsert()
			return ferrors.ErrDuplicateVolume
		}
	}

	for _, other := range d.reg.IterSnapshot() {
		ou := other.(*unit.Unit)
		if ou.Number() == number || !ou.IsRunning() {
			continue
		}
		snap := ou.Snapshot()
		if !snap.Loaded {
			continue
		}
		otherSum, otherChecksummed, otherPath := ou.DuplicateKey()
		if prepared.Checksummed && otherChecksummed {
			if prepared.DiskSum == otherSum {
				u.AbortInsert()
				return ferrors.ErrDuplicateDisk
			}
			continue
		}
		if path != "" && otherPath != "" && samePath(path, otherPath) {
			u.AbortInsert()
			return ferrors.ErrDuplicateDisk
		}
	}

	u.CommitInsert()
	return nil
}

func samePath(a, b string) bool {
	aAbs, errA := filepath.Abs(a)
	bAbs, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return aAbs == bAbs
}

////////////////////////////////////////////////////////////////////////////////
// eject_media (spec.md section 4.6)

// EjectMedia implements eject_media(unit, timeout_seconds): it polls the
// worker's eject primitive at 2 Hz until it succeeds, the context is
// cancelled (the "user-break signal"), or the deadline passes (spec.md
// section 4.6, section 8 "Eject timeout").
func (d *Device) EjectMedia(ctx context.Context, number uint32, timeoutSeconds float64) error {
	u, ok := d.lookupUnit(number)
	if !ok {
		return ferrors.ErrUnitNotFound
	}

	deadline := time.Now().Add(time.Duration(timeoutSeconds * float64(time.Second)))
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return ferrors.ErrAborted
		default:
		}

		lastErr = u.EjectAttempt(time.Now().After(deadline))
		if lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return ferrors.ErrDriveInUse
		}

		select {
		case <-ctx.Done():
			return ferrors.ErrAborted
		case <-time.After(EjectPollInterval):
		}
	}
}

////////////////////////////////////////////////////////////////////////////////
// change_unit (spec.md section 4.7)

// ChangeUnit implements change_unit(unit | CONTROL, tags) -> failing tag
// key, or "" on success.
func (d *Device) ChangeUnit(number uint32, tags []proto.Tag) (proto.TagKey, error) {
	if number == proto.CONTROL {
		d.lock()
		defer d.unlock()
		if maxBytes, ok := intTag(tags, proto.TagMaxCacheMemory); ok {
			d.applyMaxCacheMemory(maxBytes)
		}
		return "", nil
	}

	u, ok := d.lookupUnit(number)
	if !ok {
		return "", ferrors.ErrUnitNotFound
	}
	return u.ChangeTags(tags)
}

////////////////////////////////////////////////////////////////////////////////
// get_unit_data / examine_file_size (spec.md section 4.8, section 6)

// GetUnitData implements get_unit_data(unit | ALL) -> owned list of
// snapshot records (spec.md section 4.8). It acquires no lock longer than
// it takes to copy one unit's fields.
func (d *Device) GetUnitData(number uint32) ([]proto.UnitSnapshot, error) {
	if number == proto.ALL {
		entries := d.reg.IterSnapshot()
		out := make([]proto.UnitSnapshot, 0, len(entries))
		for _, e := range entries {
			out = append(out, toSnapshot(e.(*unit.Unit)))
		}
		return out, nil
	}

	u, ok := d.lookupUnit(number)
	if !ok {
		return nil, ferrors.ErrUnitNotFound
	}
	return []proto.UnitSnapshot{toSnapshot(u)}, nil
}

func toSnapshot(u *unit.Unit) proto.UnitSnapshot {
	snap := u.Snapshot()
	driveType := proto.DriveTypeDD
	if snap.Geometry.SectorsPerTrack == proto.SectorsHD {
		driveType = proto.DriveTypeHD
	}
	return proto.UnitSnapshot{
		Number:           u.Number(),
		DriveType:        driveType,
		Active:           snap.State == unit.StateRunningLoadedActive,
		Loaded:           snap.Loaded,
		Busy:             snap.Busy,
		Writable:         !snap.WriteProtected,
		ChecksumsEnabled: snap.ChecksumsEnabled,
		DiskChecksumHi:   snap.DiskSum.Hi,
		DiskChecksumLo:   snap.DiskSum.Lo,
		VolumeName:       snap.VolumeName,
		VolumeCreatedAt:  snap.VolumeCreated,
		DOSType:          snap.DOSType,
		DOSTypeName:      disks.DOSTypeName(snap.DOSType),
		BootBlockSum:     snap.BootBlockSum,
		Cache: proto.CacheStats{
			Enabled: snap.CacheEnabled,
			Hits:    snap.CacheHits,
			Misses:  snap.CacheMisses,
		},
		ImagePath:      snap.ImagePath,
		HostDeviceName: "",
		ChangeCount:    snap.ChangeCount,
	}
}

// ExamineFileSize implements examine_file_size(size_bytes) -> drive-type
// tag or "unsupported" (spec.md section 6).
func (d *Device) ExamineFileSize(size int64) (proto.DriveType, error) {
	dt, ok := proto.DriveTypeForFileSize(size)
	if !ok {
		return 0, ferrors.ErrNotSupported
	}
	return dt, nil
}

////////////////////////////////////////////////////////////////////////////////
// Per-I/O-request dispatch (spec.md section 4.4, section 6)

// SendRequest resolves req.Unit against the registry and dispatches it,
// honoring the immediate-vs-queued rule (spec.md section 4.4). The unit
// number is resolved on every call through the registry, under the
// registry's own lock; the device lock is not taken here.
func (d *Device) SendRequest(req *proto.Request) {
	u, ok := d.lookupUnit(req.Unit)
	if !ok {
		req.Err = ferrors.ErrUnitNotFound
		req.Reply()
		return
	}
	u.Dispatch(req)
}
