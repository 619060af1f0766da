package trackfile

import (
	"context"

	"github.com/obarthel/trackfile/internal/device"
	"github.com/obarthel/trackfile/internal/unit"
)

// HostVolume is the seam at which an embedding host filesystem plugs into
// the driver: its live-volume registry (for duplicate-volume detection)
// and its flush/inhibit packet protocol (spec.md section 4.5 step 7,
// section 4.6, section 9). A nil HostVolume degrades those checks to
// always-pass/always-succeed, which is fine for a driver running with no
// filesystem collaborator at all.
type HostVolume = unit.HostVolume

// Device is the process-wide driver context described in spec.md section
// 9: the unit registry, the optional shared cache, and the host-filesystem
// seam, created once at load time. Tests should create their own Device
// rather than relying on a hidden global.
type Device struct {
	impl *device.Device
}

// NewDevice creates an empty driver context with no units started.
func NewDevice(hostVolumes HostVolume) *Device {
	return &Device{impl: device.New(hostVolumes)}
}

// StartUnit implements start_unit(unit | ANY, tags) -> unit number or
// error (spec.md section 6). Recognized tags: TagDriveType, TagEnable
// Checksums, TagMaxCacheMemory.
func (d *Device) StartUnit(number uint32, tags ...Tag) (uint32, error) {
	return d.impl.StartUnit(number, tags)
}

// StopUnit implements stop_unit(unit) -> 0/error (spec.md section 6).
func (d *Device) StopUnit(number uint32) error {
	return d.impl.StopUnit(number)
}

// InsertMedia implements insert_media(unit, tags) (spec.md section 4.5,
// section 6). Recognized tags: TagImageFileName, TagImageFileHandle,
// TagWriteProtected, TagEnableUnitCache, TagPrefillUnitCache.
func (d *Device) InsertMedia(number uint32, tags ...Tag) error {
	return d.impl.InsertMedia(number, tags)
}

// EjectMedia implements eject_media(unit, {timeout_seconds}) (spec.md
// section 4.6). ctx's cancellation is the "user-break signal" that
// short-circuits the poll loop.
func (d *Device) EjectMedia(ctx context.Context, number uint32, timeoutSeconds float64) error {
	return d.impl.EjectMedia(ctx, number, timeoutSeconds)
}

// ChangeUnit implements change_unit(unit | CONTROL, tags) -> the failing
// tag key, or "" on success (spec.md section 4.7, section 6).
func (d *Device) ChangeUnit(number uint32, tags ...Tag) (TagKey, error) {
	return d.impl.ChangeUnit(number, tags)
}

// GetUnitData implements get_unit_data(unit | ALL) (spec.md section 4.8,
// section 6). There is no FreeUnitData: the returned slice is an owned Go
// value collected by the garbage collector like any other.
func (d *Device) GetUnitData(number uint32) ([]UnitSnapshot, error) {
	return d.impl.GetUnitData(number)
}

// ExamineFileSize implements examine_file_size(size_bytes) -> drive-type
// tag or NotSupported (spec.md section 6).
func (d *Device) ExamineFileSize(size int64) (DriveType, error) {
	return d.impl.ExamineFileSize(size)
}

// Close stops every running unit, ejecting any loaded medium first, and
// aggregates any per-unit teardown failures instead of discarding all but
// the last.
func (d *Device) Close(ctx context.Context) error {
	return d.impl.Close(ctx)
}

// SendRequest dispatches a per-I/O-request command (read/write/format/
// update/motor/seek/get-geometry/change-state/...) to the unit it names,
// honoring the immediate-vs-queued rule (spec.md section 4.4, section 6).
// When req has neither a ReplyPort nor a Subscriber, SendRequest creates a
// reply port and returns only once the request has been replied to. When
// the caller set a ReplyPort, SendRequest returns after dispatching and the
// reply arrives on that port.
func (d *Device) SendRequest(req *Request) {
	if req.ReplyPort == nil && req.Subscriber == nil {
		req.ReplyPort = make(chan *Request, 1)
		d.impl.SendRequest(req)
		<-req.ReplyPort
		return
	}
	d.impl.SendRequest(req)
}
