package trackfile

import "github.com/obarthel/trackfile/internal/proto"

// Request is the uniform work item exchanged between clients, the
// dispatcher, and per-unit workers (spec.md section 3, "Request"). The
// real type lives in internal/proto so internal/unit and internal/device
// can share it without importing this package.
type Request = proto.Request

// ChangeInterruptRequest is a client-registered callback descriptor invoked
// whenever a unit's medium transitions (spec.md section 4.4, "Change
// notifications"). Signal is called after the triggering operation's reply
// has been delivered; it must not allocate or block (spec.md section 9).
type ChangeInterruptRequest = proto.ChangeInterruptRequest

// DriveGeometry is the fixed description of a unit's media geometry,
// returned by CmdGetGeometry.
type DriveGeometry = proto.DriveGeometry

// GeometryFor returns the fixed DriveGeometry record for a drive type.
func GeometryFor(driveType DriveType) DriveGeometry {
	return proto.GeometryFor(driveType)
}

// CacheStats is a best-effort snapshot of a unit's cache usage, populated
// only when a cache is bound to the unit.
type CacheStats = proto.CacheStats

// UnitSnapshot is one immutable, owned record describing a unit at the
// moment GetUnitData was called (spec.md section 4.8).
type UnitSnapshot = proto.UnitSnapshot

// UndefinedTrack is the sentinel reported as the "current track" while the
// motor is off or no medium is loaded (spec.md section 3, invariants).
const UndefinedTrack = proto.UndefinedTrack
