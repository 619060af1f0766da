package testing

import "sync"

// FakeHostVolume is a minimal, in-process stand-in for an embedding host
// filesystem's live-volume registry and packet protocol (unit.HostVolume).
// Tests configure its canned answers directly; nothing here talks to a
// real filesystem.
type FakeHostVolume struct {
	mu sync.Mutex

	// MountedVolumes, when non-empty, causes FindMountedVolume to report a
	// collision for any name/creation pair present.
	MountedVolumes map[string][2]uint32

	// FlushFails, when true, makes Flush report failure for every unit.
	FlushFails bool

	// DenyInhibit, when true, makes Inhibit report failure for every unit.
	DenyInhibit bool

	// PendingUnits names units PendingIO should report as busy.
	PendingUnits map[uint32]bool

	flushCalls   []uint32
	inhibitCalls []inhibitCall
}

type inhibitCall struct {
	Unit      uint32
	Inhibited bool
}

func NewFakeHostVolume() *FakeHostVolume {
	return &FakeHostVolume{}
}

func (f *FakeHostVolume) FindMountedVolume(name string, created [2]uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	got, ok := f.MountedVolumes[name]
	return ok && got == created
}

func (f *FakeHostVolume) Flush(unit uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCalls = append(f.flushCalls, unit)
	return !f.FlushFails
}

func (f *FakeHostVolume) Inhibit(unit uint32, inhibited bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inhibitCalls = append(f.inhibitCalls, inhibitCall{Unit: unit, Inhibited: inhibited})
	return !f.DenyInhibit
}

func (f *FakeHostVolume) PendingIO(unit uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PendingUnits[unit]
}

// FlushCalls returns the units Flush was called for, in order.
func (f *FakeHostVolume) FlushCalls() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.flushCalls...)
}
