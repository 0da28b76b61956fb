package mmgr

import (
	"vmcore/kernel/cpu"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm/space"
	"vmcore/kernel/mm/vmobject"
)

// PurgeMode selects how much volatile memory Purge reclaims.
type PurgeMode struct {
	target int
}

// PurgeAll purges every volatile object.
var PurgeAll = PurgeMode{}

// PurgeUntil stops purging once at least pages pages have been reclaimed.
func PurgeUntil(pages int) PurgeMode {
	return PurgeMode{target: pages}
}

func (mode PurgeMode) done(purged int) bool {
	return mode.target > 0 && purged >= mode.target
}

// Purge reclaims the pages of volatile purgeable objects created with the
// page allocator of the manager and returns the number of reclaimed pages.
// Objects are visited in creation order.
func (m *Manager) Purge(mode PurgeMode) int {
	var purged int
	for _, obj := range m.pages.trackedPurgeables() {
		if mode.done(purged) {
			break
		}
		if obj.IsVolatile() {
			purged += obj.Purge()
		}
	}

	m.recordPurge(purged)
	return purged
}

// PurgeWithInterruptsDisabled reclaims volatile memory from a context that
// cannot wait for other CPUs. Objects whose locks are held elsewhere are
// skipped and counted in the second return value. The reclaim is best
// effort.
func (m *Manager) PurgeWithInterruptsDisabled() (int, int) {
	enabled := cpu.SaveAndDisableInterrupts()
	defer cpu.RestoreInterrupts(enabled)

	return m.tryPurge(PurgeAll)
}

// tryPurge reclaims volatile memory without waiting for contended object
// locks. It returns the number of reclaimed pages and the number of skipped
// objects.
func (m *Manager) tryPurge(mode PurgeMode) (int, int) {
	objects, ok := m.pages.tryTrackedPurgeables()
	if !ok {
		return 0, 1
	}

	var purged, skipped int
	for _, obj := range objects {
		if mode.done(purged) {
			break
		}

		count, status := obj.TryPurge()
		if status == vmobject.PurgeSkippedContention {
			skipped++
		}
		purged += count
	}

	if skipped != 0 {
		kfmt.Printf("[mmgr] best-effort purge skipped %d contended objects\n", skipped)
	}

	m.recordPurge(purged)
	return purged, skipped
}

func (m *Manager) spacesLocked() []*space.AddressSpace {
	return append([]*space.AddressSpace{m.kernelSpace}, m.userSpaces...)
}

func (m *Manager) recordPurge(pages int) {
	m.purgedPages.Add(uint64(pages))
}
