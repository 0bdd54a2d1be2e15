package accessory

import "sync"

// iidKey identifies a service or characteristic by the triple that must
// stay stable across restarts (spec §4.C): the owning accessory, the
// Apple-defined type UUID, and the human display name (AccessoryInformation
// has several children of different types but Identify/Manufacturer/etc.
// are each a distinct type, so type alone is sufficient there; display name
// disambiguates accessories with more than one instance of a repeatable
// service, e.g. two Outlet services on a power strip).
type iidKey struct {
	aid  uint64
	typ  string
	name string
}

// IIDManager allocates instance ids within an accessory and remembers the
// mapping so iids survive a restart with the same construction order (spec
// §3 invariant: "iids are stable across restarts for a given accessory
// topology"). It is exported via Export/Import so state.Store can persist
// it alongside the rest of the server identity.
type IIDManager struct {
	mu       sync.Mutex
	next     map[uint64]uint64
	assigned map[iidKey]uint64
}

// NewIIDManager returns an empty manager, as on first run.
func NewIIDManager() *IIDManager {
	return &IIDManager{
		next:     map[uint64]uint64{},
		assigned: map[iidKey]uint64{},
	}
}

// Assign returns the iid for (aid, typ, name), allocating a new one the
// first time it is seen and remembering it for subsequent calls (including
// across restarts once Import has repopulated the manager).
func (m *IIDManager) Assign(aid uint64, typ, name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := iidKey{aid, typ, name}
	if iid, ok := m.assigned[key]; ok {
		return iid
	}

	m.next[aid]++
	iid := m.next[aid]
	m.assigned[key] = iid
	return iid
}

// Entry is one persisted (aid, type, name) -> iid mapping.
type Entry struct {
	AID  uint64 `json:"aid"`
	Type string `json:"type"`
	Name string `json:"name"`
	IID  uint64 `json:"iid"`
}

// Export returns every known mapping, for persistence.
func (m *IIDManager) Export() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]Entry, 0, len(m.assigned))
	for k, iid := range m.assigned {
		entries = append(entries, Entry{AID: k.aid, Type: k.typ, Name: k.name, IID: iid})
	}
	return entries
}

// Import restores a manager from a previously Exported slice, recomputing
// the per-accessory next-iid counters so future Assign calls continue
// monotonically.
func Import(entries []Entry) *IIDManager {
	m := NewIIDManager()
	for _, e := range entries {
		key := iidKey{e.AID, e.Type, e.Name}
		m.assigned[key] = e.IID
		if e.IID > m.next[e.AID] {
			m.next[e.AID] = e.IID
		}
	}
	return m
}
