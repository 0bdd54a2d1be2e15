package accessory

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"
)

// Notifier is implemented by the event dispatcher (pkg/hap/event) and
// invoked whenever a characteristic's value changes, whether
// server-originated (originator == nil) or controller-originated.
type Notifier interface {
	Notify(aid, iid uint64, value any, originator any)
}

// Database is the single owning container for every accessory, service and
// characteristic on a server (spec §9 "arena"). Reads (serialization, value
// lookups) take the read lock; structural and value mutations take the
// write lock. A reader-preferring RWMutex is sufficient per spec §5.
type Database struct {
	mu       sync.RWMutex
	iidMgr   *IIDManager
	notifier Notifier

	accessories []*Accessory
	byAID       map[uint64]*Accessory
}

// NewDatabase creates an empty database backed by the given (possibly
// restored) IID manager.
func NewDatabase(iidMgr *IIDManager) *Database {
	if iidMgr == nil {
		iidMgr = NewIIDManager()
	}
	return &Database{
		iidMgr: iidMgr,
		byAID:  map[uint64]*Accessory{},
	}
}

// SetNotifier wires the event dispatcher. Must be called before any
// characteristic value is changed if notifications are desired.
func (db *Database) SetNotifier(n Notifier) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.notifier = n
}

func (db *Database) notify(aid, iid uint64, value any, originator any) {
	db.mu.RLock()
	n := db.notifier
	db.mu.RUnlock()
	if n != nil {
		n.Notify(aid, iid, value, originator)
	}
}

// AddAccessory inserts a, assigning every service and characteristic iid in
// construction order via the persistent IID manager (spec §4.C). Services
// and characteristics are expected to already have AID unset; AddAccessory
// stamps it.
func (db *Database) AddAccessory(a *Accessory) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, s := range a.Services {
		s.AID = a.AID
		s.IID = db.iidMgr.Assign(a.AID, s.Type, s.Name)
		for _, c := range s.Characteristics {
			c.AID = a.AID
			c.db = db
			c.IID = db.iidMgr.Assign(a.AID, c.Type, c.Description)
		}
	}

	db.accessories = append(db.accessories, a)
	db.byAID[a.AID] = a
}

// Accessories returns every accessory in construction order.
func (db *Database) Accessories() []*Accessory {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*Accessory, len(db.accessories))
	copy(out, db.accessories)
	return out
}

// Accessory looks up an accessory by aid.
func (db *Database) Accessory(aid uint64) *Accessory {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.byAID[aid]
}

// Characteristic looks up a characteristic by (aid, iid).
func (db *Database) Characteristic(aid, iid uint64) *Characteristic {
	db.mu.RLock()
	defer db.mu.RUnlock()
	a := db.byAID[aid]
	if a == nil {
		return nil
	}
	return a.CharacteristicByIID(iid)
}

// NextAID returns the next unused accessory id starting from 2 (aid 1 is
// reserved for the bridge/primary accessory, spec §3).
func (db *Database) NextAID() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()

	max := uint64(BridgeAID)
	for aid := range db.byAID {
		if aid > max {
			max = aid
		}
	}
	return max + 1
}

// StructuralHash computes a digest of the topology (accessories, services,
// characteristics, their constraints) but deliberately excludes current
// characteristic values (spec §4.K, invariant 5: c# must not change when
// only values change). Two databases with the same topology hash equal
// regardless of the order accessories were added, since the computation
// sorts by (aid, iid) before hashing.
//
// This hash algorithm is an Open Question in spec §9 ("exact structural
// hash algorithm... is implementation-defined"); this implementation
// freezes it as described here — see DESIGN.md.
func (db *Database) StructuralHash() [32]byte {
	db.mu.RLock()
	defer db.mu.RUnlock()

	type row struct {
		aid, iid uint64
		line     []byte
	}
	var rows []row

	for _, a := range db.accessories {
		for _, s := range a.Services {
			rows = append(rows, row{a.AID, s.IID, structLine(s.Type, s.Primary, s.Hidden, s.Linked)})
			for _, c := range s.Characteristics {
				rows = append(rows, row{a.AID, c.IID, charStructLine(c)})
			}
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].aid != rows[j].aid {
			return rows[i].aid < rows[j].aid
		}
		return rows[i].iid < rows[j].iid
	})

	h := sha256.New()
	for _, r := range rows {
		var hdr [16]byte
		binary.LittleEndian.PutUint64(hdr[0:8], r.aid)
		binary.LittleEndian.PutUint64(hdr[8:16], r.iid)
		h.Write(hdr[:])
		h.Write(r.line)
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func structLine(typ string, primary, hidden bool, linked []uint64) []byte {
	b := []byte(typ)
	if primary {
		b = append(b, 'P')
	}
	if hidden {
		b = append(b, 'H')
	}
	for _, l := range linked {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], l)
		b = append(b, buf[:]...)
	}
	return b
}

func charStructLine(c *Characteristic) []byte {
	b := []byte(c.Type + "|" + c.Format + "|")
	for _, p := range c.Perms {
		b = append(b, p...)
		b = append(b, ',')
	}
	b = appendFloatPtr(b, c.MinValue)
	b = appendFloatPtr(b, c.MaxValue)
	b = appendFloatPtr(b, c.MinStep)
	if c.MaxLen != nil {
		b = append(b, byte(*c.MaxLen), byte(*c.MaxLen>>8))
	}
	keys := make([]string, 0, len(c.ValidValues))
	for k := range c.ValidValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b = append(b, k...)
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(c.ValidValues[k]))
		b = append(b, buf[:]...)
	}
	return b
}

func appendFloatPtr(b []byte, f *float64) []byte {
	if f == nil {
		return append(b, 0)
	}
	var buf [9]byte
	buf[0] = 1
	bits := int64(*f * 1000)
	binary.LittleEndian.PutUint64(buf[1:], uint64(bits))
	return append(b, buf[:]...)
}
