// Package state persists everything a server needs to survive a restart
// with the same identity: its long-term Ed25519 keypair, setup pincode and
// id, the registry of paired controllers, and the accessory IID mapping
// (spec §4.E). Grounded on pyhap's state.py for the field set and on the
// teacher's general "write config, reread on restart" discipline
// (internal/app/storage.go, cmd/app/app.go).
package state

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/gohap/hap/pkg/hap/accessory"
)

// Permissions of a paired controller (HAP table 5-6).
const (
	PermissionRegular = 0x00
	PermissionAdmin   = 0x01
)

// PairedClient is one controller admitted via pair-setup or pair-add.
type PairedClient struct {
	PublicKey   []byte `json:"publicKey"`
	Permissions byte   `json:"permissions"`
}

// document is the on-disk JSON shape.
type document struct {
	DeviceID      string                  `json:"deviceId"`
	Pincode       string                  `json:"pincode"`
	SetupID       string                  `json:"setupId"`
	ConfigVersion uint64                  `json:"configVersion"`
	PrivateKey    []byte                  `json:"privateKey"`
	PublicKey     []byte                  `json:"publicKey"`
	PairedClients map[string]PairedClient `json:"pairedClients"`
	IIDs          []accessory.Entry       `json:"iids"`
}

// Store is the mutex-guarded, disk-backed identity of a server. Every
// mutator persists atomically (temp file + rename) before returning, so a
// crash between steps never leaves a half-written file (spec §4.E).
type Store struct {
	path string

	mu            sync.Mutex
	deviceID      string
	pincode       string
	setupID       string
	configVersion uint64
	privateKey    ed25519.PrivateKey
	publicKey     ed25519.PublicKey
	pairedClients map[string]PairedClient
	iidMgr        *accessory.IIDManager
}

// Load reads path, creating and persisting a freshly generated identity if
// it does not yet exist (pyhap's State.__init__ "generate on first run"
// behavior).
func Load(path string) (*Store, error) {
	s := &Store{path: path, pairedClients: map[string]PairedClient{}}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := s.generate(); err != nil {
			return nil, err
		}
		return s, s.save()
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", path, err)
	}

	s.deviceID = doc.DeviceID
	s.pincode = doc.Pincode
	s.setupID = doc.SetupID
	s.configVersion = doc.ConfigVersion
	s.privateKey = ed25519.PrivateKey(doc.PrivateKey)
	s.publicKey = ed25519.PublicKey(doc.PublicKey)
	if doc.PairedClients != nil {
		s.pairedClients = doc.PairedClients
	}
	s.iidMgr = accessory.Import(doc.IIDs)

	return s, nil
}

func (s *Store) generate() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("state: generate keypair: %w", err)
	}
	s.privateKey = priv
	s.publicKey = pub

	deviceID, err := generateDeviceID()
	if err != nil {
		return err
	}
	s.deviceID = deviceID

	pincode, err := generatePincode()
	if err != nil {
		return err
	}
	s.pincode = pincode

	setupID, err := generateSetupID()
	if err != nil {
		return err
	}
	s.setupID = setupID

	s.configVersion = 1
	s.iidMgr = accessory.NewIIDManager()
	return nil
}

func (s *Store) save() error {
	doc := document{
		DeviceID:      s.deviceID,
		Pincode:       s.pincode,
		SetupID:       s.setupID,
		ConfigVersion: s.configVersion,
		PrivateKey:    s.privateKey,
		PublicKey:     s.publicKey,
		PairedClients: s.pairedClients,
		IIDs:          s.iidMgr.Export(),
	}

	raw, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: rename temp file: %w", err)
	}
	return nil
}

// DeviceID returns the accessory's persistent identifier, formatted as a
// colon-separated MAC-like string used both as the mDNS instance id and in
// pair-verify.
func (s *Store) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Pincode returns the setup code shown to the user, formatted "XXX-XX-XXX".
func (s *Store) Pincode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pincode
}

// SetupID returns the 4-character setup id embedded in the QR/manual pairing payload.
func (s *Store) SetupID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setupID
}

// LongTermKeypair returns the server's persistent Ed25519 identity, used to
// sign the M6 pair-setup payload and the pair-verify M2 payload.
func (s *Store) LongTermKeypair() (ed25519.PublicKey, ed25519.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicKey, s.privateKey
}

// ConfigVersion returns the current "c#" value advertised over mDNS.
func (s *Store) ConfigVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configVersion
}

// BumpConfigVersion increments and persists "c#", used whenever the
// accessory database's structural hash changes (spec §4.K).
func (s *Store) BumpConfigVersion() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configVersion++
	v := s.configVersion
	return v, s.save()
}

// Paired reports whether any controller is registered (spec §4.F re-pair
// guard: pair-setup is only permitted while this is false).
func (s *Store) Paired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairedClients) > 0
}

// PairedClient looks up a registered controller by its hex-encoded pairing id.
func (s *Store) PairedClient(id string) (PairedClient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.pairedClients[id]
	return c, ok
}

// PairedClients returns a snapshot of every registered controller, keyed by
// hex-encoded pairing id.
func (s *Store) PairedClients() map[string]PairedClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]PairedClient, len(s.pairedClients))
	for k, v := range s.pairedClients {
		out[k] = v
	}
	return out
}

// AddPairedClient registers a controller and persists immediately.
func (s *Store) AddPairedClient(id string, pub []byte, perms byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairedClients[id] = PairedClient{PublicKey: pub, Permissions: perms}
	return s.save()
}

// RemovePairedClient unregisters a controller and persists immediately.
// Other pairings are left in place, even when id was the last admin;
// ClearPairedClients is the call that wipes them.
func (s *Store) RemovePairedClient(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pairedClients, id)
	return s.save()
}

// HasOtherAdmin reports whether an admin controller other than id remains
// registered.
func (s *Store) HasOtherAdmin(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cid, c := range s.pairedClients {
		if cid != id && c.Permissions == PermissionAdmin {
			return true
		}
	}
	return false
}

// ClearPairedClients wipes every registered controller and persists
// immediately. Used when the last admin unpairs (spec §4.F, §8 scenario
// 6): removing it invalidates every other pairing too, since without an
// admin no controller could ever re-add one.
func (s *Store) ClearPairedClients() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairedClients = map[string]PairedClient{}
	return s.save()
}

// IIDManager returns the persistent instance-id allocator, shared with the
// accessory.Database that this server builds.
func (s *Store) IIDManager() *accessory.IIDManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iidMgr
}

// Save persists the IID manager's current state; called after the
// accessory database has been fully populated at startup so freshly
// assigned iids survive the next restart.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func generateDeviceID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("state: generate device id: %w", err)
	}
	buf[0] |= 0x02 // locally administered, per pyhap's util.generate_mac
	buf[0] &^= 0x01
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		buf[0], buf[1], buf[2], buf[3], buf[4], buf[5]), nil
}

// forbiddenPincodes lists the trivial setup codes a controller could guess
// without ever seeing the accessory (spec §6): the ten repeated-digit codes
// plus the ascending/descending runs.
var forbiddenPincodes = map[string]bool{
	"000-00-000": true,
	"111-11-111": true,
	"222-22-222": true,
	"333-33-333": true,
	"444-44-444": true,
	"555-55-555": true,
	"666-66-666": true,
	"777-77-777": true,
	"888-88-888": true,
	"999-99-999": true,
	"123-45-678": true,
	"876-54-321": true,
}

func generatePincode() (string, error) {
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(100000000))
		if err != nil {
			return "", fmt.Errorf("state: generate pincode: %w", err)
		}
		digits := fmt.Sprintf("%08d", n.Int64())
		pincode := fmt.Sprintf("%s-%s-%s", digits[0:3], digits[3:5], digits[5:8])
		if !forbiddenPincodes[pincode] {
			return pincode, nil
		}
	}
}

func generateSetupID() (string, error) {
	const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("state: generate setup id: %w", err)
	}
	out := make([]byte, 4)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

// PairingIDHex is a small helper so callers keep a single canonical string
// form for controller pairing ids across the pairing and state packages.
func PairingIDHex(id []byte) string {
	return hex.EncodeToString(id)
}
