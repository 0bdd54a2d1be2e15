// Package pairing implements the pair-setup and pair-verify TLV8 state
// machines (spec §4.F), grounded directly on the teacher's pairing.go
// (SRP session via tadglines/go-pkgs/crypto/srp, Ed25519 signature
// exchange, ChaCha20-Poly1305 sub-TLV encryption) and server_pairing.go
// (kept for its throttle-relevant error path shape). Unlike the teacher,
// a Session here never touches net.Conn or net/http directly: it consumes
// and produces TLV8 byte payloads, and pkg/hap/server owns the HTTP
// framing around it.
package pairing

import (
	"crypto/sha512"
	"errors"
	"fmt"
	"sync"

	"github.com/tadglines/go-pkgs/crypto/srp"

	"github.com/gohap/hap/pkg/hap/crypto/chacha20poly1305"
	"github.com/gohap/hap/pkg/hap/crypto/curve25519"
	hed25519 "github.com/gohap/hap/pkg/hap/crypto/ed25519"
	"github.com/gohap/hap/pkg/hap/crypto/hkdf"
	"github.com/gohap/hap/pkg/hap/state"
	"github.com/gohap/hap/pkg/hap/tlv8"
)

// TLV8 state byte values (HAP table 5-5).
const (
	M1 = 1
	M2 = 2
	M3 = 3
	M4 = 4
	M5 = 5
	M6 = 6
)

// Error codes carried in the TLV8 kTLVError field (HAP table 5-5).
const (
	CodeUnknown        = 1
	CodeAuthentication = 2
	CodeBackoff        = 3
	CodeMaxPeers       = 4
	CodeMaxTries       = 5
	CodeUnavailable    = 6
	CodeBusy           = 7
)

// MaxFailedAttempts is the number of wrong pair-setup PIN attempts the
// accessory tolerates before refusing any further attempt until restart
// (spec §4.F; the teacher's pairing.go has no such counter).
const MaxFailedAttempts = 100

var (
	ErrTooManyAttempts = errors.New("pairing: too many failed attempts")
	ErrAlreadyPaired   = errors.New("pairing: already paired")
	ErrNotPaired       = errors.New("pairing: not paired")
	ErrWrongState      = errors.New("pairing: wrong tlv8 state")
	ErrBadProof        = errors.New("pairing: client proof invalid")
	ErrBadSignature    = errors.New("pairing: signature invalid")
	ErrSetupBusy       = errors.New("pairing: another pair-setup is already in progress")
)

// Registry is the server-wide pairing configuration and identity, shared
// by every connection's Session. It wraps state.Store, which owns the
// durable pincode, long-term keypair and paired-controller list.
type Registry struct {
	store    *state.Store
	deviceID string

	mu              sync.Mutex
	failedSetups    int
	allowRePair     bool
	setupInProgress bool
}

// NewRegistry builds a Registry from a server's identity store.
func NewRegistry(store *state.Store) *Registry {
	return &Registry{store: store, deviceID: store.DeviceID()}
}

// AllowRePairing lifts the "only pair-setup while unpaired" guard, e.g.
// for an embedder that exposes its own factory-reset affordance and wants
// pair-setup to succeed immediately afterward without a process restart.
func (r *Registry) AllowRePairing(allow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowRePair = allow
}

func (r *Registry) checkThrottle() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failedSetups >= MaxFailedAttempts {
		return ErrTooManyAttempts
	}
	return nil
}

func (r *Registry) recordFailure() {
	r.mu.Lock()
	r.failedSetups++
	r.mu.Unlock()
}

func (r *Registry) recordSuccess() {
	r.mu.Lock()
	r.failedSetups = 0
	r.mu.Unlock()
}

func (r *Registry) checkRepairGuard() error {
	r.mu.Lock()
	allow := r.allowRePair
	r.mu.Unlock()
	if r.store.Paired() && !allow {
		return ErrAlreadyPaired
	}
	return nil
}

// beginSetup claims the server-wide pair-setup slot (spec §5 ordering
// guarantee 4: only one pair-setup exchange may be in progress at a time).
// A concurrent attempt is refused with ErrSetupBusy rather than queued,
// matching HAP's kTLVError_Busy.
func (r *Registry) beginSetup() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.setupInProgress {
		return ErrSetupBusy
	}
	r.setupInProgress = true
	return nil
}

// endSetup releases the slot claimed by beginSetup. Safe to call even if
// the slot was never claimed.
func (r *Registry) endSetup() {
	r.mu.Lock()
	r.setupInProgress = false
	r.mu.Unlock()
}

// Session drives one connection's pair-setup or pair-verify exchange.
// Sessions are not safe for concurrent use; a server serializes requests
// on a given connection anyway (spec §5).
type Session struct {
	registry *Registry

	srpSession   *srp.ServerSession
	sharedSecret []byte // SRP (setup) or ECDH (verify) shared secret, post-derivation

	verifyClientPublic [32]byte
	verifySessionPub   []byte
	verifySessionPriv  []byte

	holdsSetupSlot bool
}

// NewSession starts a fresh pairing exchange bound to registry.
func NewSession(registry *Registry) *Session {
	return &Session{registry: registry}
}

// Abort releases the server-wide pair-setup slot if this session is
// holding one, e.g. because the underlying connection dropped mid-exchange
// without ever reaching SetupM5. Safe to call multiple times and on a
// session that never started a pair-setup.
func (s *Session) Abort() {
	s.releaseSetupSlot()
}

func (s *Session) releaseSetupSlot() {
	if s.holdsSetupSlot {
		s.registry.endSetup()
		s.holdsSetupSlot = false
	}
}

// --- pair-setup ---

type setupPayload struct {
	Method        byte   `tlv8:"0"`
	Identifier    string `tlv8:"1"`
	Salt          []byte `tlv8:"2"`
	PublicKey     []byte `tlv8:"3"`
	Proof         []byte `tlv8:"4"`
	EncryptedData []byte `tlv8:"5"`
	State         byte   `tlv8:"6"`
	Error         byte   `tlv8:"7"`
}

// errorPayload is the minimal TLV8 response for a failed state transition.
type errorPayload struct {
	State byte `tlv8:"6"`
	Error byte `tlv8:"7"`
}

func marshalError(state byte, code byte) []byte {
	buf, _ := tlv8.Marshal(errorPayload{State: state, Error: code})
	return buf
}

// SetupM1 consumes the client's M1 request and returns the M2 response
// (SRP salt and server public key), having first checked the throttle and
// re-pair guard.
func (s *Session) SetupM1(body []byte) ([]byte, error) {
	if err := s.registry.checkThrottle(); err != nil {
		return marshalError(M2, CodeMaxTries), err
	}
	if err := s.registry.checkRepairGuard(); err != nil {
		return marshalError(M2, CodeUnavailable), err
	}
	if err := s.registry.beginSetup(); err != nil {
		return marshalError(M2, CodeBusy), err
	}
	s.holdsSetupSlot = true

	var in setupPayload
	if err := tlv8.Unmarshal(body, &in); err != nil {
		s.releaseSetupSlot()
		return nil, fmt.Errorf("pairing: decode M1: %w", err)
	}
	if in.State != M1 {
		s.releaseSetupSlot()
		return nil, ErrWrongState
	}

	username := []byte("Pair-Setup")
	srpParams, err := srp.NewSRP("rfc5054.3072", sha512.New, setupKDF(username))
	if err != nil {
		s.releaseSetupSlot()
		return nil, fmt.Errorf("pairing: srp init: %w", err)
	}
	srpParams.SaltLength = 16

	salt, verifier, err := srpParams.ComputeVerifier([]byte(s.registry.store.Pincode()))
	if err != nil {
		s.releaseSetupSlot()
		return nil, fmt.Errorf("pairing: srp verifier: %w", err)
	}
	s.srpSession = srpParams.NewServerSession(username, salt, verifier)

	out, err := tlv8.Marshal(struct {
		Salt      []byte `tlv8:"2"`
		PublicKey []byte `tlv8:"3"`
		State     byte   `tlv8:"6"`
	}{State: M2, PublicKey: s.srpSession.GetB(), Salt: salt})
	return out, err
}

// SetupM3 verifies the client's SRP proof and returns the M4 server proof.
func (s *Session) SetupM3(body []byte) ([]byte, error) {
	var in setupPayload
	if err := tlv8.Unmarshal(body, &in); err != nil {
		s.releaseSetupSlot()
		return nil, fmt.Errorf("pairing: decode M3: %w", err)
	}
	if in.State != M3 {
		s.releaseSetupSlot()
		return nil, ErrWrongState
	}
	if s.srpSession == nil {
		s.releaseSetupSlot()
		return nil, ErrWrongState
	}

	sharedKey, err := s.srpSession.ComputeKey(in.PublicKey)
	if err != nil {
		s.registry.recordFailure()
		s.releaseSetupSlot()
		return marshalError(M4, CodeAuthentication), fmt.Errorf("pairing: srp compute key: %w", err)
	}
	s.sharedSecret = sharedKey

	if !s.srpSession.VerifyClientAuthenticator(in.Proof) {
		s.registry.recordFailure()
		s.releaseSetupSlot()
		return marshalError(M4, CodeAuthentication), ErrBadProof
	}

	serverProof := s.srpSession.ComputeAuthenticator(in.Proof)
	out, err := tlv8.Marshal(struct {
		Proof []byte `tlv8:"4"`
		State byte   `tlv8:"6"`
	}{State: M4, Proof: serverProof})
	return out, err
}

// SetupM5 decrypts the client's identity sub-TLV, verifies its signature,
// registers the controller as an admin pairing and returns the encrypted
// M6 response carrying the accessory's own identity and signature.
func (s *Session) SetupM5(body []byte) ([]byte, string, error) {
	var in setupPayload
	if err := tlv8.Unmarshal(body, &in); err != nil {
		s.releaseSetupSlot()
		return nil, "", fmt.Errorf("pairing: decode M5: %w", err)
	}
	if in.State != M5 {
		s.releaseSetupSlot()
		return nil, "", ErrWrongState
	}
	if len(in.EncryptedData) < 16 {
		s.releaseSetupSlot()
		return nil, "", ErrWrongState
	}

	sessionKey, err := hkdf.Sha512(s.sharedSecret, "Pair-Setup-Encrypt-Salt", "Pair-Setup-Encrypt-Info")
	if err != nil {
		s.releaseSetupSlot()
		return nil, "", fmt.Errorf("pairing: derive M5 key: %w", err)
	}

	plain, err := chacha20poly1305.DecryptAndVerify(sessionKey, nil, []byte("PS-Msg05"), in.EncryptedData, nil)
	if err != nil {
		s.registry.recordFailure()
		s.releaseSetupSlot()
		return marshalError(M6, CodeAuthentication), "", fmt.Errorf("pairing: decrypt M5: %w", err)
	}

	var inner struct {
		Identifier string `tlv8:"1"`
		PublicKey  []byte `tlv8:"3"`
		Signature  []byte `tlv8:"10"`
	}
	if err := tlv8.Unmarshal(plain, &inner); err != nil {
		s.releaseSetupSlot()
		return nil, "", fmt.Errorf("pairing: decode M5 inner: %w", err)
	}

	signSalt, err := hkdf.Sha512(s.sharedSecret, "Pair-Setup-Controller-Sign-Salt", "Pair-Setup-Controller-Sign-Info")
	if err != nil {
		s.releaseSetupSlot()
		return nil, "", fmt.Errorf("pairing: derive controller sign salt: %w", err)
	}
	var signed []byte
	signed = append(signed, signSalt...)
	signed = append(signed, inner.Identifier...)
	signed = append(signed, inner.PublicKey...)

	if !hed25519.ValidateSignature(inner.PublicKey, signed, inner.Signature) {
		s.registry.recordFailure()
		s.releaseSetupSlot()
		return marshalError(M6, CodeAuthentication), "", ErrBadSignature
	}

	accessorySignSalt, err := hkdf.Sha512(s.sharedSecret, "Pair-Setup-Accessory-Sign-Salt", "Pair-Setup-Accessory-Sign-Info")
	if err != nil {
		s.releaseSetupSlot()
		return nil, "", fmt.Errorf("pairing: derive accessory sign salt: %w", err)
	}
	pub, priv := s.registry.store.LongTermKeypair()
	var toSign []byte
	toSign = append(toSign, accessorySignSalt...)
	toSign = append(toSign, s.registry.deviceID...)
	toSign = append(toSign, pub...)

	signature, err := hed25519.Signature(priv, toSign)
	if err != nil {
		s.releaseSetupSlot()
		return nil, "", fmt.Errorf("pairing: sign M6: %w", err)
	}

	innerOut, err := tlv8.Marshal(struct {
		Identifier []byte `tlv8:"1"`
		PublicKey  []byte `tlv8:"3"`
		Signature  []byte `tlv8:"10"`
	}{Identifier: []byte(s.registry.deviceID), PublicKey: pub, Signature: signature})
	if err != nil {
		s.releaseSetupSlot()
		return nil, "", err
	}

	encrypted, err := chacha20poly1305.EncryptAndSeal(sessionKey, nil, []byte("PS-Msg06"), innerOut, nil)
	if err != nil {
		s.releaseSetupSlot()
		return nil, "", fmt.Errorf("pairing: encrypt M6: %w", err)
	}

	out, err := tlv8.Marshal(struct {
		EncryptedData []byte `tlv8:"5"`
		State         byte   `tlv8:"6"`
	}{State: M6, EncryptedData: encrypted})
	if err != nil {
		s.releaseSetupSlot()
		return nil, "", err
	}

	if err := s.registry.store.AddPairedClient(state.PairingIDHex([]byte(inner.Identifier)), inner.PublicKey, state.PermissionAdmin); err != nil {
		s.releaseSetupSlot()
		return nil, "", fmt.Errorf("pairing: persist controller: %w", err)
	}
	s.registry.recordSuccess()
	s.releaseSetupSlot()

	return out, inner.Identifier, nil
}

func setupKDF(username []byte) srp.KeyDerivationFunc {
	return func(salt, pin []byte) []byte {
		h := sha512.New()
		h.Write(username)
		h.Write([]byte(":"))
		h.Write(pin)
		t2 := h.Sum(nil)
		h.Reset()
		h.Write(salt)
		h.Write(t2)
		return h.Sum(nil)
	}
}

// --- pair-verify ---

type verifyPayload struct {
	Method        byte   `tlv8:"0"`
	Identifier    string `tlv8:"1"`
	PublicKey     []byte `tlv8:"3"`
	EncryptedData []byte `tlv8:"5"`
	State         byte   `tlv8:"6"`
	Signature     []byte `tlv8:"10"`
}

// VerifyM1 runs the ECDH key agreement and returns the signed, encrypted
// M2 response.
func (s *Session) VerifyM1(body []byte) ([]byte, error) {
	var in verifyPayload
	if err := tlv8.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("pairing: decode verify M1: %w", err)
	}
	if in.State != M1 {
		return nil, ErrWrongState
	}
	if len(in.PublicKey) != 32 {
		return nil, ErrWrongState
	}
	copy(s.verifyClientPublic[:], in.PublicKey)

	sessionPub, sessionPriv := curve25519.GenerateKeyPair()
	s.verifySessionPub, s.verifySessionPriv = sessionPub, sessionPriv

	shared, err := curve25519.SharedSecret(sessionPriv, s.verifyClientPublic[:])
	if err != nil {
		return nil, fmt.Errorf("pairing: ecdh: %w", err)
	}
	s.sharedSecret = shared

	sessionKey, err := hkdf.Sha512(shared, "Pair-Verify-Encrypt-Salt", "Pair-Verify-Encrypt-Info")
	if err != nil {
		return nil, fmt.Errorf("pairing: derive verify key: %w", err)
	}

	var signed []byte
	signed = append(signed, sessionPub...)
	signed = append(signed, s.registry.deviceID...)
	signed = append(signed, s.verifyClientPublic[:]...)

	_, priv := s.registry.store.LongTermKeypair()
	signature, err := hed25519.Signature(priv, signed)
	if err != nil {
		return nil, fmt.Errorf("pairing: sign verify M2: %w", err)
	}

	inner, err := tlv8.Marshal(struct {
		Identifier string `tlv8:"1"`
		Signature  []byte `tlv8:"10"`
	}{Identifier: s.registry.deviceID, Signature: signature})
	if err != nil {
		return nil, err
	}

	encrypted, err := chacha20poly1305.EncryptAndSeal(sessionKey, nil, []byte("PV-Msg02"), inner, nil)
	if err != nil {
		return nil, fmt.Errorf("pairing: encrypt verify M2: %w", err)
	}

	out, err := tlv8.Marshal(struct {
		State         byte   `tlv8:"6"`
		PublicKey     []byte `tlv8:"3"`
		EncryptedData []byte `tlv8:"5"`
	}{State: M2, PublicKey: sessionPub, EncryptedData: encrypted})
	return out, err
}

// VerifyM3 verifies the controller's signature against its registered
// long-term public key and returns the M4 response together with the
// raw ECDH shared secret the caller hands to transport.New to establish
// the encrypted session.
func (s *Session) VerifyM3(body []byte) (response []byte, sharedSecret []byte, clientID string, err error) {
	var in verifyPayload
	if err = tlv8.Unmarshal(body, &in); err != nil {
		err = fmt.Errorf("pairing: decode verify M3: %w", err)
		return
	}
	if in.State != M3 {
		err = ErrWrongState
		return
	}

	sessionKey, kerr := hkdf.Sha512(s.sharedSecret, "Pair-Verify-Encrypt-Salt", "Pair-Verify-Encrypt-Info")
	if kerr != nil {
		err = fmt.Errorf("pairing: derive verify key: %w", kerr)
		return
	}

	plain, derr := chacha20poly1305.DecryptAndVerify(sessionKey, nil, []byte("PV-Msg03"), in.EncryptedData, nil)
	if derr != nil {
		err = fmt.Errorf("pairing: decrypt verify M3: %w", derr)
		return
	}

	var inner verifyPayload
	if err = tlv8.Unmarshal(plain, &inner); err != nil {
		err = fmt.Errorf("pairing: decode verify M3 inner: %w", err)
		return
	}

	client, ok := s.registry.store.PairedClient(state.PairingIDHex([]byte(inner.Identifier)))
	if !ok {
		err = ErrNotPaired
		return
	}

	var signed []byte
	signed = append(signed, s.verifyClientPublic[:]...)
	signed = append(signed, inner.Identifier...)
	signed = append(signed, s.verifySessionPub...)

	if !hed25519.ValidateSignature(client.PublicKey, signed, inner.Signature) {
		err = ErrBadSignature
		return
	}

	out, merr := tlv8.Marshal(struct {
		State byte `tlv8:"6"`
	}{State: M4})
	if merr != nil {
		err = merr
		return
	}

	response = out
	sharedSecret = s.sharedSecret
	clientID = inner.Identifier
	return
}
