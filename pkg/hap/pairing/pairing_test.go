package pairing_test

import (
	stded25519 "crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gohap/hap/pkg/hap/crypto/chacha20poly1305"
	"github.com/gohap/hap/pkg/hap/crypto/curve25519"
	"github.com/gohap/hap/pkg/hap/crypto/ed25519"
	"github.com/gohap/hap/pkg/hap/crypto/hkdf"
	"github.com/gohap/hap/pkg/hap/pairing"
	"github.com/gohap/hap/pkg/hap/state"
	"github.com/gohap/hap/pkg/hap/tlv8"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return s
}

// TestPairVerifyRoundTrip drives a full pair-verify exchange, playing the
// controller side with the same primitives the accessory uses, grounded on
// the HAP pair-verify message flow pairing.go implements (M1 ECDH offer,
// M2 signed+encrypted accessory identity, M3 signed+encrypted controller
// identity, M4 ack).
func TestPairVerifyRoundTrip(t *testing.T) {
	store := newTestStore(t)

	clientPub, clientPriv, err := generateEd25519(t)
	require.NoError(t, err)
	clientIdentifier := "controller-1"
	require.NoError(t, store.AddPairedClient(state.PairingIDHex([]byte(clientIdentifier)), clientPub, state.PermissionAdmin))

	registry := pairing.NewRegistry(store)
	sess := pairing.NewSession(registry)

	clientSessionPub, clientSessionPriv := curve25519.GenerateKeyPair()

	m1Body, err := tlv8.Marshal(struct {
		PublicKey []byte `tlv8:"3"`
		State     byte   `tlv8:"6"`
	}{PublicKey: clientSessionPub, State: pairing.M1})
	require.NoError(t, err)

	m2Body, err := sess.VerifyM1(m1Body)
	require.NoError(t, err)

	var m2 struct {
		State         byte   `tlv8:"6"`
		PublicKey     []byte `tlv8:"3"`
		EncryptedData []byte `tlv8:"5"`
	}
	require.NoError(t, tlv8.Unmarshal(m2Body, &m2))
	require.Equal(t, byte(pairing.M2), m2.State)
	require.Len(t, m2.PublicKey, 32)

	sharedSecret, err := curve25519.SharedSecret(clientSessionPriv, m2.PublicKey)
	require.NoError(t, err)
	sessionKey, err := hkdf.Sha512(sharedSecret, "Pair-Verify-Encrypt-Salt", "Pair-Verify-Encrypt-Info")
	require.NoError(t, err)

	plain, err := chacha20poly1305.DecryptAndVerify(sessionKey, nil, []byte("PV-Msg02"), m2.EncryptedData, nil)
	require.NoError(t, err)

	var inner struct {
		Identifier string `tlv8:"1"`
		Signature  []byte `tlv8:"10"`
	}
	require.NoError(t, tlv8.Unmarshal(plain, &inner))

	accessoryPub, _ := store.LongTermKeypair()
	var signed []byte
	signed = append(signed, m2.PublicKey...)
	signed = append(signed, inner.Identifier...)
	signed = append(signed, clientSessionPub...)
	require.True(t, ed25519.ValidateSignature(accessoryPub, signed, inner.Signature))

	var clientSigned []byte
	clientSigned = append(clientSigned, clientSessionPub...)
	clientSigned = append(clientSigned, clientIdentifier...)
	clientSigned = append(clientSigned, m2.PublicKey...)
	clientSignature, err := ed25519.Signature(clientPriv, clientSigned)
	require.NoError(t, err)

	clientInner, err := tlv8.Marshal(struct {
		Identifier string `tlv8:"1"`
		Signature  []byte `tlv8:"10"`
	}{Identifier: clientIdentifier, Signature: clientSignature})
	require.NoError(t, err)

	encrypted, err := chacha20poly1305.EncryptAndSeal(sessionKey, nil, []byte("PV-Msg03"), clientInner, nil)
	require.NoError(t, err)

	m3Body, err := tlv8.Marshal(struct {
		State         byte   `tlv8:"6"`
		EncryptedData []byte `tlv8:"5"`
	}{State: pairing.M3, EncryptedData: encrypted})
	require.NoError(t, err)

	m4Body, gotSharedSecret, gotClientID, err := sess.VerifyM3(m3Body)
	require.NoError(t, err)
	require.Equal(t, clientIdentifier, gotClientID)
	require.Equal(t, sharedSecret, gotSharedSecret)

	var m4 struct {
		State byte `tlv8:"6"`
	}
	require.NoError(t, tlv8.Unmarshal(m4Body, &m4))
	require.Equal(t, byte(pairing.M4), m4.State)
}

func TestPairVerifyRejectsUnregisteredController(t *testing.T) {
	store := newTestStore(t)
	registry := pairing.NewRegistry(store)
	sess := pairing.NewSession(registry)

	clientSessionPub, clientSessionPriv := curve25519.GenerateKeyPair()
	m1Body, err := tlv8.Marshal(struct {
		PublicKey []byte `tlv8:"3"`
		State     byte   `tlv8:"6"`
	}{PublicKey: clientSessionPub, State: pairing.M1})
	require.NoError(t, err)

	m2Body, err := sess.VerifyM1(m1Body)
	require.NoError(t, err)

	var m2 struct {
		State         byte   `tlv8:"6"`
		PublicKey     []byte `tlv8:"3"`
		EncryptedData []byte `tlv8:"5"`
	}
	require.NoError(t, tlv8.Unmarshal(m2Body, &m2))

	sharedSecret, err := curve25519.SharedSecret(clientSessionPriv, m2.PublicKey)
	require.NoError(t, err)
	sessionKey, err := hkdf.Sha512(sharedSecret, "Pair-Verify-Encrypt-Salt", "Pair-Verify-Encrypt-Info")
	require.NoError(t, err)

	unknownPub, unknownPriv, err := generateEd25519(t)
	require.NoError(t, err)
	_ = unknownPub

	var signed []byte
	signed = append(signed, clientSessionPub...)
	signed = append(signed, "nobody"...)
	signed = append(signed, m2.PublicKey...)
	sig, err := ed25519.Signature(unknownPriv, signed)
	require.NoError(t, err)

	inner, err := tlv8.Marshal(struct {
		Identifier string `tlv8:"1"`
		Signature  []byte `tlv8:"10"`
	}{Identifier: "nobody", Signature: sig})
	require.NoError(t, err)

	encrypted, err := chacha20poly1305.EncryptAndSeal(sessionKey, nil, []byte("PV-Msg03"), inner, nil)
	require.NoError(t, err)

	m3Body, err := tlv8.Marshal(struct {
		State         byte   `tlv8:"6"`
		EncryptedData []byte `tlv8:"5"`
	}{State: pairing.M3, EncryptedData: encrypted})
	require.NoError(t, err)

	_, _, _, err = sess.VerifyM3(m3Body)
	require.ErrorIs(t, err, pairing.ErrNotPaired)
}

func TestRepairGuardBlocksSetupWhilePaired(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AddPairedClient("deadbeef", []byte("pub"), state.PermissionAdmin))

	registry := pairing.NewRegistry(store)
	sess := pairing.NewSession(registry)

	m1Body, err := tlv8.Marshal(struct {
		State byte `tlv8:"6"`
	}{State: pairing.M1})
	require.NoError(t, err)

	_, err = sess.SetupM1(m1Body)
	require.ErrorIs(t, err, pairing.ErrAlreadyPaired)

	registry.AllowRePairing(true)
	sess2 := pairing.NewSession(registry)
	_, err = sess2.SetupM1(m1Body)
	require.NoError(t, err)
}

func TestSetupM1RefusesConcurrentAttemptAcrossSessions(t *testing.T) {
	store := newTestStore(t)
	registry := pairing.NewRegistry(store)

	m1Body, err := tlv8.Marshal(struct {
		State byte `tlv8:"6"`
	}{State: pairing.M1})
	require.NoError(t, err)

	first := pairing.NewSession(registry)
	_, err = first.SetupM1(m1Body)
	require.NoError(t, err)

	second := pairing.NewSession(registry)
	_, err = second.SetupM1(m1Body)
	require.ErrorIs(t, err, pairing.ErrSetupBusy)

	// Abandoning the first exchange (e.g. the connection drops) frees the
	// slot for a later attempt.
	first.Abort()

	third := pairing.NewSession(registry)
	_, err = third.SetupM1(m1Body)
	require.NoError(t, err)
}

func generateEd25519(t *testing.T) ([]byte, []byte, error) {
	t.Helper()
	pub, priv, err := stded25519.GenerateKey(rand.Reader)
	return pub, priv, err
}
