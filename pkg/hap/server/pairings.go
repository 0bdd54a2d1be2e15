package server

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gohap/hap/pkg/hap/pairing"
	"github.com/gohap/hap/pkg/hap/state"
	"github.com/gohap/hap/pkg/hap/tlv8"
)

// selfCloseDelay gives the caller time to flush the /pairings response
// over the requesting admin's own connection before it too is dropped as
// part of an "unpair last admin" wipe (spec §8 scenario 6).
const selfCloseDelay = 50 * time.Millisecond

func tlv8Response(statusCode int, body []byte) *http.Response {
	return &http.Response{
		StatusCode:    statusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{MimeTLV8}},
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}
}

// TLV8 kTLVMethod values for the /pairings resource (HAP table 5-5).
const (
	methodAddPairing    = 3
	methodRemovePairing = 4
	methodListPairings  = 5
)

type pairingsRequest struct {
	State       byte   `tlv8:"6"`
	Method      byte   `tlv8:"0"`
	Identifier  string `tlv8:"1"`
	PublicKey   []byte `tlv8:"3"`
	Permissions byte   `tlv8:"11"`
}

// handlePairings implements add/remove/list pairing (spec §4.I), grounded
// on the teacher's pkg/hap/server.go HandlePairings and
// pkg/homekit/server.go handlePairings. All three operations require an
// admin controller (spec §4.F: only an admin may manage other pairings).
func (sess *session) handlePairings(req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}

	var in pairingsRequest
	if err := tlv8.Unmarshal(body, &in); err != nil {
		return nil, err
	}

	if !sess.admin() {
		return marshalPairingsError(pairing.CodeAuthentication)
	}

	switch in.Method {
	case methodAddPairing:
		perm := state.PermissionRegular
		if in.Permissions == state.PermissionAdmin {
			perm = state.PermissionAdmin
		}
		if err := sess.server.store.AddPairedClient(state.PairingIDHex([]byte(in.Identifier)), in.PublicKey, byte(perm)); err != nil {
			return nil, err
		}
		sess.server.notifyPairingChange()
		return marshalPairingsOK()

	case methodRemovePairing:
		id := state.PairingIDHex([]byte(in.Identifier))
		removed, existed := sess.server.store.PairedClient(id)

		if err := sess.server.store.RemovePairedClient(id); err != nil {
			return nil, err
		}

		if existed && removed.Permissions == state.PermissionAdmin && !sess.server.store.HasOtherAdmin(id) {
			// Removing the last admin invalidates every other pairing:
			// with no admin left, no controller could ever manage them
			// again. Wipe the lot and force-close every open session
			// (spec §8 scenario 6), keeping this one alive just long
			// enough to deliver its own response.
			if err := sess.server.store.ClearPairedClients(); err != nil {
				return nil, err
			}
			sess.server.registry.AllowRePairing(true)
			sess.server.closeAllSessionsExcept(sess.conn)
			if conn := sess.conn; conn != nil {
				time.AfterFunc(selfCloseDelay, func() { conn.Close() })
			}
		} else if !sess.server.store.Paired() {
			sess.server.registry.AllowRePairing(true)
		}

		sess.server.notifyPairingChange()
		return marshalPairingsOK()

	case methodListPairings:
		return sess.marshalPairingsList()
	}

	return marshalPairingsError(pairing.CodeUnknown)
}

func marshalPairingsOK() (*http.Response, error) {
	body, err := tlv8.Marshal(struct {
		State byte `tlv8:"6"`
	}{State: pairing.M2})
	if err != nil {
		return nil, err
	}
	return tlv8Response(http.StatusOK, body), nil
}

func marshalPairingsError(code int) (*http.Response, error) {
	body, err := tlv8.Marshal(struct {
		State byte `tlv8:"6"`
		Error byte `tlv8:"7"`
	}{State: pairing.M2, Error: byte(code)})
	if err != nil {
		return nil, err
	}
	return tlv8Response(http.StatusOK, body), nil
}

func (sess *session) marshalPairingsList() (*http.Response, error) {
	type entry struct {
		Identifier  string `tlv8:"1"`
		PublicKey   []byte `tlv8:"3"`
		Permissions byte   `tlv8:"11"`
	}

	body, err := tlv8.Marshal(struct {
		State byte `tlv8:"6"`
	}{State: pairing.M2})
	if err != nil {
		return nil, err
	}

	for id, client := range sess.server.store.PairedClients() {
		e, err := tlv8.Marshal(entry{Identifier: id, PublicKey: client.PublicKey, Permissions: client.Permissions})
		if err != nil {
			return nil, err
		}
		body = append(body, e...)
	}

	return tlv8Response(http.StatusOK, body), nil
}
