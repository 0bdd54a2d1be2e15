// Package server implements the HAP request/dispatch pipeline (spec §4.H,
// §4.I): the plaintext pair-setup/pair-verify exchange, the switch to the
// encrypted transport once verified, and the /accessories, /characteristics,
// /prepare, /pairings and /identify HTTP operations. Grounded on the
// teacher's pkg/hap/server.go accept/dispatch loop (Accept -> HandleRequest
// -> HandleSecure) and pkg/homekit/server.go's capability-interface split,
// generalized to this library's own accessory.Database and pairing.Session.
package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gohap/hap/pkg/hap"
	"github.com/gohap/hap/pkg/hap/accessory"
	"github.com/gohap/hap/pkg/hap/event"
	"github.com/gohap/hap/pkg/hap/pairing"
	"github.com/gohap/hap/pkg/hap/state"
	"github.com/gohap/hap/pkg/hap/transport"
)

// MIME types and URIs used on the wire (spec §4.H; grounded on the
// teacher's pkg/hap/http.go constants).
const (
	MimeTLV8 = "application/pairing+tlv8"
	MimeJSON = "application/hap+json"

	PathPairSetup       = "/pair-setup"
	PathPairVerify      = "/pair-verify"
	PathPairings        = "/pairings"
	PathAccessories     = "/accessories"
	PathCharacteristics = "/characteristics"
	PathPrepare         = "/prepare"
	PathIdentify        = "/identify"
)

// IdentifyFunc is invoked for an unauthenticated POST /identify, received
// only before the accessory has ever been paired (spec §4.I).
type IdentifyFunc func() error

// Server dispatches HAP requests against a single accessory database.
type Server struct {
	db       *accessory.Database
	store    *state.Store
	disp     *event.Dispatcher
	registry *pairing.Registry
	log      zerolog.Logger

	Identify IdentifyFunc

	// OnConfigChange is invoked after every successful pair-setup. The
	// server does not watch the structural hash of db, so a topology
	// change does not invoke it. Left nil, nothing is called.
	OnConfigChange func()

	// OnPairingChange is invoked whenever a pairing is added or removed;
	// a server embedder wires this to advertise.Advertiser.UpdateStatus
	// so the "sf" TXT flag tracks the accessory's paired state (spec
	// §4.K, §8 scenario 6).
	OnPairingChange func()

	prepareMu sync.Mutex
	prepared  map[uint64]preparedWrite

	sessMu   sync.Mutex
	sessions map[*transport.Conn]struct{}
}

// New builds a Server over db, persisting pairing state through store and
// delivering notifications through disp.
func New(db *accessory.Database, store *state.Store, disp *event.Dispatcher) *Server {
	db.SetNotifier(disp)
	return &Server{
		db:       db,
		store:    store,
		disp:     disp,
		registry: pairing.NewRegistry(store),
		log:      hap.Logger("server"),
		prepared: map[uint64]preparedWrite{},
		sessions: map[*transport.Conn]struct{}{},
	}
}

// Serve listens on addr and accepts connections until Accept returns an
// error (the teacher's Server.Serve loops forever on ln.Accept; we do the
// same since a HAP bridge is long-lived for the process lifetime). The
// listener is private to Serve; there is no separate shutdown call.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)

	req, err := http.ReadRequest(r)
	if err != nil {
		return
	}

	switch req.URL.Path {
	case PathPairSetup:
		s.handlePairSetup(conn, r, req)

	case PathPairVerify:
		tc, clientID, err := s.handlePairVerify(conn, r, req)
		if err != nil {
			s.log.Debug().Err(err).Msg("pair-verify failed")
			return
		}
		s.handleSecure(tc, clientID)

	case PathIdentify:
		res, err := (&session{server: s}).postIdentify()
		if err != nil {
			return
		}
		_ = res.Write(conn)

	default:
		_ = writeStatus(conn, http.StatusBadRequest)
	}
}

// handleSecure runs the encrypted request loop for one verified session,
// until the connection closes or a request fails to decode (spec §4.H).
func (s *Server) handleSecure(tc *transport.Conn, clientID string) {
	defer tc.Close()
	defer s.disp.RemoveSession(tc)
	defer s.removeSession(tc)
	s.addSession(tc)

	sess := &session{server: s, conn: tc, clientID: clientID}

	r := bufio.NewReader(tc)
	for {
		req, err := http.ReadRequest(r)
		if err != nil {
			return
		}

		res, err := sess.dispatch(req)
		if err != nil {
			s.log.Debug().Err(err).Str("path", req.URL.Path).Msg("request failed")
			return
		}
		if res == nil {
			continue
		}
		// One tc.Write per response, so an EVENT frame written by the
		// dispatcher cannot land between its header and body.
		var buf bytes.Buffer
		if err := res.Write(&buf); err != nil {
			return
		}
		if _, err := tc.Write(buf.Bytes()); err != nil {
			return
		}
	}
}

func (s *Server) notifyPairingChange() {
	if s.OnPairingChange != nil {
		s.OnPairingChange()
	}
}

func (s *Server) addSession(tc *transport.Conn) {
	s.sessMu.Lock()
	s.sessions[tc] = struct{}{}
	s.sessMu.Unlock()
}

func (s *Server) removeSession(tc *transport.Conn) {
	s.sessMu.Lock()
	delete(s.sessions, tc)
	s.sessMu.Unlock()
}

// closeAllSessionsExcept force-closes every open encrypted session other
// than keep (spec §8 scenario 6: unpairing the last admin "drops all
// sessions"). keep is typically the connection carrying the /pairings
// request itself, so its response can still be delivered. Closing a
// session unblocks its handleSecure read loop, which then removes itself
// from s.sessions via its own deferred cleanup.
func (s *Server) closeAllSessionsExcept(keep *transport.Conn) {
	s.sessMu.Lock()
	toClose := make([]*transport.Conn, 0, len(s.sessions))
	for tc := range s.sessions {
		if tc != keep {
			toClose = append(toClose, tc)
		}
	}
	s.sessMu.Unlock()

	for _, tc := range toClose {
		tc.Close()
	}
}

func writeStatus(w io.Writer, code int) error {
	_, err := w.Write([]byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n\r\n", code, http.StatusText(code))))
	return err
}

// preparedWrite is one outstanding /prepare TTL window (spec §4.I): a
// controller reserves a pid, then a subsequent /characteristics PUT
// carrying that pid is accepted only if it arrives before expires. The
// characteristics in an accepted request are still applied one by one,
// each with its own status.
type preparedWrite struct {
	expires time.Time
}
