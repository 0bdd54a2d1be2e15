package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gohap/hap/pkg/hap/pairing"
	"github.com/gohap/hap/pkg/hap/transport"
)

// handlePairSetup runs the full M1-M6 exchange over the plaintext
// connection, reading each subsequent request from r as it arrives (spec
// §4.F; grounded on the teacher's pairing.go PairSetupHandler, which reads
// M3 and M5 off the same bufio.Reader after writing M2 and M4).
func (s *Server) handlePairSetup(conn net.Conn, r *bufio.Reader, req *http.Request) {
	sess := pairing.NewSession(s.registry)
	// Releases the server-wide pair-setup slot if the connection drops
	// between SetupM1/M3/M5 calls (e.g. a read failure below), not just on
	// errors returned from those calls themselves.
	defer sess.Abort()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return
	}

	out, err := sess.SetupM1(body)
	if out != nil {
		if werr := writeTLV8(conn, out); werr != nil {
			return
		}
	}
	if err != nil {
		s.log.Debug().Err(err).Msg("pair-setup M1 failed")
		return
	}

	req, err = http.ReadRequest(r)
	if err != nil {
		return
	}
	body, err = io.ReadAll(req.Body)
	if err != nil {
		return
	}
	out, err = sess.SetupM3(body)
	if out != nil {
		if werr := writeTLV8(conn, out); werr != nil {
			return
		}
	}
	if err != nil {
		s.log.Debug().Err(err).Msg("pair-setup M3 failed")
		return
	}

	req, err = http.ReadRequest(r)
	if err != nil {
		return
	}
	body, err = io.ReadAll(req.Body)
	if err != nil {
		return
	}
	out, clientID, err := sess.SetupM5(body)
	if out != nil {
		if werr := writeTLV8(conn, out); werr != nil {
			return
		}
	}
	if err != nil {
		s.log.Debug().Err(err).Msg("pair-setup M5 failed")
		return
	}

	s.log.Info().Str("client", clientID).Msg("paired")
	s.notifyPairingChange()
	if s.OnConfigChange != nil {
		s.OnConfigChange()
	}
}

// handlePairVerify runs the M1-M4 exchange over the plaintext connection
// and, on success, wraps conn in the encrypted transport (spec §4.G;
// grounded on the teacher's pairing.go PairVerifyHandler + server.go's
// HandleRequest, which calls NewSecure(sessionShared, true) immediately
// after M4).
func (s *Server) handlePairVerify(conn net.Conn, r *bufio.Reader, req *http.Request) (*transport.Conn, string, error) {
	sess := pairing.NewSession(s.registry)

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, "", err
	}

	out, err := sess.VerifyM1(body)
	if err != nil {
		return nil, "", err
	}
	if err := writeTLV8(conn, out); err != nil {
		return nil, "", err
	}

	req, err = http.ReadRequest(r)
	if err != nil {
		return nil, "", err
	}
	body, err = io.ReadAll(req.Body)
	if err != nil {
		return nil, "", err
	}

	out, sharedSecret, clientID, err := sess.VerifyM3(body)
	if err != nil {
		return nil, "", err
	}
	if err := writeTLV8(conn, out); err != nil {
		return nil, "", err
	}

	tc, err := transport.New(conn, sharedSecret, true)
	if err != nil {
		return nil, "", err
	}
	return tc, clientID, nil
}

func writeTLV8(w io.Writer, body []byte) error {
	header := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n",
		MimeTLV8, len(body),
	)
	_, err := w.Write(append([]byte(header), body...))
	return err
}
