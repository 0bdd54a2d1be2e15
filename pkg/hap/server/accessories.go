package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gohap/hap/pkg/hap/accessory"
	"github.com/gohap/hap/pkg/hap/state"
	"github.com/gohap/hap/pkg/hap/transport"
)

// session is one verified, encrypted connection (spec §4.H/§4.I). It is
// not safe for concurrent dispatch, which matches HAP: a controller issues
// one request at a time per connection and waits for the response before
// sending the next.
type session struct {
	server   *Server
	conn     *transport.Conn
	clientID string
}

func (sess *session) admin() bool {
	client, ok := sess.server.store.PairedClient(state.PairingIDHex([]byte(sess.clientID)))
	return ok && client.Permissions == state.PermissionAdmin
}

func (sess *session) dispatch(req *http.Request) (*http.Response, error) {
	switch req.URL.Path {
	case PathAccessories:
		return sess.getAccessories()

	case PathCharacteristics:
		switch req.Method {
		case http.MethodGet:
			return sess.getCharacteristics(req)
		case http.MethodPut:
			return sess.putCharacteristics(req)
		}

	case PathPrepare:
		return sess.putPrepare(req)

	case PathPairings:
		return sess.handlePairings(req)

	case PathIdentify:
		return sess.postIdentify()
	}

	return jsonResponse(http.StatusNotFound, nil)
}

// wireCharacteristic is the JSON shape of one characteristic, used both
// for /accessories (static description) and /characteristics (value
// read/write), mirroring the teacher's pkg/hap/accessory.go Character and
// pkg/homekit/server.go's JSONCharacter (spec §4.I).
type wireCharacteristic struct {
	AID         uint64   `json:"aid,omitempty"`
	IID         uint64   `json:"iid"`
	Type        string   `json:"type,omitempty"`
	Value       any      `json:"value,omitempty"`
	Format      string   `json:"format,omitempty"`
	Perms       []string `json:"perms,omitempty"`
	Description string   `json:"description,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	MinValue    *float64 `json:"minValue,omitempty"`
	MaxValue    *float64 `json:"maxValue,omitempty"`
	MinStep     *float64 `json:"minStep,omitempty"`
	MaxLen      *int     `json:"maxLen,omitempty"`
	Status      *int     `json:"status,omitempty"`
	Event       *bool    `json:"ev,omitempty"`
}

type wireService struct {
	Type            string               `json:"type"`
	IID             uint64               `json:"iid"`
	Primary         bool                 `json:"primary,omitempty"`
	Hidden          bool                 `json:"hidden,omitempty"`
	Linked          []uint64             `json:"linked,omitempty"`
	Characteristics []wireCharacteristic `json:"characteristics"`
}

type wireAccessory struct {
	AID      uint64        `json:"aid"`
	Services []wireService `json:"services"`
}

func (sess *session) getAccessories() (*http.Response, error) {
	var out []wireAccessory
	for _, a := range sess.server.db.Accessories() {
		wa := wireAccessory{AID: a.AID}
		for _, svc := range a.Services {
			ws := wireService{Type: svc.Type, IID: svc.IID, Primary: svc.Primary, Hidden: svc.Hidden, Linked: svc.Linked}
			for _, c := range svc.Characteristics {
				value, _ := c.Value()
				ws.Characteristics = append(ws.Characteristics, wireCharacteristic{
					IID:         c.IID,
					Type:        c.Type,
					Value:       value,
					Format:      c.Format,
					Perms:       c.Perms,
					Description: c.Description,
					Unit:        c.Unit,
					MinValue:    c.MinValue,
					MaxValue:    c.MaxValue,
					MinStep:     c.MinStep,
					MaxLen:      c.MaxLen,
				})
			}
			wa.Services = append(wa.Services, ws)
		}
		out = append(out, wa)
	}

	return jsonResponse(http.StatusOK, struct {
		Accessories []wireAccessory `json:"accessories"`
	}{out})
}

// getCharacteristics implements GET /characteristics?id=aid.iid,aid.iid,...
// with 207 Multi-Status semantics when any requested characteristic fails
// to resolve or is unreadable (spec §4.I).
func (sess *session) getCharacteristics(req *http.Request) (*http.Response, error) {
	ids := strings.Split(req.URL.Query().Get("id"), ",")
	results := make([]wireCharacteristic, 0, len(ids))
	anyError := false

	for _, id := range ids {
		aid, iid, ok := parseCharID(id)
		if !ok {
			anyError = true
			results = append(results, wireCharacteristic{Status: statusPtr(accessory.StatusInvalidValue)})
			continue
		}

		c := sess.server.db.Characteristic(aid, iid)
		if c == nil {
			anyError = true
			results = append(results, wireCharacteristic{AID: aid, IID: iid, Status: statusPtr(accessory.StatusResourceDoesNotExist)})
			continue
		}
		if !c.HasPerm(accessory.PermRead) {
			anyError = true
			results = append(results, wireCharacteristic{AID: aid, IID: iid, Status: statusPtr(accessory.StatusNotPermitted)})
			continue
		}

		value, err := c.Value()
		if err != nil {
			anyError = true
			results = append(results, wireCharacteristic{AID: aid, IID: iid, Status: statusPtr(accessory.StatusResourceBusy)})
			continue
		}
		results = append(results, wireCharacteristic{AID: aid, IID: iid, Value: value, Status: statusPtr(accessory.StatusSuccess)})
	}

	status := http.StatusOK
	if anyError {
		status = http.StatusMultiStatus
	}
	return jsonResponse(status, struct {
		Characteristics []wireCharacteristic `json:"characteristics"`
	}{results})
}

type writeRequest struct {
	Characteristics []struct {
		AID           uint64 `json:"aid"`
		IID           uint64 `json:"iid"`
		Value         any    `json:"value,omitempty"`
		Event         *bool  `json:"ev,omitempty"`
		Remote        bool   `json:"remote,omitempty"`
		WantsResponse bool   `json:"r,omitempty"`
	} `json:"characteristics"`
	PID *uint64 `json:"pid,omitempty"`
}

// putCharacteristics implements PUT /characteristics: per-characteristic
// value writes and event (un)subscriptions, honoring an outstanding
// /prepare pid if present, with 207/204 response semantics matching spec
// §4.I ("multi-characteristic partial success").
func (sess *session) putCharacteristics(req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}

	var in writeRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}

	if in.PID != nil {
		if !sess.server.consumePrepared(*in.PID) {
			return sess.failAll(in, accessory.StatusInvalidPID)
		}
	}

	results := make([]wireCharacteristic, 0, len(in.Characteristics))
	anyError := false

	for _, w := range in.Characteristics {
		c := sess.server.db.Characteristic(w.AID, w.IID)
		if c == nil {
			anyError = true
			results = append(results, wireCharacteristic{AID: w.AID, IID: w.IID, Status: statusPtr(accessory.StatusResourceDoesNotExist)})
			continue
		}

		if w.Event != nil {
			if *w.Event {
				sess.server.disp.Subscribe(sess.conn, w.AID, w.IID)
			} else {
				sess.server.disp.Unsubscribe(sess.conn, w.AID, w.IID)
			}
		}

		if w.Value == nil {
			results = append(results, wireCharacteristic{AID: w.AID, IID: w.IID, Status: statusPtr(accessory.StatusSuccess)})
			continue
		}

		if !c.HasPerm(accessory.PermWrite) {
			anyError = true
			results = append(results, wireCharacteristic{AID: w.AID, IID: w.IID, Status: statusPtr(accessory.StatusNotPermitted)})
			continue
		}

		status, err := c.ClientUpdateValue(w.Value, sess.conn)
		if err != nil {
			sess.server.log.Debug().Err(err).Uint64("aid", w.AID).Uint64("iid", w.IID).Msg("setter failed")
		}
		if status != accessory.StatusSuccess {
			anyError = true
		}
		wc := wireCharacteristic{AID: w.AID, IID: w.IID, Status: statusPtr(status)}
		if w.WantsResponse && c.HasPerm(accessory.PermWriteResponse) {
			value, _ := c.Value()
			wc.Value = value
		}
		results = append(results, wc)
	}

	if !anyError && len(results) > 0 && !hasWriteResponse(results) {
		return &http.Response{StatusCode: http.StatusNoContent, ProtoMajor: 1, ProtoMinor: 1, Header: http.Header{}}, nil
	}

	status := http.StatusOK
	if anyError {
		status = http.StatusMultiStatus
	}
	return jsonResponse(status, struct {
		Characteristics []wireCharacteristic `json:"characteristics"`
	}{results})
}

func hasWriteResponse(results []wireCharacteristic) bool {
	for _, r := range results {
		if r.Value != nil {
			return true
		}
	}
	return false
}

func (sess *session) failAll(in writeRequest, status int) (*http.Response, error) {
	results := make([]wireCharacteristic, 0, len(in.Characteristics))
	for _, w := range in.Characteristics {
		results = append(results, wireCharacteristic{AID: w.AID, IID: w.IID, Status: statusPtr(status)})
	}
	return jsonResponse(http.StatusMultiStatus, struct {
		Characteristics []wireCharacteristic `json:"characteristics"`
	}{results})
}

type prepareRequest struct {
	PID uint64 `json:"pid"`
	TTL uint64 `json:"ttl"`
}

// putPrepare registers a prepared-write pid that a following
// /characteristics PUT can reference, expiring after ttl milliseconds
// (spec §4.I).
func (sess *session) putPrepare(req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	var in prepareRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}

	sess.server.prepareMu.Lock()
	sess.server.prepared[in.PID] = preparedWrite{expires: time.Now().Add(time.Duration(in.TTL) * time.Millisecond)}
	sess.server.prepareMu.Unlock()

	return jsonResponse(http.StatusOK, struct {
		Status int `json:"status"`
	}{accessory.StatusSuccess})
}

// consumePrepared reports whether pid is a still-valid prepared write,
// removing it either way (a pid is single-use).
func (s *Server) consumePrepared(pid uint64) bool {
	s.prepareMu.Lock()
	defer s.prepareMu.Unlock()

	pw, ok := s.prepared[pid]
	delete(s.prepared, pid)
	if !ok {
		return false
	}
	return time.Now().Before(pw.expires)
}

func (sess *session) postIdentify() (*http.Response, error) {
	if sess.server.store.Paired() {
		return jsonResponse(http.StatusBadRequest, struct {
			Status int `json:"status"`
		}{accessory.StatusInsufficientAuthorization})
	}
	if sess.server.Identify != nil {
		if err := sess.server.Identify(); err != nil {
			return jsonResponse(http.StatusInternalServerError, struct {
				Status int `json:"status"`
			}{accessory.StatusResourceBusy})
		}
	}
	return &http.Response{StatusCode: http.StatusNoContent, ProtoMajor: 1, ProtoMinor: 1, Header: http.Header{}}, nil
}

func parseCharID(id string) (aid, iid uint64, ok bool) {
	s1, s2, found := strings.Cut(id, ".")
	if !found {
		return 0, 0, false
	}
	a, err1 := strconv.ParseUint(s1, 10, 64)
	i, err2 := strconv.ParseUint(s2, 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return a, i, true
}

func statusPtr(v int) *int { return &v }

func jsonResponse(statusCode int, v any) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode:    statusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{MimeJSON}, "Content-Length": []string{fmt.Sprint(len(body))}},
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}, nil
}
