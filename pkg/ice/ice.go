// Package ice holds the relay (STUN/TURN) server set used to seed every new
// peer connection.
package ice

import (
	"strings"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
)

// DefaultUrl is the bootstrap STUN server used until the signaling service
// pushes its own list.
const DefaultUrl = "stun:stun.l.google.com:19302"

// Server is one relay descriptor. Urls accepts both a single string and an
// array on decode, as browsers do.
type Server struct {
	Urls       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func (s *Server) UnmarshalJSON(data []byte) error {
	var raw struct {
		Urls       json.RawMessage `json:"urls"`
		Url        string          `json:"url"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Username, s.Credential, s.Urls = raw.Username, raw.Credential, nil
	if len(raw.Urls) > 0 && raw.Urls[0] == '[' {
		if err := json.Unmarshal(raw.Urls, &s.Urls); err != nil {
			return err
		}
	} else if len(raw.Urls) > 0 && string(raw.Urls) != "null" {
		var one string
		if err := json.Unmarshal(raw.Urls, &one); err != nil {
			return err
		}
		s.Urls = []string{one}
	}
	// legacy field
	if raw.Url != "" {
		s.Urls = append(s.Urls, raw.Url)
	}
	return nil
}

// IsTurn reports whether any of the server urls needs credentials.
func (s Server) IsTurn() bool {
	for _, u := range s.Urls {
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

// Servers is an ordered relay set. A Servers value is never modified after
// it has been published, only replaced.
type Servers []Server

// Default returns the built-in bootstrap set.
func Default() Servers { return Servers{{Urls: []string{DefaultUrl}}} }

// Valid drops entries without urls.
func (s Servers) Valid() Servers {
	out := make(Servers, 0, len(s))
	for _, srv := range s {
		if len(srv.Urls) == 0 {
			continue
		}
		urls := make([]string, 0, len(srv.Urls))
		for _, u := range srv.Urls {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) > 0 {
			srv.Urls = urls
			out = append(out, srv)
		}
	}
	return out
}

// Pion converts the set into pion's ICE server list.
func (s Servers) Pion() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(s))
	for _, srv := range s {
		out = append(out, webrtc.ICEServer{
			URLs:       append([]string(nil), srv.Urls...),
			Username:   srv.Username,
			Credential: srv.Credential,
		})
	}
	return out
}

// Relays is the live relay configuration: an immutable Servers snapshot
// swapped atomically. Readers keep whatever snapshot they loaded.
type Relays struct {
	v atomic.Pointer[Servers]
}

// NewRelays makes a relay config seeded with initial,
// or with Default if initial has no usable entries.
func NewRelays(initial Servers) *Relays {
	r := &Relays{}
	if !r.Replace(initial) {
		d := Default()
		r.v.Store(&d)
	}
	return r
}

// Load returns the current snapshot.
func (r *Relays) Load() Servers {
	if s := r.v.Load(); s != nil {
		return *s
	}
	return Default()
}

// Replace swaps in servers as a whole. Empty sets are ignored and the
// previous one stays in effect; the return value tells which happened.
func (r *Relays) Replace(servers Servers) bool {
	valid := servers.Valid()
	if len(valid) == 0 {
		return false
	}
	r.v.Store(&valid)
	return true
}
