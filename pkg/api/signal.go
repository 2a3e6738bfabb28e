package api

import (
	"strings"

	"github.com/goccy/go-json"
)

// Negotiation descriptor types.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
	// SignalRenegotiate and SignalTransceiver are sent by some peers and carry
	// nothing a data-only tunnel needs.
	SignalRenegotiate = "renegotiate"
	SignalTransceiver = "transceiverRequest"
)

// Signal is a negotiation descriptor: an SDP offer/answer or one trickled
// ICE candidate, in the JSON shape used by browser and node peers.
type Signal struct {
	Type      string     `json:"type,omitempty"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// Candidate mirrors RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// IsDegenerate reports descriptors that must never reach a transport:
// empty ones, descriptions without SDP, and candidates with an empty
// candidate line (the end-of-candidates marker).
func (s *Signal) IsDegenerate() bool {
	if s == nil {
		return true
	}
	switch s.Type {
	case SignalOffer, SignalAnswer:
		return strings.TrimSpace(s.SDP) == ""
	case SignalCandidate:
		return s.Candidate == nil || strings.TrimSpace(s.Candidate.Candidate) == ""
	case "":
		// untyped candidates are still sent by older peers
		return s.Candidate == nil || strings.TrimSpace(s.Candidate.Candidate) == ""
	default:
		return false
	}
}

// IsDescription reports an offer or an answer.
func (s *Signal) IsDescription() bool {
	return s != nil && (s.Type == SignalOffer || s.Type == SignalAnswer)
}

// ParseSignal decodes a raw descriptor and drops degenerate ones.
// It returns ErrMalformed when the bytes are not a descriptor at all.
func ParseSignal(raw json.RawMessage) (*Signal, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrMalformed
	}
	var s Signal
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, Wrap(ErrMalformed, err, "bad signal")
	}
	if s.IsDegenerate() {
		return nil, ErrMalformed
	}
	return &s, nil
}
