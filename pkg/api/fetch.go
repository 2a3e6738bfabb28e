package api

import (
	"net/http"

	"github.com/goccy/go-json"
)

// FetchRequest is sent to the exit node once the tunnel is open.
type FetchRequest struct {
	Url string `json:"url"`
}

// FetchResponse is the exit node's answer.
type FetchResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (r FetchRequest) Marshal() ([]byte, error) { return json.Marshal(r) }

// ParseFetchResponse decodes tunnel data. It fails on anything that isn't
// a JSON object with a status.
func ParseFetchResponse(data []byte) (*FetchResponse, error) {
	var r struct {
		Status *int            `json:"status"`
		Body   json.RawMessage `json:"body,omitempty"`
		Error  string          `json:"error,omitempty"`
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, Wrap(ErrMalformed, err, "bad response")
	}
	if r.Status == nil {
		return nil, Fail(ErrMalformed, "response without status")
	}
	return &FetchResponse{Status: *r.Status, Body: r.Body, Error: r.Error}, nil
}

// Result turns the response into the body or a remote error.
func (r *FetchResponse) Result() (json.RawMessage, error) {
	if r.Status == http.StatusOK {
		return r.Body, nil
	}
	reason := r.Error
	if reason == "" {
		reason = DefaultRemoteReason
	}
	return nil, Fail(ErrRemote, reason)
}
