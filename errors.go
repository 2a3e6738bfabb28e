package openrag

import "github.com/openrag/openrag-go/pkg/api"

// Error kinds of the client, see api for the details.
var (
	ErrConfig       = api.ErrConfig
	ErrConnection   = api.ErrConnection
	ErrNotConnected = api.ErrNotConnected
	ErrSecurity     = api.ErrSecurity
	ErrNoPeers      = api.ErrNoPeers
	ErrTimeout      = api.ErrTimeout
	ErrTunnel       = api.ErrTunnel
	ErrRemote       = api.ErrRemote
)

// Error carries the kind, a reason and the cause of a failure.
type Error = api.Error
