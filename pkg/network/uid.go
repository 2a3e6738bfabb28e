package network

import "github.com/rs/xid"

// shortLen is the tail of an xid that changes from one id to the next.
const shortLen = 6

// Uid tells sessions and connections apart in logs.
type Uid string

func NewUid() Uid { return Uid(xid.New().String()) }

func (u Uid) String() string { return string(u) }

// Short returns the id tail, which is enough within one process.
func (u Uid) Short() string {
	if len(u) <= shortLen {
		return string(u)
	}
	return string(u[len(u)-shortLen:])
}
