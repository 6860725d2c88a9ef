package balancer

import (
	"errors"

	"batchgate/internal/service"
)

// ErrNoneReady is returned by a Call that was not preceded by a Ready poll
// and finds no member ready
var ErrNoneReady = errors.New("no balancer member is ready")

// Member is one weighted backend of a balancer
type Member[Req, Resp any] struct {
	Name    string
	Weight  int
	Service service.Service[Req, Resp]
}

// Stats holds the number of calls sent to each member, by name
type Stats map[string]uint64

type member[Req, Resp any] struct {
	name   string
	weight int
	svc    service.Service[Req, Resp]
	closed error // latched close reason
	calls  uint64
}
