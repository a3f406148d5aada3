package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/patronus-health/consult-relay/model"
)

const defaultSendBuffer = 64

var ErrConnClosed = errors.New("connection is closed")

// Conn is the registry's view of one live client: an identity plus an
// ordered outbound queue drained by the transport's write loop. Send
// never blocks; a full queue means the client stopped reading and the
// connection is closed to keep backpressure bounded.
type Conn struct {
	ID       string
	Identity model.Identity

	out  chan model.Event
	done chan struct{}
	once sync.Once
}

func NewConn(identity model.Identity) *Conn {
	return &Conn{
		ID:       uuid.NewString(),
		Identity: identity,
		out:      make(chan model.Event, defaultSendBuffer),
		done:     make(chan struct{}),
	}
}

// Out is the ordered event stream for the transport to write out.
func (c *Conn) Out() <-chan model.Event {
	return c.out
}

// Done is closed when the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Send(ev model.Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- ev:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.Close()
		return ErrConnClosed
	}
}

func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}
