package module

import (
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/slogdb/slog/broker"
	"github.com/slogdb/slog/message"
)

// Handler is the capability set a networked module implements. The Base
// demuxes envelopes from the module's channel into these callbacks.
type Handler interface {
	HandleRequest(env *message.Envelope)
	HandleResponse(env *message.Envelope)
	// Tick fires at the configured interval, or never if the interval is 0.
	Tick()
}

// Base is the shared loop of a networked module: poll the broker channel
// with a bounded timeout, demux, and fire ticks.
type Base struct {
	name    string
	broker  *broker.Broker
	inbox   <-chan *message.Envelope
	handler Handler

	poll   *time.Timer
	ticker *time.Ticker
}

// NewBase registers the channel on the broker and wires the handler.
// tickEvery of 0 disables the tick.
func NewBase(name string, b *broker.Broker, ch message.Channel, handler Handler, tickEvery time.Duration) *Base {
	base := &Base{
		name:    name,
		broker:  b,
		inbox:   b.AddChannel(ch),
		handler: handler,
		poll:    time.NewTimer(PollTimeout),
	}
	if tickEvery > 0 {
		base.ticker = time.NewTicker(tickEvery)
	}
	return base
}

func (b *Base) Name() string { return b.name }

func (b *Base) SetUp() error { return nil }

// Loop blocks for one envelope, one tick, or the poll timeout, whichever
// comes first.
func (b *Base) Loop() {
	if !b.poll.Stop() {
		select {
		case <-b.poll.C:
		default:
		}
	}
	b.poll.Reset(PollTimeout)

	var tickC <-chan time.Time
	if b.ticker != nil {
		tickC = b.ticker.C
	}

	select {
	case env := <-b.inbox:
		b.dispatch(env)
	case <-tickC:
		b.handler.Tick()
	case <-b.poll.C:
	}
}

func (b *Base) dispatch(env *message.Envelope) {
	switch {
	case env.Request != nil:
		b.handler.HandleRequest(env)
	case env.Response != nil:
		b.handler.HandleResponse(env)
	default:
		log.Error("empty envelope", zap.String("module", b.name))
	}
}

// Broker exposes the broker for sending.
func (b *Base) Broker() *broker.Broker { return b.broker }
