// Package broker moves internal envelopes between modules. Each machine runs
// one broker; modules register numbered channels on it. Local sends bypass
// the transport entirely.
package broker

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/slogdb/slog/config"
	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/txn"
)

const channelCapacity = 4096

// Transport carries envelopes between machines. Delivery between a given
// sender and receiver is FIFO; the pipeline depends on that.
type Transport interface {
	Send(env *message.Envelope, to txn.MachineID) error
	Close() error
}

// Broker routes envelopes to module channels.
type Broker struct {
	conf      *config.Config
	transport Transport
	channels  map[message.Channel]chan *message.Envelope
}

func New(conf *config.Config, transport Transport) *Broker {
	return &Broker{
		conf:      conf,
		transport: transport,
		channels:  make(map[message.Channel]chan *message.Envelope),
	}
}

// SetTransport attaches the transport after construction. The TCP transport
// needs the broker's Deliver as its sink, so the two are wired in two steps.
func (b *Broker) SetTransport(transport Transport) { b.transport = transport }

// AddChannel registers a module channel and returns its receive side.
// Registration happens before any module starts; the map is read-only after.
func (b *Broker) AddChannel(ch message.Channel) <-chan *message.Envelope {
	if _, ok := b.channels[ch]; ok {
		log.Fatal("channel already registered", zap.Stringer("channel", ch))
	}
	c := make(chan *message.Envelope, channelCapacity)
	b.channels[ch] = c
	return c
}

// Config returns the configuration the broker routes with.
func (b *Broker) Config() *config.Config { return b.conf }

// Local returns the machine this broker runs on.
func (b *Broker) Local() txn.MachineID { return b.conf.Local() }

// Send routes an envelope to a channel of the given machine.
func (b *Broker) Send(env *message.Envelope, to txn.MachineID) {
	if err := env.Validate(); err != nil {
		log.Fatal("malformed envelope", zap.Error(err))
	}
	env.From = b.conf.Local()
	if to == b.conf.Local() {
		b.Deliver(env)
		return
	}
	if err := b.transport.Send(env, to); err != nil {
		log.Error("transport send failed",
			zap.Stringer("to", to), zap.Stringer("channel", env.Channel), zap.Error(err))
	}
}

// SendRequest wraps req in an envelope for the given channel and machine.
func (b *Broker) SendRequest(req *message.Request, to txn.MachineID, ch message.Channel) {
	b.Send(&message.Envelope{Channel: ch, Request: req}, to)
}

// SendResponse wraps res in an envelope for the given channel and machine.
func (b *Broker) SendResponse(res *message.Response, to txn.MachineID, ch message.Channel) {
	b.Send(&message.Envelope{Channel: ch, Response: res}, to)
}

// SendLocal routes a request to a module on this machine.
func (b *Broker) SendLocal(req *message.Request, ch message.Channel) {
	b.SendRequest(req, b.conf.Local(), ch)
}

// Deliver hands an inbound envelope to its channel. Called by the transport
// receive loop and by local sends. Envelopes for unregistered channels are
// dropped: this machine does not run that module.
func (b *Broker) Deliver(env *message.Envelope) {
	c, ok := b.channels[env.Channel]
	if !ok {
		log.Debug("dropping envelope for unregistered channel",
			zap.Stringer("channel", env.Channel))
		return
	}
	c <- env
}

// Close shuts the transport down.
func (b *Broker) Close() error {
	if b.transport == nil {
		return nil
	}
	return b.transport.Close()
}
