package broker

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/pingcap/errors"

	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/txn"
)

// InprocNetwork connects the brokers of an in-process test cluster without
// touching the network. Envelopes still round-trip through the gob codec so
// machines never share pointers, exactly as if they had crossed a wire; the
// synchronous delivery preserves per-pair FIFO just like a dedicated
// connection would.
type InprocNetwork struct {
	mu      sync.RWMutex
	brokers map[txn.MachineID]*Broker
}

func NewInprocNetwork() *InprocNetwork {
	return &InprocNetwork{brokers: make(map[txn.MachineID]*Broker)}
}

// Transport returns the transport endpoint for one machine of the network.
func (n *InprocNetwork) Transport(local txn.MachineID) Transport {
	return &inprocTransport{network: n, local: local}
}

// Register attaches a machine's broker so peers can reach it.
func (n *InprocNetwork) Register(m txn.MachineID, b *Broker) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.brokers[m] = b
}

type inprocTransport struct {
	network *InprocNetwork
	local   txn.MachineID
}

func (t *inprocTransport) Send(env *message.Envelope, to txn.MachineID) error {
	t.network.mu.RLock()
	b, ok := t.network.brokers[to]
	t.network.mu.RUnlock()
	if !ok {
		return errors.Errorf("no machine %s in network", to)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return errors.Trace(err)
	}
	copied := new(message.Envelope)
	if err := gob.NewDecoder(&buf).Decode(copied); err != nil {
		return errors.Trace(err)
	}
	b.Deliver(copied)
	return nil
}

func (t *inprocTransport) Close() error { return nil }
