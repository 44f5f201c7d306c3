package module

import (
	"math/rand"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/slogdb/slog/broker"
	"github.com/slogdb/slog/config"
	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/txn"
)

// Forwarder resolves the type of a new transaction and routes it: single-home
// to its home region's sequencer, multi-home to the orderer. Missing master
// metadata is filled in by asking every partition of the local replica.
type Forwarder struct {
	*Base

	conf    *config.Config
	pending map[txn.TxnID]*txn.Transaction
	rng     *rand.Rand
}

func NewForwarder(conf *config.Config, b *broker.Broker) *Forwarder {
	f := &Forwarder{
		conf:    conf,
		pending: make(map[txn.TxnID]*txn.Transaction),
		// A constant seed is fine; the choice only spreads load.
		rng: rand.New(rand.NewSource(int64(conf.LocalNum()) + 1)),
	}
	f.Base = NewBase("forwarder", b, message.ForwarderChannel, f, 0)
	return f
}

func (f *Forwarder) HandleRequest(env *message.Envelope) {
	req := env.Request
	if req.ForwardTxn == nil {
		log.Error("unexpected request type in forwarder")
		return
	}
	t := req.ForwardTxn.Txn

	if t.DecideType() != txn.Unknown {
		f.forward(t)
		return
	}
	f.pending[t.ID] = t

	lookup := &message.Request{LookupMaster: &message.LookupMasterRequest{
		TxnID: t.ID,
		Keys:  missingMetadataKeys(t),
	}}
	for part := uint32(0); part < f.conf.NumPartitions; part++ {
		f.Broker().SendRequest(lookup,
			txn.MachineID{Replica: f.conf.Local().Replica, Partition: part},
			message.ServerChannel)
	}
}

func missingMetadataKeys(t *txn.Transaction) []txn.Key {
	var keys []txn.Key
	for k := range t.ReadSet {
		if _, ok := t.MasterMetadata[k]; !ok {
			keys = append(keys, k)
		}
	}
	for k := range t.WriteSet {
		if _, ok := t.MasterMetadata[k]; !ok {
			keys = append(keys, k)
		}
	}
	return keys
}

func (f *Forwarder) HandleResponse(env *message.Envelope) {
	res := env.Response
	if res.LookupMaster == nil {
		log.Error("unexpected response type in forwarder")
		return
	}
	lookup := res.LookupMaster
	t, ok := f.pending[lookup.TxnID]
	if !ok {
		return
	}

	for k, meta := range lookup.Metadata {
		if t.ContainsKey(k) {
			t.MasterMetadata[k] = meta
		}
	}
	// Keys nobody has seen yet default to a configured master region.
	for _, k := range lookup.NewKeys {
		if t.ContainsKey(k) {
			t.MasterMetadata[k] = txn.Metadata{
				Master: f.conf.DefaultMasterRegionForNewKey,
			}
		}
	}

	if t.DecideType() != txn.Unknown {
		delete(f.pending, t.ID)
		f.forward(t)
	}
}

func (f *Forwarder) Tick() {}

func (f *Forwarder) forward(t *txn.Transaction) {
	t.InvolvedPartitions = f.conf.PartitionsOfTxn(t)
	t.InvolvedReplicas = f.conf.ReplicasOfTxn(t)

	req := &message.Request{ForwardTxn: &message.ForwardTxn{Txn: t}}
	switch t.Type {
	case txn.SingleHome:
		if t.Home == f.conf.Local().Replica {
			log.Debug("current region is home of txn", zap.Uint64("txn", uint64(t.ID)))
			f.Broker().SendLocal(req, message.SequencerChannel)
			return
		}
		// Forward to a random partition of the home region.
		to := txn.MachineID{
			Replica:   t.Home,
			Partition: uint32(f.rng.Intn(int(f.conf.NumPartitions))),
		}
		log.Debug("forwarding txn to its home region",
			zap.Uint64("txn", uint64(t.ID)), zap.Stringer("to", to))
		f.Broker().SendRequest(req, to, message.SequencerChannel)
	case txn.MultiHome:
		to := txn.MachineID{
			Replica:   f.conf.Local().Replica,
			Partition: f.conf.LeaderPartitionForMultiHomeOrdering(),
		}
		log.Debug("txn is multi-home, sending to the orderer",
			zap.Uint64("txn", uint64(t.ID)))
		f.Broker().SendRequest(req, to, message.MultiHomeOrdererChannel)
	default:
		log.Error("cannot forward txn with unresolved type",
			zap.Uint64("txn", uint64(t.ID)))
	}
}
