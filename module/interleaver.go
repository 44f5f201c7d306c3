package module

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/slogdb/slog/batchlog"
	"github.com/slogdb/slog/broker"
	"github.com/slogdb/slog/config"
	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/txn"
)

// Interleaver builds the local log: the deterministic serial order of
// transactions this machine's scheduler consumes. Single-home batches from
// the local replica's partitions are interleaved by local paxos decisions;
// the resulting order is replicated to the same partition of every other
// replica, so each replica's single-home log replays identically everywhere.
// Multi-home batches carry their global slot in the batch id and are
// released in slot order.
type Interleaver struct {
	*Base

	conf *config.Config

	// One log per replica whose single-home stream this machine replays,
	// plus one for the globally ordered multi-home stream.
	singleHomeLogs map[uint32]*batchlog.BatchLog
	multiHomeLog   *batchlog.BatchLog
	localLog       *batchlog.LocalLog
}

func NewInterleaver(conf *config.Config, b *broker.Broker) *Interleaver {
	i := &Interleaver{
		conf:           conf,
		singleHomeLogs: make(map[uint32]*batchlog.BatchLog),
		multiHomeLog:   batchlog.NewBatchLog(),
		localLog:       batchlog.NewLocalLog(),
	}
	for rep := uint32(0); rep < conf.NumReplicas; rep++ {
		i.singleHomeLogs[rep] = batchlog.NewBatchLog()
	}
	i.Base = NewBase("interleaver", b, message.InterleaverChannel, i, 0)
	return i
}

func (i *Interleaver) HandleRequest(env *message.Envelope) {
	req := env.Request
	switch {
	case req.ForwardBatch != nil:
		i.processForwardBatch(req.ForwardBatch, env.From)
	case req.LocalQueueOrder != nil:
		i.localLog.AddSlot(req.LocalQueueOrder.Slot, req.LocalQueueOrder.QueueID)
	default:
		log.Error("unexpected request type in interleaver")
	}
	i.advanceLogs()
}

func (i *Interleaver) HandleResponse(env *message.Envelope) {
	log.Error("unexpected response in interleaver")
}

func (i *Interleaver) Tick() {}

func (i *Interleaver) processForwardBatch(fb *message.ForwardBatch, from txn.MachineID) {
	switch {
	case fb.BatchData != nil:
		batch := fb.BatchData
		switch batch.Type {
		case txn.SingleHome:
			log.Debug("received single-home batch",
				zap.Uint64("batch", uint64(batch.ID)),
				zap.Stringer("from", from),
				zap.Int("txns", len(batch.Txns)))
			if from.Replica == i.conf.Local().Replica {
				// This machine helps decide its own replica's interleaving.
				i.localLog.AddBatchID(from.Partition, fb.SameOriginPosition, batch.ID)
			}
			i.singleHomeLogs[from.Replica].AddBatch(batch)
		case txn.MultiHome:
			// Multi-home batches are already ordered; their id is the slot.
			i.multiHomeLog.AddSlot(txn.SlotID(batch.ID), batch.ID)
			i.multiHomeLog.AddBatch(batch)
		default:
			log.Error("batch with invalid transaction type",
				zap.Uint64("batch", uint64(batch.ID)), zap.Stringer("type", batch.Type))
		}
	case fb.BatchOrder != nil:
		// An interleaving decision made by another replica about its own
		// single-home log.
		log.Debug("received batch order",
			zap.Uint64("batch", uint64(fb.BatchOrder.BatchID)),
			zap.Uint64("slot", uint64(fb.BatchOrder.Slot)),
			zap.Stringer("from", from))
		i.singleHomeLogs[from.Replica].AddSlot(fb.BatchOrder.Slot, fb.BatchOrder.BatchID)
	}
}

// advanceLogs drains every log that has deliverable batches, feeding the
// local scheduler and replicating local interleaving decisions.
func (i *Interleaver) advanceLogs() {
	local := i.conf.Local()

	// Local paxos decisions turn buffered local batches into slots of this
	// replica's single-home log. Each decision is replicated to the same
	// partition of the other replicas so they replay the identical order.
	for i.localLog.HasNext() {
		slot, batchID := i.localLog.Next()
		order := &message.Request{ForwardBatch: &message.ForwardBatch{
			BatchOrder: &message.BatchOrder{BatchID: batchID, Slot: slot},
		}}
		for rep := uint32(0); rep < i.conf.NumReplicas; rep++ {
			to := txn.MachineID{Replica: rep, Partition: local.Partition}
			if rep == local.Replica {
				i.singleHomeLogs[rep].AddSlot(slot, batchID)
				continue
			}
			i.Broker().SendRequest(order, to, message.InterleaverChannel)
		}
	}

	// Release whatever is deliverable, in a fixed scan order so every pass
	// over the same inputs emits the same sequence.
	for rep := uint32(0); rep < i.conf.NumReplicas; rep++ {
		i.emitLog(i.singleHomeLogs[rep])
	}
	i.emitLog(i.multiHomeLog)
}

func (i *Interleaver) emitLog(l *batchlog.BatchLog) {
	for l.HasNext() {
		_, batch := l.Next()
		i.Broker().SendLocal(&message.Request{ForwardBatch: &message.ForwardBatch{
			BatchData: batch,
		}}, message.SchedulerChannel)
	}
}

// HandleLocalPaxosCommit feeds a local ordering decision into the local log.
// Called by the local paxos member on this machine.
func (i *Interleaver) HandleLocalPaxosCommit(slot txn.SlotID, queueID uint64) {
	i.Broker().SendLocal(&message.Request{LocalQueueOrder: &message.LocalQueueOrder{
		Slot:    slot,
		QueueID: uint32(queueID),
	}}, message.InterleaverChannel)
}
