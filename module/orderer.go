package module

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/slogdb/slog/batchlog"
	"github.com/slogdb/slog/broker"
	"github.com/slogdb/slog/config"
	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/paxos"
	"github.com/slogdb/slog/txn"
)

// MultiHomeOrderer batches multi-home transactions and orders the batches
// globally. It runs on the leader partition of every replica. Batches are
// replicated to the orderer of every replica while their ids are proposed to
// the global paxos group; on commit the batch id is rewritten to its global
// slot and the batch is handed to the local sequencer, which synthesizes the
// lock-only projections for this replica.
type MultiHomeOrderer struct {
	*Base

	conf             *config.Config
	globalPaxosLeader txn.MachineID

	batch          *txn.Batch
	batchIDCounter uint64

	multiHomeBatchLog *batchlog.BatchLog
}

func NewMultiHomeOrderer(conf *config.Config, b *broker.Broker) *MultiHomeOrderer {
	o := &MultiHomeOrderer{
		conf: conf,
		globalPaxosLeader: txn.MachineID{
			Replica:   0,
			Partition: conf.LeaderPartitionForMultiHomeOrdering(),
		},
		multiHomeBatchLog: batchlog.NewBatchLog(),
	}
	o.newBatch()
	o.Base = NewBase("multi-home-orderer", b, message.MultiHomeOrdererChannel, o, conf.BatchDuration())
	return o
}

func (o *MultiHomeOrderer) newBatch() {
	o.batch = &txn.Batch{Type: txn.MultiHome}
}

func (o *MultiHomeOrderer) nextBatchID() txn.BatchID {
	o.batchIDCounter++
	return txn.BatchID(o.batchIDCounter*txn.MaxNumMachines + uint64(o.conf.LocalNum()))
}

func (o *MultiHomeOrderer) HandleRequest(env *message.Envelope) {
	req := env.Request
	switch {
	case req.ForwardTxn != nil:
		// A new multi-home txn joins the open batch.
		o.batch.Txns = append(o.batch.Txns, req.ForwardTxn.Txn)
	case req.ForwardBatch != nil:
		o.processForwardBatch(req.ForwardBatch)
	default:
		log.Error("unexpected request type in multi-home orderer")
	}
}

func (o *MultiHomeOrderer) HandleResponse(env *message.Envelope) {
	log.Error("unexpected response in multi-home orderer")
}

// Tick cuts the open multi-home batch.
func (o *MultiHomeOrderer) Tick() {
	if len(o.batch.Txns) == 0 {
		return
	}
	batch := o.batch
	batch.ID = o.nextBatchID()
	o.newBatch()

	log.Debug("finished multi-home batch",
		zap.Uint64("batch", uint64(batch.ID)), zap.Int("txns", len(batch.Txns)))

	// Propose the batch id for global ordering.
	paxos.Propose(o.Broker(), o.globalPaxosLeader, message.GlobalPaxosChannel, uint64(batch.ID))

	// Replicate the batch data to the orderer of every replica.
	req := &message.Request{ForwardBatch: &message.ForwardBatch{BatchData: batch}}
	leaderPart := o.conf.LeaderPartitionForMultiHomeOrdering()
	for rep := uint32(0); rep < o.conf.NumReplicas; rep++ {
		o.Broker().SendRequest(req,
			txn.MachineID{Replica: rep, Partition: leaderPart},
			message.MultiHomeOrdererChannel)
	}
}

func (o *MultiHomeOrderer) processForwardBatch(fb *message.ForwardBatch) {
	switch {
	case fb.BatchData != nil:
		o.multiHomeBatchLog.AddBatch(fb.BatchData)
	case fb.BatchOrder != nil:
		o.multiHomeBatchLog.AddSlot(fb.BatchOrder.Slot, fb.BatchOrder.BatchID)
	}
	o.advanceLog()
}

// HandleGlobalPaxosCommit feeds a global ordering decision into the batch
// log. Called by the global paxos member co-located with this orderer.
func (o *MultiHomeOrderer) HandleGlobalPaxosCommit(slot txn.SlotID, batchID uint64) {
	o.Broker().SendLocal(&message.Request{ForwardBatch: &message.ForwardBatch{
		BatchOrder: &message.BatchOrder{BatchID: txn.BatchID(batchID), Slot: slot},
	}}, message.MultiHomeOrdererChannel)
}

func (o *MultiHomeOrderer) advanceLog() {
	for o.multiHomeBatchLog.HasNext() {
		slot, batch := o.multiHomeBatchLog.Next()
		// The batch id is replaced by the global slot so that downstream
		// modules see a dense, globally agreed sequence.
		batch.ID = txn.BatchID(slot)
		o.Broker().SendLocal(&message.Request{ForwardBatch: &message.ForwardBatch{
			BatchData: batch,
		}}, message.SequencerChannel)
	}
}
