package module

import (
	"math/rand"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/slogdb/slog/broker"
	"github.com/slogdb/slog/config"
	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/metrics"
	"github.com/slogdb/slog/paxos"
	"github.com/slogdb/slog/txn"
)

// Sequencer batches the single-home transactions homed at this machine. On
// every tick the open batch is assigned the next batch id, its origin is
// proposed to the replica's local paxos group, and the batch data is
// replicated to the interleaver of every machine in the cluster.
//
// Multi-home batches arriving from the orderer are not batched: each of
// their transactions yields a lock-only projection for this replica, which
// joins the open single-home batch, and the multi-home batch itself is
// replicated to every partition of this replica.
type Sequencer struct {
	*Base

	conf            *config.Config
	localPaxosLeader txn.MachineID

	batch          *txn.Batch
	batchBytes     int64
	batchIDCounter uint64

	// Replication delay testing: batches held back for a number of ticks.
	delayed []*delayedBatch
	rng     *rand.Rand
}

type delayedBatch struct {
	req        *message.Request
	ticksLeft  uint32
	remoteOnly bool
}

func NewSequencer(conf *config.Config, b *broker.Broker) *Sequencer {
	s := &Sequencer{
		conf: conf,
		localPaxosLeader: txn.MachineID{
			Replica:   conf.Local().Replica,
			Partition: conf.LeaderPartitionForMultiHomeOrdering(),
		},
		rng: rand.New(rand.NewSource(int64(conf.LocalNum()))),
	}
	s.newBatch()
	s.Base = NewBase("sequencer", b, message.SequencerChannel, s, conf.BatchDuration())
	return s
}

func (s *Sequencer) newBatch() {
	s.batch = &txn.Batch{Type: txn.SingleHome}
	s.batchBytes = 0
}

// approxTxnSize estimates the wire footprint of a transaction for the batch
// size cap.
func approxTxnSize(t *txn.Transaction) int64 {
	size := int64(len(t.Code)) + 64
	for k, v := range t.ReadSet {
		size += int64(len(k) + len(v) + 8)
	}
	for k, v := range t.WriteSet {
		size += int64(len(k) + len(v) + 8)
	}
	return size
}

func (s *Sequencer) nextBatchID() txn.BatchID {
	s.batchIDCounter++
	return txn.BatchID(s.batchIDCounter*txn.MaxNumMachines + uint64(s.conf.LocalNum()))
}

func (s *Sequencer) HandleRequest(env *message.Envelope) {
	req := env.Request
	switch {
	case req.ForwardTxn != nil:
		s.putSingleHomeTxnIntoBatch(req.ForwardTxn.Txn)
	case req.ForwardBatch != nil && req.ForwardBatch.BatchData != nil:
		s.processMultiHomeBatch(req.ForwardBatch.BatchData)
	default:
		log.Error("unexpected request type in sequencer")
	}
}

func (s *Sequencer) HandleResponse(env *message.Envelope) {
	log.Error("unexpected response in sequencer")
}

// Tick cuts the open batch, if any, and drains due delayed batches.
func (s *Sequencer) Tick() {
	s.maybeSendDelayedBatches()
	s.cutBatch()
}

func (s *Sequencer) cutBatch() {
	if len(s.batch.Txns) == 0 {
		return
	}
	batch := s.batch
	batch.ID = s.nextBatchID()
	s.newBatch()

	log.Debug("finished single-home batch",
		zap.Uint64("batch", uint64(batch.ID)), zap.Int("txns", len(batch.Txns)))
	metrics.BatchesSequencedCounter.Inc()
	metrics.BatchSizeHistogram.Observe(float64(len(batch.Txns)))

	// Propose this machine's partition so the replica's interleavers learn
	// where this batch sits in the replica-wide order.
	paxos.Propose(s.Broker(), s.localPaxosLeader, message.LocalPaxosChannel,
		uint64(s.conf.Local().Partition))

	req := &message.Request{ForwardBatch: &message.ForwardBatch{
		BatchData: batch,
		// Counter starts the position sequence from 0.
		SameOriginPosition: s.batchIDCounter - 1,
	}}

	if s.shouldDelay() {
		// Replicate to the local replica now; hold back the rest.
		for part := uint32(0); part < s.conf.NumPartitions; part++ {
			s.Broker().SendRequest(req,
				txn.MachineID{Replica: s.conf.Local().Replica, Partition: part},
				message.InterleaverChannel)
		}
		s.delayed = append(s.delayed, &delayedBatch{
			req:        req,
			ticksLeft:  s.conf.ReplicationDelayAmountTicks,
			remoteOnly: true,
		})
		return
	}
	s.replicate(req, false)
}

func (s *Sequencer) shouldDelay() bool {
	return s.conf.ReplicationDelayPercent > 0 &&
		uint32(s.rng.Intn(100)) < s.conf.ReplicationDelayPercent
}

func (s *Sequencer) replicate(req *message.Request, remoteOnly bool) {
	localReplica := s.conf.Local().Replica
	for _, m := range s.conf.AllMachines() {
		if remoteOnly && m.Replica == localReplica {
			continue
		}
		s.Broker().SendRequest(req, m, message.InterleaverChannel)
	}
}

func (s *Sequencer) maybeSendDelayedBatches() {
	remaining := s.delayed[:0]
	for _, d := range s.delayed {
		if d.ticksLeft > 0 {
			d.ticksLeft--
			remaining = append(remaining, d)
			continue
		}
		s.replicate(d.req, d.remoteOnly)
	}
	s.delayed = remaining
}

func (s *Sequencer) putSingleHomeTxnIntoBatch(t *txn.Transaction) {
	if t.Type != txn.SingleHome && t.Type != txn.LockOnly {
		log.Fatal("sequencer batch can only contain single-home or lock-only txns",
			zap.Uint64("txn", uint64(t.ID)), zap.Stringer("type", t.Type))
	}
	s.batch.Txns = append(s.batch.Txns, t)
	s.batchBytes += approxTxnSize(t)
	if max := s.conf.MaxBatchBytes(); max > 0 && s.batchBytes >= max {
		// An oversized batch is cut right away instead of waiting for the
		// tick.
		s.cutBatch()
	}
}

// processMultiHomeBatch extracts a lock-only projection for this replica
// from every transaction of an ordered multi-home batch, then replicates the
// batch to the interleaver of every partition of this replica.
func (s *Sequencer) processMultiHomeBatch(batch *txn.Batch) {
	if batch.Type != txn.MultiHome {
		log.Error("batch must contain multi-home txns",
			zap.Uint64("batch", uint64(batch.ID)))
		return
	}
	localReplica := s.conf.Local().Replica
	for _, t := range batch.Txns {
		lo := txn.LockOnlyProjection(t, localReplica)
		if lo == nil {
			continue
		}
		s.putSingleHomeTxnIntoBatch(lo)
	}

	req := &message.Request{ForwardBatch: &message.ForwardBatch{BatchData: batch}}
	for part := uint32(0); part < s.conf.NumPartitions; part++ {
		s.Broker().SendRequest(req,
			txn.MachineID{Replica: localReplica, Partition: part},
			message.InterleaverChannel)
	}
}
