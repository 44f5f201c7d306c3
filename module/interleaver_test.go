package module

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/txn"
)

func sendBatchFrom(b *interleaverFixture, from txn.MachineID, batch *txn.Batch, position uint64) {
	b.broker.Deliver(&message.Envelope{
		From:    from,
		Channel: message.InterleaverChannel,
		Request: &message.Request{ForwardBatch: &message.ForwardBatch{
			BatchData:          batch,
			SameOriginPosition: position,
		}},
	})
}

type interleaverFixture struct {
	broker      brokerIface
	schedulerCh <-chan *message.Envelope
	runner      *Runner
}

type brokerIface interface {
	Deliver(env *message.Envelope)
	SendLocal(req *message.Request, ch message.Channel)
}

func startInterleaver(t *testing.T, numReplicas, numPartitions uint32) *interleaverFixture {
	conf := testConfig(numReplicas, numPartitions)
	b := testBroker(conf)
	schedulerCh := b.AddChannel(message.SchedulerChannel)

	i := NewInterleaver(conf, b)
	r := NewRunner(i)
	r.Start()
	t.Cleanup(r.Stop)

	return &interleaverFixture{broker: b, schedulerCh: schedulerCh, runner: r}
}

func (f *interleaverFixture) nextBatch(t *testing.T) *txn.Batch {
	env := recvEnvelope(t, f.schedulerCh)
	require.NotNil(t, env.Request.ForwardBatch)
	return env.Request.ForwardBatch.BatchData
}

func shBatch(id txn.BatchID, txnIDs ...txn.TxnID) *txn.Batch {
	batch := &txn.Batch{ID: id, Type: txn.SingleHome}
	for _, txnID := range txnIDs {
		tx := txn.New([]txn.Key{"A"}, nil, "")
		tx.ID = txnID
		tx.Type = txn.SingleHome
		batch.Txns = append(batch.Txns, tx)
	}
	return batch
}

func TestInterleaverReleasesLocalBatchOnDecision(t *testing.T) {
	f := startInterleaver(t, 1, 1)
	local := txn.MachineID{Replica: 0, Partition: 0}

	sendBatchFrom(f, local, shBatch(1000, 1), 0)

	// No paxos decision yet: nothing reaches the scheduler.
	select {
	case <-f.schedulerCh:
		t.Fatal("batch released without a paxos decision")
	default:
	}

	f.broker.SendLocal(&message.Request{LocalQueueOrder: &message.LocalQueueOrder{
		Slot: 0, QueueID: 0,
	}}, message.InterleaverChannel)

	batch := f.nextBatch(t)
	assert.Equal(t, txn.BatchID(1000), batch.ID)
}

func TestInterleaverFollowsDecisionOrder(t *testing.T) {
	f := startInterleaver(t, 1, 2)
	part0 := txn.MachineID{Replica: 0, Partition: 0}
	part1 := txn.MachineID{Replica: 0, Partition: 1}

	// Batches arrive out of decision order.
	sendBatchFrom(f, part1, shBatch(1001, 11), 0)
	sendBatchFrom(f, part0, shBatch(1000, 10), 0)
	sendBatchFrom(f, part0, shBatch(2000, 20), 1)

	// Decisions: partition 0, partition 0, partition 1.
	for slot, queue := range []uint32{0, 0, 1} {
		f.broker.SendLocal(&message.Request{LocalQueueOrder: &message.LocalQueueOrder{
			Slot: txn.SlotID(slot), QueueID: queue,
		}}, message.InterleaverChannel)
	}

	assert.Equal(t, txn.BatchID(1000), f.nextBatch(t).ID)
	assert.Equal(t, txn.BatchID(2000), f.nextBatch(t).ID)
	assert.Equal(t, txn.BatchID(1001), f.nextBatch(t).ID)
}

func TestInterleaverRemoteReplicaLogFollowsBatchOrder(t *testing.T) {
	f := startInterleaver(t, 2, 1)
	remote := txn.MachineID{Replica: 1, Partition: 0}

	// Data for two batches of replica 1's log, then their order decisions.
	sendBatchFrom(f, remote, shBatch(2001, 21), 0)
	sendBatchFrom(f, remote, shBatch(1001, 11), 0)

	f.broker.Deliver(&message.Envelope{
		From:    remote,
		Channel: message.InterleaverChannel,
		Request: &message.Request{ForwardBatch: &message.ForwardBatch{
			BatchOrder: &message.BatchOrder{BatchID: 1001, Slot: 0},
		}},
	})
	f.broker.Deliver(&message.Envelope{
		From:    remote,
		Channel: message.InterleaverChannel,
		Request: &message.Request{ForwardBatch: &message.ForwardBatch{
			BatchOrder: &message.BatchOrder{BatchID: 2001, Slot: 1},
		}},
	})

	assert.Equal(t, txn.BatchID(1001), f.nextBatch(t).ID)
	assert.Equal(t, txn.BatchID(2001), f.nextBatch(t).ID)
}

func TestInterleaverMultiHomeBatchesInSlotOrder(t *testing.T) {
	f := startInterleaver(t, 1, 1)
	local := txn.MachineID{Replica: 0, Partition: 0}

	// Multi-home batches carry their global slot as id; slot 1 before 0.
	mh1 := &txn.Batch{ID: 1, Type: txn.MultiHome}
	mh0 := &txn.Batch{ID: 0, Type: txn.MultiHome}
	sendBatchFrom(f, local, mh1, 0)
	select {
	case <-f.schedulerCh:
		t.Fatal("slot 1 released before slot 0")
	default:
	}
	sendBatchFrom(f, local, mh0, 0)

	assert.Equal(t, txn.BatchID(0), f.nextBatch(t).ID)
	assert.Equal(t, txn.BatchID(1), f.nextBatch(t).ID)
}
