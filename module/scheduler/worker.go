package scheduler

import (
	"fmt"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/slogdb/slog/broker"
	"github.com/slogdb/slog/config"
	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/storage"
	"github.com/slogdb/slog/txn"
)

// workerInput is what the scheduler feeds a worker: a transaction to run or
// a remote read result for the transaction it is running.
type workerInput struct {
	dispatch   *dispatch
	remoteRead *message.RemoteReadResult
}

type dispatch struct {
	holder     *txn.Holder
	earlyReads []*message.RemoteReadResult
}

// workerDone reports a finished transaction back to the scheduler.
type workerDone struct {
	workerID     int
	txnID        txn.TxnID
	participants []uint32

	remasterKey     txn.Key
	remasterCounter uint32
	remasterApplied bool
}

// Worker executes dispatched transactions one at a time:
// read local storage, exchange remote reads, execute, commit, finish.
// It owns no shared state; storage writes are safe because the scheduler's
// logical locks admit no conflicting transaction concurrently.
type Worker struct {
	id      int
	conf    *config.Config
	broker  *broker.Broker
	storage storage.Storage
	cmds    Commands

	inbox chan workerInput
	out   chan<- workerDone
	stop  <-chan struct{}
	poll  *time.Timer
}

func newWorker(id int, conf *config.Config, b *broker.Broker, store storage.Storage,
	out chan<- workerDone, stop <-chan struct{}) *Worker {
	return &Worker{
		id:      id,
		conf:    conf,
		broker:  b,
		storage: store,
		cmds:    NewKeyValueCommands(),
		inbox:   make(chan workerInput, 16),
		out:     out,
		stop:    stop,
		poll:    time.NewTimer(pollTimeout),
	}
}

func (w *Worker) Name() string { return fmt.Sprintf("worker-%d", w.id) }

func (w *Worker) SetUp() error { return nil }

func (w *Worker) Loop() {
	if !w.poll.Stop() {
		select {
		case <-w.poll.C:
		default:
		}
	}
	w.poll.Reset(pollTimeout)

	select {
	case in := <-w.inbox:
		if in.dispatch == nil {
			// A remote read for a transaction that already finished here.
			return
		}
		w.process(in.dispatch)
	case <-w.poll.C:
	}
}

// process runs one transaction through its whole state machine.
func (w *Worker) process(d *dispatch) {
	holder := d.holder
	t := holder.Txn()
	t.EnsureMaps()
	localPartition := w.conf.Local().Partition

	done := workerDone{
		workerID:     w.id,
		txnID:        t.ID,
		participants: t.InvolvedPartitions,
	}

	// READ_LOCAL_STORAGE.
	willAbort := false
	abortReason := ""
	if CheckCounters(w.conf, w.storage, t) == Abort {
		willAbort = true
		abortReason = "stale mastership counter"
	}

	// Drop the keys other partitions will supply so that local reads only
	// touch local storage; remote reads fill them back in.
	for k := range t.ReadSet {
		if w.conf.PartitionOfKey(k) != localPartition {
			delete(t.ReadSet, k)
		}
	}
	for k := range t.WriteSet {
		if w.conf.PartitionOfKey(k) != localPartition {
			delete(t.WriteSet, k)
		}
	}

	if willAbort {
		t.Status = txn.Aborted
		t.AbortReason = abortReason
	} else {
		for k := range t.ReadSet {
			if record, found := w.storage.Read(k); found {
				t.ReadSet[k] = record.Value
			}
		}
		for k := range t.WriteSet {
			if record, found := w.storage.Read(k); found {
				t.WriteSet[k] = record.Value
			}
		}
	}

	// Share this partition's reads (or the abort) with every other
	// participant in this replica.
	if len(t.InvolvedPartitions) > 1 {
		result := &message.RemoteReadResult{
			TxnID:       t.ID,
			Partition:   localPartition,
			WillAbort:   willAbort,
			AbortReason: abortReason,
		}
		if !willAbort {
			result.Reads = make(map[txn.Key]txn.Value, len(t.ReadSet))
			for k, v := range t.ReadSet {
				result.Reads[k] = v
			}
		}
		req := &message.Request{RemoteReadResult: result}
		for _, p := range t.InvolvedPartitions {
			if p != localPartition {
				w.broker.SendRequest(req,
					txn.MachineID{Replica: w.conf.Local().Replica, Partition: p},
					message.SchedulerChannel)
			}
		}
	}

	// WAIT_REMOTE_READ.
	waiting := len(t.InvolvedPartitions) - 1
	applyRead := func(rr *message.RemoteReadResult) {
		if rr.WillAbort {
			t.Status = txn.Aborted
			if t.AbortReason == "" {
				t.AbortReason = rr.AbortReason
			}
		} else {
			for k, v := range rr.Reads {
				t.ReadSet[k] = v
			}
		}
		waiting--
	}
	for _, rr := range d.earlyReads {
		applyRead(rr)
	}
	for waiting > 0 {
		select {
		case in := <-w.inbox:
			if in.remoteRead == nil {
				log.Fatal("worker received a dispatch while executing",
					zap.Uint64("txn", uint64(t.ID)))
			}
			applyRead(in.remoteRead)
		case <-w.stop:
			return
		}
	}

	// EXECUTE.
	switch {
	case t.Status == txn.Aborted:
	case t.Remaster != nil:
		t.Status = txn.Committed
	default:
		w.cmds.Execute(t)
	}

	// COMMIT.
	if t.Status == txn.Committed {
		if t.Remaster != nil {
			w.commitRemaster(t, &done)
		} else {
			w.commitWrites(t)
		}
	}

	// FINISH.
	log.Debug("finished txn", zap.Uint64("txn", uint64(t.ID)),
		zap.Stringer("status", t.Status))
	select {
	case w.out <- done:
	case <-w.stop:
	}
}

func (w *Worker) commitWrites(t *txn.Transaction) {
	for k, v := range t.WriteSet {
		if !w.conf.KeyIsInLocalPartition(k) {
			continue
		}
		record, found := w.storage.Read(k)
		if !found {
			meta, ok := t.MasterMetadata[k]
			if !ok {
				log.Fatal("master metadata missing for key", zap.String("key", k))
			}
			record.Metadata = meta
		}
		record.Value = v
		w.storage.Write(k, record)
	}
	for _, k := range t.DeleteSet {
		if w.conf.KeyIsInLocalPartition(k) {
			w.storage.Delete(k)
		}
	}
}

func (w *Worker) commitRemaster(t *txn.Transaction, done *workerDone) {
	var key txn.Key
	for k := range t.WriteSet {
		key = k
	}
	meta, ok := t.MasterMetadata[key]
	if !ok {
		log.Fatal("master metadata missing for remaster key", zap.String("key", key))
	}
	newCounter := meta.Counter + 1
	if w.conf.KeyIsInLocalPartition(key) {
		record, found := w.storage.Read(key)
		if !found {
			log.Fatal("remastering a key that does not exist", zap.String("key", key))
		}
		record.Metadata = txn.Metadata{Master: t.Remaster.NewMaster, Counter: newCounter}
		w.storage.Write(key, record)
	}
	done.remasterKey = key
	done.remasterCounter = newCounter
	done.remasterApplied = true
}

// CheckCounters compares a transaction's mastership counters for this
// partition's keys against storage without touching any queue.
func CheckCounters(conf *config.Config, store storage.Storage, t *txn.Transaction) VerifyMasterResult {
	for _, key := range t.Keys() {
		if !conf.KeyIsInLocalPartition(key) {
			continue
		}
		meta, ok := t.MasterMetadata[key]
		if !ok {
			continue
		}
		var storageCounter uint32
		if record, found := store.Read(key); found {
			storageCounter = record.Metadata.Counter
		}
		switch {
		case meta.Counter < storageCounter:
			return Abort
		case meta.Counter > storageCounter:
			return Waiting
		}
	}
	return Valid
}
