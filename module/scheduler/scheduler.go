package scheduler

import (
	"encoding/json"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/slogdb/slog/broker"
	"github.com/slogdb/slog/config"
	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/metrics"
	"github.com/slogdb/slog/module"
	"github.com/slogdb/slog/storage"
	"github.com/slogdb/slog/txn"
)

const pollTimeout = module.PollTimeout

// Scheduler consumes the local log and enforces a deterministic
// serial-equivalent schedule: it resolves mastership through the remaster
// manager, drives the lock manager in log order, and dispatches transactions
// to workers the moment they hold every lock they need.
type Scheduler struct {
	conf    *config.Config
	broker  *broker.Broker
	storage storage.Storage
	inbox   <-chan *message.Envelope
	poll    *time.Timer

	lockManager     *LockManager
	remasterManager *RemasterManager

	holders      map[txn.TxnID]*txn.Holder
	abortReasons map[txn.TxnID]string
	// Remote reads arriving before their transaction is dispatched. Reads
	// for transactions already finished here linger until the holder would
	// be garbage collected; they are dropped with it.
	earlyReads map[txn.TxnID][]*message.RemoteReadResult

	workers       []*Worker
	workerRunners []*module.Runner
	workerOut     chan workerDone
	stopWorkers   chan struct{}
	readyWorkers  []int
	readyTxns     []txn.TxnID
	dispatchedTo  map[txn.TxnID]int
}

func NewScheduler(conf *config.Config, b *broker.Broker, store storage.Storage) *Scheduler {
	s := &Scheduler{
		conf:         conf,
		broker:       b,
		storage:      store,
		inbox:        b.AddChannel(message.SchedulerChannel),
		poll:         time.NewTimer(pollTimeout),
		lockManager:  NewLockManager(conf),
		holders:      make(map[txn.TxnID]*txn.Holder),
		abortReasons: make(map[txn.TxnID]string),
		earlyReads:   make(map[txn.TxnID][]*message.RemoteReadResult),
		workerOut:    make(chan workerDone, 256),
		stopWorkers:  make(chan struct{}),
		dispatchedTo: make(map[txn.TxnID]int),
	}
	s.remasterManager = NewRemasterManager(conf, store)
	for i := 0; i < conf.NumWorkers; i++ {
		w := newWorker(i, conf, b, store, s.workerOut, s.stopWorkers)
		s.workers = append(s.workers, w)
		s.readyWorkers = append(s.readyWorkers, i)
	}
	return s
}

func (s *Scheduler) Name() string { return "scheduler" }

func (s *Scheduler) SetUp() error {
	for _, w := range s.workers {
		r := module.NewRunner(w)
		s.workerRunners = append(s.workerRunners, r)
		r.Start()
	}
	return nil
}

// Close stops the worker pool.
func (s *Scheduler) Close() {
	close(s.stopWorkers)
	for _, r := range s.workerRunners {
		r.Stop()
	}
}

func (s *Scheduler) Loop() {
	if !s.poll.Stop() {
		select {
		case <-s.poll.C:
		default:
		}
	}
	s.poll.Reset(pollTimeout)

	select {
	case env := <-s.inbox:
		if env.Request == nil {
			log.Error("unexpected response in scheduler")
			return
		}
		s.handleRequest(env)
	case d := <-s.workerOut:
		s.handleWorkerDone(d)
	case <-s.poll.C:
	}
}

func (s *Scheduler) handleRequest(env *message.Envelope) {
	req := env.Request
	switch {
	case req.ForwardBatch != nil && req.ForwardBatch.BatchData != nil:
		batch := req.ForwardBatch.BatchData
		log.Debug("scheduler consuming batch",
			zap.Uint64("batch", uint64(batch.ID)), zap.Int("txns", len(batch.Txns)))
		for _, t := range batch.Txns {
			s.processTransaction(t)
		}
	case req.RemoteReadResult != nil:
		s.processRemoteRead(req.RemoteReadResult)
	case req.Stats != nil:
		s.processStats(req.Stats, env.From)
	default:
		log.Error("unexpected request type in scheduler")
	}
}

/* Local log consumption */

func (s *Scheduler) processTransaction(t *txn.Transaction) {
	switch t.Type {
	case txn.SingleHome:
		s.processSingleHome(t)
	case txn.MultiHome:
		s.processMultiHomeMain(t)
	case txn.LockOnly:
		s.processLockOnly(t)
	default:
		log.Error("unknown transaction type in local log",
			zap.Uint64("txn", uint64(t.ID)), zap.Stringer("type", t.Type))
	}
}

func (s *Scheduler) hasLocalKeys(t *txn.Transaction) bool {
	return len(s.lockManager.extractKeys(t)) > 0
}

func (s *Scheduler) processSingleHome(t *txn.Transaction) {
	if !s.hasLocalKeys(t) {
		return
	}
	holder := txn.NewHolder(s.conf.NumReplicas, t)
	s.holders[t.ID] = holder

	switch s.remasterManager.VerifyMaster(t) {
	case Abort:
		s.triggerPreDispatchAbort(holder, "stale mastership counter")
	case Waiting:
	case Valid:
		if s.lockManager.RegisterTxnAndAcquireLocks(t) {
			s.onLocksAcquired(holder)
		}
	}
}

func (s *Scheduler) processMultiHomeMain(t *txn.Transaction) {
	holder, ok := s.holders[t.ID]
	if !ok {
		holder = txn.NewHolder(s.conf.NumReplicas, t)
		s.holders[t.ID] = holder
	} else if !holder.SetMain(t) {
		log.Error("duplicate multi-home transaction", zap.Uint64("txn", uint64(t.ID)))
		return
	}

	if holder.Aborting() {
		s.abortWithMain(holder)
		return
	}
	if !s.hasLocalKeys(t) {
		// Tracked only to account for lock-only arrivals.
		holder.SetDone()
		s.maybeGC(holder)
		return
	}
	if s.lockManager.RegisterTxn(t) {
		s.onLocksAcquired(holder)
	}
}

func (s *Scheduler) processLockOnly(t *txn.Transaction) {
	// Every lock-only is tracked, even one with no keys here: dispatch of
	// its parent waits for the full lock-only count, and a holder created
	// for an uninvolved partition is collected once the parent shows up.
	holder, ok := s.holders[t.ID]
	if !ok {
		holder = txn.NewHolder(s.conf.NumReplicas, t)
		s.holders[t.ID] = holder
	} else if !holder.AddLockOnly(t) {
		log.Error("duplicate lock-only transaction",
			zap.Uint64("txn", uint64(t.ID)), zap.Uint32("home", t.Home))
		return
	}

	if holder.Aborting() {
		s.maybeGC(holder)
		return
	}
	if !s.hasLocalKeys(t) {
		// Nothing to lock here; the arrival may still complete the
		// lock-only count the dispatch is waiting on.
		s.maybeEnqueue(holder)
		s.maybeGC(holder)
		return
	}

	switch s.remasterManager.VerifyMaster(t) {
	case Abort:
		s.triggerPreDispatchAbort(holder, "stale mastership counter")
	case Waiting:
	case Valid:
		s.acquireLockOnly(holder, t)
	}
}

// acquireLockOnly acquires a lock-only's locks. The waited-lock count only
// reaches zero once the main transaction has registered, so lock readiness
// here means the whole local lock set is held.
func (s *Scheduler) acquireLockOnly(holder *txn.Holder, lo *txn.Transaction) {
	if s.lockManager.AcquireLocks(lo) {
		s.onLocksAcquired(holder)
		return
	}
	// This lock-only may have been the last arrival a ready transaction was
	// waiting on.
	s.maybeEnqueue(holder)
}

/* Remaster bookkeeping */

func (s *Scheduler) processRemasterResult(result RemasterResult) {
	for _, t := range result.Unblocked {
		holder, ok := s.holders[t.ID]
		if !ok || holder.Aborting() {
			continue
		}
		switch t.Type {
		case txn.SingleHome:
			if s.lockManager.RegisterTxnAndAcquireLocks(t) {
				s.onLocksAcquired(holder)
			}
		case txn.LockOnly:
			s.acquireLockOnly(holder, t)
		}
	}
	for _, t := range result.ShouldAbort {
		if holder, ok := s.holders[t.ID]; ok {
			s.triggerPreDispatchAbort(holder, "stale mastership counter")
		}
	}
}

/* Abort path */

// triggerPreDispatchAbort aborts a transaction discovered invalid before it
// was dispatched. If the main transaction has not arrived yet, the holder is
// only marked; the abort completes on arrival.
func (s *Scheduler) triggerPreDispatchAbort(holder *txn.Holder, reason string) {
	if holder.Aborting() {
		return
	}
	holder.SetAborting()
	s.abortReasons[holder.ID()] = reason
	if holder.HasMain() {
		s.abortWithMain(holder)
	}
}

func (s *Scheduler) abortWithMain(holder *txn.Holder) {
	t := holder.Txn()
	t.Status = txn.Aborted
	if t.AbortReason == "" {
		t.AbortReason = s.abortReasons[holder.ID()]
	}
	delete(s.abortReasons, holder.ID())

	// Locks this txn already holds or waits for go back to the pool; queued
	// remaster checks are withdrawn.
	for _, id := range s.lockManager.ReleaseLocks(t) {
		s.readyFromRelease(id)
	}
	s.processRemasterResult(s.remasterManager.ReleaseTransaction(t.ID))

	localPartition := s.conf.Local().Partition
	// Other participants may be waiting on this partition's reads.
	if len(t.InvolvedPartitions) > 1 {
		result := &message.RemoteReadResult{
			TxnID:       t.ID,
			Partition:   localPartition,
			WillAbort:   true,
			AbortReason: t.AbortReason,
		}
		req := &message.Request{RemoteReadResult: result}
		for _, p := range t.InvolvedPartitions {
			if p != localPartition {
				s.broker.SendRequest(req,
					txn.MachineID{Replica: s.conf.Local().Replica, Partition: p},
					message.SchedulerChannel)
			}
		}
	}

	s.sendCompletedSubtxn(holder, t.InvolvedPartitions)
	holder.SetDone()
	s.maybeGC(holder)
}

/* Dispatch */

// onLocksAcquired records that the transaction holds its entire local lock
// set. At most one acquisition path reports this per transaction.
func (s *Scheduler) onLocksAcquired(holder *txn.Holder) {
	if holder.LocksReady() {
		log.Fatal("transaction acquired its locks more than once",
			zap.Uint64("txn", uint64(holder.ID())))
	}
	holder.SetLocksReady()
	s.maybeEnqueue(holder)
}

// maybeEnqueue dispatches a transaction that holds all its locks and, for a
// multi-home one, has seen every expected lock-only arrive. Safe to call
// repeatedly; a transaction is enqueued at most once.
func (s *Scheduler) maybeEnqueue(holder *txn.Holder) {
	if holder.Aborting() || !holder.LocksReady() || holder.Dispatches() > 0 {
		return
	}
	if !holder.HasMain() {
		return
	}
	if holder.Txn().Type == txn.MultiHome &&
		holder.NumLockOnly() != holder.ExpectedLockOnly() {
		return
	}
	holder.IncDispatches()
	log.Debug("txn ready", zap.Uint64("txn", uint64(holder.ID())))
	s.readyTxns = append(s.readyTxns, holder.ID())
	s.maybeDispatch()
}

func (s *Scheduler) readyFromRelease(id txn.TxnID) {
	holder, ok := s.holders[id]
	if !ok {
		log.Fatal("lock release readied an unknown transaction",
			zap.Uint64("txn", uint64(id)))
	}
	s.onLocksAcquired(holder)
}

func (s *Scheduler) maybeDispatch() {
	for len(s.readyTxns) > 0 && len(s.readyWorkers) > 0 {
		txnID := s.readyTxns[0]
		s.readyTxns = s.readyTxns[1:]
		workerID := s.readyWorkers[0]
		s.readyWorkers = s.readyWorkers[1:]

		holder := s.holders[txnID]
		s.dispatchedTo[txnID] = workerID
		metrics.TxnDispatchedCounter.Inc()
		log.Debug("dispatching txn",
			zap.Uint64("txn", uint64(txnID)), zap.Int("worker", workerID))

		s.workers[workerID].inbox <- workerInput{dispatch: &dispatch{
			holder:     holder,
			earlyReads: s.earlyReads[txnID],
		}}
		delete(s.earlyReads, txnID)
	}
}

/* Remote reads */

func (s *Scheduler) processRemoteRead(rr *message.RemoteReadResult) {
	if workerID, running := s.dispatchedTo[rr.TxnID]; running {
		s.workers[workerID].inbox <- workerInput{remoteRead: rr}
		return
	}
	s.earlyReads[rr.TxnID] = append(s.earlyReads[rr.TxnID], rr)
}

/* Worker completion */

func (s *Scheduler) handleWorkerDone(d workerDone) {
	holder, ok := s.holders[d.txnID]
	if !ok {
		log.Fatal("worker finished an unknown transaction",
			zap.Uint64("txn", uint64(d.txnID)))
	}
	delete(s.dispatchedTo, d.txnID)
	s.readyWorkers = append(s.readyWorkers, d.workerID)
	holder.SetDone()

	if d.remasterApplied {
		metrics.RemasterCounter.Inc()
		s.processRemasterResult(
			s.remasterManager.RemasterOccurred(d.remasterKey, d.remasterCounter))
	}

	for _, id := range s.lockManager.ReleaseLocks(holder.Txn()) {
		s.readyFromRelease(id)
	}

	s.sendCompletedSubtxn(holder, d.participants)
	s.maybeGC(holder)
	s.maybeDispatch()
}

func (s *Scheduler) sendCompletedSubtxn(holder *txn.Holder, participants []uint32) {
	localPartition := s.conf.Local().Partition
	involved := false
	for _, p := range participants {
		if p == localPartition {
			involved = true
			break
		}
	}
	if !involved {
		return
	}
	t := holder.Txn()
	s.broker.SendRequest(&message.Request{CompletedSubtxn: &message.CompletedSubtxn{
		Txn:                t,
		Partition:          localPartition,
		InvolvedPartitions: participants,
	}}, t.CoordinatingServer, message.ServerChannel)
}

func (s *Scheduler) maybeGC(holder *txn.Holder) {
	if !holder.ReadyForGC() {
		return
	}
	id := holder.ID()
	if holder.HasMain() {
		holder.Release()
	}
	delete(s.holders, id)
	delete(s.earlyReads, id)
	delete(s.abortReasons, id)
}

/* Stats */

func (s *Scheduler) processStats(req *message.StatsRequest, from txn.MachineID) {
	snapshot := map[string]interface{}{
		"num_ready_workers": len(s.readyWorkers),
		"num_ready_txns":    len(s.readyTxns),
		"num_all_txns":      len(s.holders),
		"remaster_queues":   s.remasterManager.Stats(),
	}
	for k, v := range s.lockManager.Stats(req.Level) {
		snapshot[k] = v
	}
	if req.Level >= 1 {
		ids := make([]uint64, 0, len(s.holders))
		for id := range s.holders {
			ids = append(ids, uint64(id))
		}
		snapshot["all_txns"] = ids
	}
	buf, err := json.Marshal(snapshot)
	if err != nil {
		log.Error("marshaling scheduler stats", zap.Error(err))
		return
	}
	s.broker.SendResponse(&message.Response{Stats: &message.StatsResponse{
		ID:    req.ID,
		Stats: buf,
	}}, from, message.ServerChannel)
}
