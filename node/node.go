// Package node assembles one machine of the cluster: broker, transport, the
// pipeline modules, and the paxos groups this machine participates in.
package node

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/slogdb/slog/broker"
	"github.com/slogdb/slog/config"
	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/module"
	"github.com/slogdb/slog/module/scheduler"
	"github.com/slogdb/slog/paxos"
	"github.com/slogdb/slog/storage"
	"github.com/slogdb/slog/txn"
)

// Storage is what a node needs from its storage engine.
type Storage interface {
	storage.Storage
	storage.MasterIndex
}

// Node is one running machine.
type Node struct {
	conf    *config.Config
	broker  *broker.Broker
	server  *module.Server
	sched   *scheduler.Scheduler
	runners []*module.Runner
}

// New wires a machine together. transport is pluggable so tests can run
// whole clusters in one process.
func New(conf *config.Config, b *broker.Broker, store Storage) *Node {
	n := &Node{conf: conf, broker: b}
	local := conf.Local()

	server := module.NewServer(conf, b, store)
	forwarder := module.NewForwarder(conf, b)
	sequencer := module.NewSequencer(conf, b)
	interleaver := module.NewInterleaver(conf, b)
	sched := scheduler.NewScheduler(conf, b, store)
	n.server = server
	n.sched = sched

	mods := []module.Module{server, forwarder, sequencer, interleaver, sched}

	// Every machine of a replica is a member of the replica's local paxos
	// group, which orders single-home batches by origin partition.
	localMembers := make([]txn.MachineID, 0, conf.NumPartitions)
	for part := uint32(0); part < conf.NumPartitions; part++ {
		localMembers = append(localMembers, txn.MachineID{Replica: local.Replica, Partition: part})
	}
	mods = append(mods, paxos.New("local-paxos", b, message.LocalPaxosChannel,
		localMembers, interleaver.HandleLocalPaxosCommit))

	// The leader partition of every replica hosts the multi-home orderer
	// and the global paxos group that orders its batches.
	leaderPart := conf.LeaderPartitionForMultiHomeOrdering()
	globalMembers := make([]txn.MachineID, 0, conf.NumReplicas)
	for rep := uint32(0); rep < conf.NumReplicas; rep++ {
		globalMembers = append(globalMembers, txn.MachineID{Replica: rep, Partition: leaderPart})
	}
	if paxos.IsMember(globalMembers, local) {
		orderer := module.NewMultiHomeOrderer(conf, b)
		mods = append(mods,
			orderer,
			paxos.New("global-paxos", b, message.GlobalPaxosChannel,
				globalMembers, orderer.HandleGlobalPaxosCommit))
	}

	for _, m := range mods {
		n.runners = append(n.runners, module.NewRunner(m))
	}
	return n
}

// Start launches every module of the machine.
func (n *Node) Start() {
	log.Info("starting machine", zap.Stringer("machine", n.conf.Local()))
	for _, r := range n.runners {
		r.Start()
	}
}

// Stop halts the modules, the worker pool and the broker transport.
func (n *Node) Stop() {
	n.server.Close()
	for _, r := range n.runners {
		r.Stop()
	}
	n.sched.Close()
	if err := n.broker.Close(); err != nil {
		log.Warn("closing broker", zap.Error(err))
	}
	log.Info("stopped machine", zap.Stringer("machine", n.conf.Local()))
}
