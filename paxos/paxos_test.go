package paxos

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slogdb/slog/broker"
	"github.com/slogdb/slog/config"
	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/module"
	"github.com/slogdb/slog/txn"
)

type commitLog struct {
	mu      sync.Mutex
	commits []uint64
}

func (c *commitLog) add(slot txn.SlotID, value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Delivery must already be in slot order.
	c.commits = append(c.commits, value)
}

func (c *commitLog) snapshot() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.commits...)
}

func startGroup(t *testing.T, numMembers uint32) ([]*commitLog, []*broker.Broker, func()) {
	network := broker.NewInprocNetwork()

	members := make([]txn.MachineID, numMembers)
	addresses := make([]string, numMembers)
	for i := uint32(0); i < numMembers; i++ {
		members[i] = txn.MachineID{Replica: 0, Partition: i}
		addresses[i] = "127.0.0.1"
	}

	logs := make([]*commitLog, numMembers)
	brokers := make([]*broker.Broker, numMembers)
	var runners []*module.Runner
	for i := uint32(0); i < numMembers; i++ {
		conf := config.NewDefaultConfig()
		conf.NumPartitions = numMembers
		conf.Addresses = addresses
		conf.SetLocal(members[i])
		require.NoError(t, conf.Validate())

		b := broker.New(conf, network.Transport(members[i]))
		network.Register(members[i], b)
		brokers[i] = b

		logs[i] = &commitLog{}
		p := New("test-paxos", b, message.LocalPaxosChannel, members, logs[i].add)
		r := module.NewRunner(p)
		runners = append(runners, r)
		r.Start()
	}
	return logs, brokers, func() {
		for _, r := range runners {
			r.Stop()
		}
	}
}

func waitForCommits(t *testing.T, l *commitLog, n int) []uint64 {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := l.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d commits, have %d", n, len(l.snapshot()))
	return nil
}

func TestSingleMemberCommits(t *testing.T) {
	logs, brokers, stop := startGroup(t, 1)
	defer stop()

	leader := txn.MachineID{Replica: 0, Partition: 0}
	for v := uint64(10); v < 15; v++ {
		Propose(brokers[0], leader, message.LocalPaxosChannel, v)
	}
	got := waitForCommits(t, logs[0], 5)
	assert.Equal(t, []uint64{10, 11, 12, 13, 14}, got)
}

func TestAllMembersDeliverSameOrder(t *testing.T) {
	logs, brokers, stop := startGroup(t, 3)
	defer stop()

	leader := txn.MachineID{Replica: 0, Partition: 0}
	const n = 20
	for v := uint64(0); v < n; v++ {
		// Proposals may come from any member.
		Propose(brokers[v%3], leader, message.LocalPaxosChannel, 100+v)
	}

	first := waitForCommits(t, logs[0], n)
	for i := 1; i < 3; i++ {
		got := waitForCommits(t, logs[i], n)
		assert.Equal(t, first, got, "member %d diverged", i)
	}
	assert.Len(t, first, n, "every proposal committed exactly once")
}

func TestProposalForwardedToLeader(t *testing.T) {
	logs, brokers, stop := startGroup(t, 3)
	defer stop()

	// Misdirect the proposal to a non-leader member.
	follower := txn.MachineID{Replica: 0, Partition: 2}
	Propose(brokers[1], follower, message.LocalPaxosChannel, 7)

	got := waitForCommits(t, logs[0], 1)
	assert.Equal(t, []uint64{7}, got)
}
