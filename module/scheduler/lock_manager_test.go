package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slogdb/slog/config"
	"github.com/slogdb/slog/txn"
)

func testConfig(numPartitions uint32) *config.Config {
	conf := config.NewDefaultConfig()
	conf.NumPartitions = numPartitions
	addrs := make([]string, numPartitions)
	for i := range addrs {
		addrs[i] = "127.0.0.1"
	}
	conf.Addresses = addrs
	conf.SetLocal(txn.MachineID{Replica: 0, Partition: 0})
	return conf
}

func makeTxn(id txn.TxnID, reads, writes []txn.Key) *txn.Transaction {
	t := txn.New(reads, writes, "")
	t.ID = id
	t.Type = txn.SingleHome
	return t
}

func TestGetAllLocksOnFirstTry(t *testing.T) {
	lm := NewLockManager(testConfig(1))
	txn1 := makeTxn(100, []txn.Key{"readA", "readB"}, []txn.Key{"writeC"})
	require.True(t, lm.RegisterTxnAndAcquireLocks(txn1))
	assert.Empty(t, lm.ReleaseLocks(txn1))
}

func TestGetAllLocksMultiPartitions(t *testing.T) {
	conf := testConfig(2)
	lm := NewLockManager(conf)

	// Pick one key in the local partition and one outside it.
	localKey, remoteKey := txn.Key(""), txn.Key("")
	candidates := []txn.Key{"AAAA", "BBBB", "CCCC", "DDDD", "EEEE", "ZZZZ"}
	for _, k := range candidates {
		if conf.KeyIsInLocalPartition(k) && localKey == "" {
			localKey = k
		}
		if !conf.KeyIsInLocalPartition(k) && remoteKey == "" {
			remoteKey = k
		}
	}
	require.NotEmpty(t, localKey)
	require.NotEmpty(t, remoteKey)

	// A txn whose keys are all local locks; one whose keys are all remote
	// has nothing to lock here.
	txn1 := makeTxn(100, nil, []txn.Key{localKey})
	txn2 := makeTxn(200, nil, []txn.Key{remoteKey})
	assert.True(t, lm.RegisterTxnAndAcquireLocks(txn1))
	assert.False(t, lm.RegisterTxnAndAcquireLocks(txn2))
}

func TestSharedReadLocks(t *testing.T) {
	lm := NewLockManager(testConfig(1))
	txn1 := makeTxn(100, []txn.Key{"readA", "readB"}, nil)
	txn2 := makeTxn(200, []txn.Key{"readB", "readC"}, nil)

	require.True(t, lm.RegisterTxnAndAcquireLocks(txn1))
	require.True(t, lm.RegisterTxnAndAcquireLocks(txn2))
	assert.Empty(t, lm.ReleaseLocks(txn1))
	assert.Empty(t, lm.ReleaseLocks(txn2))
}

func TestWriteLocksBlock(t *testing.T) {
	lm := NewLockManager(testConfig(1))
	txn1 := makeTxn(100, nil, []txn.Key{"writeA", "writeB"})
	txn2 := makeTxn(200, []txn.Key{"readA"}, []txn.Key{"writeA"})

	require.True(t, lm.RegisterTxnAndAcquireLocks(txn1))
	require.False(t, lm.RegisterTxnAndAcquireLocks(txn2))

	ready := lm.ReleaseLocks(txn1)
	require.Len(t, ready, 1)
	assert.Equal(t, txn.TxnID(200), ready[0])
}

func TestReleaseLocksAndGetManyNewHolders(t *testing.T) {
	lm := NewLockManager(testConfig(1))
	txn1 := makeTxn(100, []txn.Key{"A"}, []txn.Key{"B", "C"})
	txn2 := makeTxn(200, []txn.Key{"B"}, []txn.Key{"A"})
	txn3 := makeTxn(300, []txn.Key{"B"}, nil)
	txn4 := makeTxn(400, []txn.Key{"C"}, nil)

	require.True(t, lm.RegisterTxnAndAcquireLocks(txn1))
	require.False(t, lm.RegisterTxnAndAcquireLocks(txn2))
	require.False(t, lm.RegisterTxnAndAcquireLocks(txn3))
	require.False(t, lm.RegisterTxnAndAcquireLocks(txn4))

	// Withdrawing a waiter readies nobody.
	assert.Empty(t, lm.ReleaseLocks(txn3))

	ready := lm.ReleaseLocks(txn1)
	assert.ElementsMatch(t, []txn.TxnID{200, 400}, ready)
}

// A queued writer is promoted as a writer, not as a reader.
func TestQueuedWriterPromotedAsWriter(t *testing.T) {
	lm := NewLockManager(testConfig(1))
	txn1 := makeTxn(100, nil, []txn.Key{"B", "C"})
	txn2 := makeTxn(200, nil, []txn.Key{"B"})
	txn3 := makeTxn(300, []txn.Key{"B"}, nil)
	txn4 := makeTxn(400, []txn.Key{"C"}, nil)

	require.True(t, lm.RegisterTxnAndAcquireLocks(txn1))
	require.False(t, lm.RegisterTxnAndAcquireLocks(txn2))
	require.False(t, lm.RegisterTxnAndAcquireLocks(txn3))
	require.False(t, lm.RegisterTxnAndAcquireLocks(txn4))

	assert.Empty(t, lm.ReleaseLocks(txn3))

	ready := lm.ReleaseLocks(txn1)
	assert.ElementsMatch(t, []txn.TxnID{200, 400}, ready)

	// txn2 must hold B exclusively: a late reader has to wait.
	txn5 := makeTxn(500, []txn.Key{"B"}, nil)
	assert.False(t, lm.RegisterTxnAndAcquireLocks(txn5))
}

func TestPartiallyAcquiredLocks(t *testing.T) {
	lm := NewLockManager(testConfig(1))
	txn1 := makeTxn(100, []txn.Key{"A"}, []txn.Key{"B", "C"})
	txn2 := makeTxn(200, []txn.Key{"A"}, []txn.Key{"B"})
	txn3 := makeTxn(300, nil, []txn.Key{"A", "C"})

	require.True(t, lm.RegisterTxnAndAcquireLocks(txn1))
	require.False(t, lm.RegisterTxnAndAcquireLocks(txn2))
	require.False(t, lm.RegisterTxnAndAcquireLocks(txn3))

	ready := lm.ReleaseLocks(txn1)
	assert.ElementsMatch(t, []txn.TxnID{200}, ready)

	ready = lm.ReleaseLocks(txn2)
	assert.ElementsMatch(t, []txn.TxnID{300}, ready)
}

func TestKeyInBothSetsTakesWriteLock(t *testing.T) {
	lm := NewLockManager(testConfig(1))
	txn1 := makeTxn(100, []txn.Key{"A"}, []txn.Key{"A"})
	txn2 := makeTxn(200, []txn.Key{"A"}, nil)

	require.True(t, lm.RegisterTxnAndAcquireLocks(txn1))
	require.False(t, lm.RegisterTxnAndAcquireLocks(txn2))

	ready := lm.ReleaseLocks(txn1)
	assert.ElementsMatch(t, []txn.TxnID{200}, ready)
}

func TestAcquireLocksWithLockOnlyTxns(t *testing.T) {
	lm := NewLockManager(testConfig(1))
	txn1 := makeTxn(100, []txn.Key{"A"}, []txn.Key{"B", "C"})
	txn2 := makeTxn(200, []txn.Key{"A"}, []txn.Key{"B"})
	txn2lo1 := makeTxn(200, nil, []txn.Key{"B"})
	txn2lo2 := makeTxn(200, []txn.Key{"A"}, nil)

	require.False(t, lm.RegisterTxn(txn1))
	require.False(t, lm.RegisterTxn(txn2))
	require.False(t, lm.AcquireLocks(txn2lo1))
	require.False(t, lm.AcquireLocks(txn1))
	require.True(t, lm.AcquireLocks(txn2lo2))

	ready := lm.ReleaseLocks(txn2)
	assert.ElementsMatch(t, []txn.TxnID{100}, ready)
}

func TestLockOnlyBeforeRegistration(t *testing.T) {
	lm := NewLockManager(testConfig(1))
	main := makeTxn(100, []txn.Key{"A"}, []txn.Key{"B"})
	lo1 := makeTxn(100, []txn.Key{"A"}, nil)
	lo2 := makeTxn(100, nil, []txn.Key{"B"})

	// Lock-onlys acquiring ahead of registration leave the count negative.
	require.False(t, lm.AcquireLocks(lo1))
	require.False(t, lm.AcquireLocks(lo2))
	// Registration brings it to zero: everything is already held.
	assert.True(t, lm.RegisterTxn(main))
}

func TestReacquisitionIsIdempotent(t *testing.T) {
	lm := NewLockManager(testConfig(1))
	main := makeTxn(100, nil, []txn.Key{"A"})
	lo1 := makeTxn(100, nil, []txn.Key{"A"})
	lo2 := makeTxn(100, nil, []txn.Key{"A"})

	require.False(t, lm.RegisterTxn(main))
	require.True(t, lm.AcquireLocks(lo1))
	// A second lock-only covering the same key must not report a fresh
	// acquisition.
	assert.False(t, lm.AcquireLocks(lo2))
}

// For identical call sequences the set of newly ready txns from each release
// is identical, and a txn becomes newly ready at most once per run.
func TestDeterministicReleaseOrder(t *testing.T) {
	runOnce := func() [][]txn.TxnID {
		lm := NewLockManager(testConfig(1))
		txn1 := makeTxn(1, nil, []txn.Key{"A", "B"})
		txn2 := makeTxn(2, []txn.Key{"A"}, []txn.Key{"C"})
		txn3 := makeTxn(3, []txn.Key{"B", "C"}, nil)
		txn4 := makeTxn(4, nil, []txn.Key{"A"})

		lm.RegisterTxnAndAcquireLocks(txn1)
		lm.RegisterTxnAndAcquireLocks(txn2)
		lm.RegisterTxnAndAcquireLocks(txn3)
		lm.RegisterTxnAndAcquireLocks(txn4)

		var releases [][]txn.TxnID
		for _, t := range []*txn.Transaction{txn1, txn2, txn3, txn4} {
			releases = append(releases, lm.ReleaseLocks(t))
		}
		return releases
	}

	first := runOnce()
	second := runOnce()
	require.Equal(t, len(first), len(second))
	seen := make(map[txn.TxnID]int)
	for i := range first {
		assert.ElementsMatch(t, first[i], second[i])
		for _, id := range first[i] {
			seen[id]++
		}
	}
	for id, n := range seen {
		assert.True(t, n <= 1, "txn %d became ready more than once", id)
	}
}

func TestLockStateInvariant(t *testing.T) {
	s := newLockState()
	require.True(t, s.AcquireWriteLock(1))
	require.False(t, s.AcquireReadLock(2))
	require.False(t, s.AcquireReadLock(3))
	require.False(t, s.AcquireWriteLock(4))

	// WRITE mode has exactly one holder; waiters match the queue.
	assert.Equal(t, WriteLock, s.Mode())
	assert.Len(t, s.Holders(), 1)
	assert.ElementsMatch(t, []txn.TxnID{2, 3, 4}, s.Waiters())

	newHolders := s.Release(1)
	// Consecutive readers at the head are promoted together.
	assert.Equal(t, ReadLock, s.Mode())
	assert.Len(t, newHolders, 2)

	s.Release(2)
	s.Release(3)
	assert.Equal(t, WriteLock, s.Mode())
	assert.Len(t, s.Holders(), 1)

	s.Release(4)
	assert.Equal(t, Unlocked, s.Mode())
	assert.Empty(t, s.Holders())
}
