package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slogdb/slog/txn"
)

func TestSingleHomeReadTxn(t *testing.T) {
	cluster := NewCluster(t, 2, 2)
	cluster.Seed("A", "valA", 0, 0)
	cluster.Seed("B", "valB", 0, 1)
	cluster.Start(t)

	cl := cluster.Client(t, txn.MachineID{Replica: 0, Partition: 0})
	result, err := cl.Submit(txn.New([]txn.Key{"A", "B"}, nil, ""))
	require.NoError(t, err)

	assert.Equal(t, txn.Committed, result.Status)
	assert.Equal(t, txn.Value("valA"), result.ReadSet["A"])
	assert.Equal(t, txn.Value("valB"), result.ReadSet["B"])
}

func TestSingleHomeWriteThenRead(t *testing.T) {
	cluster := NewCluster(t, 1, 2)
	cluster.Seed("A", "valA", 0, 0)
	cluster.Start(t)

	cl := cluster.Client(t, txn.MachineID{Replica: 0, Partition: 0})

	write, err := cl.Submit(txn.New([]txn.Key{"A"}, []txn.Key{"A"}, "SET A newA"))
	require.NoError(t, err)
	assert.Equal(t, txn.Committed, write.Status)

	read, err := cl.Submit(txn.New([]txn.Key{"A"}, nil, ""))
	require.NoError(t, err)
	assert.Equal(t, txn.Committed, read.Status)
	assert.Equal(t, txn.Value("newA"), read.ReadSet["A"])
}

func TestMultiHomeReadTxn(t *testing.T) {
	cluster := NewCluster(t, 2, 2)
	cluster.Seed("A", "valA", 0, 0)
	cluster.Seed("C", "valC", 1, 0)
	cluster.Start(t)

	cl := cluster.Client(t, txn.MachineID{Replica: 0, Partition: 0})
	result, err := cl.Submit(txn.New([]txn.Key{"A", "C"}, nil, ""))
	require.NoError(t, err)

	assert.Equal(t, txn.Committed, result.Status)
	assert.Equal(t, txn.Value("valA"), result.ReadSet["A"])
	assert.Equal(t, txn.Value("valC"), result.ReadSet["C"])
}

func TestMultiHomeWrite(t *testing.T) {
	cluster := NewCluster(t, 2, 2)
	cluster.Seed("A", "valA", 0, 0)
	cluster.Seed("C", "valC", 1, 0)
	cluster.Start(t)

	cl := cluster.Client(t, txn.MachineID{Replica: 0, Partition: 0})
	result, err := cl.Submit(txn.New(
		[]txn.Key{"C"}, []txn.Key{"A"}, "COPY C A"))
	require.NoError(t, err)
	require.Equal(t, txn.Committed, result.Status)

	read, err := cl.Submit(txn.New([]txn.Key{"A"}, nil, ""))
	require.NoError(t, err)
	assert.Equal(t, txn.Value("valC"), read.ReadSet["A"])
}

func TestWritesAssignedValuesReadBack(t *testing.T) {
	cluster := NewCluster(t, 1, 2)
	cluster.Seed("x1", "", 0, 0)
	cluster.Seed("x2", "", 0, 0)
	cluster.Start(t)

	cl := cluster.Client(t, txn.MachineID{Replica: 0, Partition: 0})
	write, err := cl.Submit(txn.New(nil, []txn.Key{"x1", "x2"},
		"SET x1 one SET x2 two"))
	require.NoError(t, err)
	require.Equal(t, txn.Committed, write.Status)

	read, err := cl.Submit(txn.New([]txn.Key{"x1", "x2"}, nil, ""))
	require.NoError(t, err)
	assert.Equal(t, txn.Value("one"), read.ReadSet["x1"])
	assert.Equal(t, txn.Value("two"), read.ReadSet["x2"])
}

func TestStaleCounterAbortsEverywhere(t *testing.T) {
	cluster := NewCluster(t, 2, 2)
	cluster.Seed("A", "valA", 0, 1)
	cluster.Seed("C", "valC", 1, 0)
	cluster.Start(t)

	cl := cluster.Client(t, txn.MachineID{Replica: 0, Partition: 0})

	// The submitter observed A before its latest remaster: the lock-only
	// for replica 0 carries a stale counter, so the whole multi-home txn
	// aborts at every partition.
	stale := txn.New([]txn.Key{"A", "C"}, nil, "")
	stale.MasterMetadata = map[txn.Key]txn.Metadata{
		"A": {Master: 0, Counter: 0},
		"C": {Master: 1, Counter: 0},
	}
	result, err := cl.Submit(stale)
	require.NoError(t, err)
	assert.Equal(t, txn.Aborted, result.Status)
}

func TestRemasterRoundTrip(t *testing.T) {
	cluster := NewCluster(t, 2, 1)
	cluster.Seed("A", "valA", 0, 0)
	cluster.Start(t)

	cl := cluster.Client(t, txn.MachineID{Replica: 0, Partition: 0})

	remaster := txn.NewRemaster("A", 1)
	result, err := cl.Submit(remaster)
	require.NoError(t, err)
	require.Equal(t, txn.Committed, result.Status)

	// A follower that observed the new mastership commits.
	follower := txn.New([]txn.Key{"A"}, nil, "")
	follower.MasterMetadata = map[txn.Key]txn.Metadata{"A": {Master: 1, Counter: 1}}
	followerResult, err := cl.Submit(follower)
	require.NoError(t, err)
	assert.Equal(t, txn.Committed, followerResult.Status)
	assert.Equal(t, txn.Value("valA"), followerResult.ReadSet["A"])

	// One that still references the old mastership aborts.
	straggler := txn.New([]txn.Key{"A"}, nil, "")
	straggler.MasterMetadata = map[txn.Key]txn.Metadata{"A": {Master: 0, Counter: 0}}
	stragglerResult, err := cl.Submit(straggler)
	require.NoError(t, err)
	assert.Equal(t, txn.Aborted, stragglerResult.Status)
}

func TestValidationErrors(t *testing.T) {
	cluster := NewCluster(t, 1, 1)
	cluster.Start(t)

	cl := cluster.Client(t, txn.MachineID{Replica: 0, Partition: 0})

	empty, err := cl.Submit(txn.New(nil, nil, ""))
	require.NoError(t, err)
	assert.Equal(t, txn.Aborted, empty.Status)
	assert.NotEmpty(t, empty.AbortReason)

	badRemaster := txn.NewRemaster("A", 0)
	badRemaster.ReadSet["B"] = ""
	result, err := cl.Submit(badRemaster)
	require.NoError(t, err)
	assert.Equal(t, txn.Aborted, result.Status)
}

func TestUserAbort(t *testing.T) {
	cluster := NewCluster(t, 1, 1)
	cluster.Seed("A", "valA", 0, 0)
	cluster.Start(t)

	cl := cluster.Client(t, txn.MachineID{Replica: 0, Partition: 0})
	result, err := cl.Submit(txn.New(nil, []txn.Key{"A"}, "ABORT A"))
	require.NoError(t, err)
	assert.Equal(t, txn.Aborted, result.Status)
	assert.Contains(t, result.AbortReason, "user abort")

	read, err := cl.Submit(txn.New([]txn.Key{"A"}, nil, ""))
	require.NoError(t, err)
	assert.Equal(t, txn.Value("valA"), read.ReadSet["A"], "aborted write must not apply")
}
