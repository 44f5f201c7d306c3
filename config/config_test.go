package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slogdb/slog/txn"
)

const sampleConfig = `
protocol = "tcp"
broker_port = 2021
server_port = 2023
num_replicas = 2
num_partitions = 2
addresses = ["10.0.0.1", "10.0.0.2", "10.0.1.1", "10.0.1.2"]
batch_duration_ms = 5
num_workers = 3
max_batch_size = "1MB"
default_master_region_for_new_key = 0
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "slog.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestFromFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	conf, err := FromFile(path, txn.MachineID{Replica: 1, Partition: 0})
	require.NoError(t, err)

	assert.Equal(t, uint32(2), conf.NumReplicas)
	assert.Equal(t, uint32(2), conf.NumPartitions)
	assert.Equal(t, "10.0.1.1", conf.Address(conf.Local()))
	assert.Equal(t, "10.0.0.2", conf.Address(txn.MachineID{Replica: 0, Partition: 1}))
	assert.Equal(t, int64(1000000), conf.MaxBatchBytes())
	assert.Equal(t, uint32(2), conf.LocalNum())
}

func TestValidateRejectsBadTopologies(t *testing.T) {
	conf := NewDefaultConfig()
	conf.SetLocal(txn.MachineID{})

	conf.NumReplicas = 0
	assert.Error(t, conf.Validate())

	conf = NewDefaultConfig()
	conf.Addresses = []string{"a", "b"}
	assert.Error(t, conf.Validate(), "address count must match machine count")

	conf = NewDefaultConfig()
	conf.SetLocal(txn.MachineID{Replica: 3})
	assert.Error(t, conf.Validate(), "local machine outside cluster")

	conf = NewDefaultConfig()
	conf.BatchDurationMs = 0
	assert.Error(t, conf.Validate())

	conf = NewDefaultConfig()
	conf.ReplicationDelayPercent = 200
	assert.Error(t, conf.Validate())

	conf = NewDefaultConfig()
	conf.MaxBatchSize = "lots"
	assert.Error(t, conf.Validate())
}

func TestPartitionOfKeyIsStable(t *testing.T) {
	conf := NewDefaultConfig()
	conf.NumPartitions = 4
	conf.Addresses = []string{"a", "b", "c", "d"}
	conf.SetLocal(txn.MachineID{})
	require.NoError(t, conf.Validate())

	for _, key := range []txn.Key{"A", "B", "some-longer-key"} {
		p := conf.PartitionOfKey(key)
		assert.True(t, p < 4)
		assert.Equal(t, p, conf.PartitionOfKey(key), "hash must be stable")
	}
}

func TestPartitionsOfTxnSorted(t *testing.T) {
	conf := NewDefaultConfig()
	conf.NumPartitions = 4
	conf.Addresses = []string{"a", "b", "c", "d"}
	conf.SetLocal(txn.MachineID{})
	require.NoError(t, conf.Validate())

	tx := txn.New([]txn.Key{"A", "B", "C", "D", "E"}, []txn.Key{"F"}, "")
	parts := conf.PartitionsOfTxn(tx)
	require.NotEmpty(t, parts)
	for i := 1; i < len(parts); i++ {
		assert.True(t, parts[i-1] < parts[i])
	}
}

func TestReplicasOfTxnIncludesRemasterTarget(t *testing.T) {
	conf := NewDefaultConfig()
	conf.NumReplicas = 3
	conf.Addresses = []string{"a", "b", "c"}
	conf.SetLocal(txn.MachineID{})
	require.NoError(t, conf.Validate())

	tx := txn.NewRemaster("A", 2)
	tx.MasterMetadata["A"] = txn.Metadata{Master: 0, Counter: 1}
	assert.Equal(t, []uint32{0, 2}, conf.ReplicasOfTxn(tx))
}
