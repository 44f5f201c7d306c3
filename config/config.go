package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dgryski/go-farm"
	units "github.com/docker/go-units"
	"github.com/pingcap/errors"

	"github.com/slogdb/slog/txn"
)

// Config holds the cluster topology and tuning knobs for one machine. The
// file part is shared by every machine in the cluster; the local identity is
// supplied on the command line.
type Config struct {
	// Protocol for the inter-machine transport. Only "tcp" is supported; an
	// in-memory transport is swapped in by tests.
	Protocol string `toml:"protocol"`

	BrokerPort int `toml:"broker_port"`
	ServerPort int `toml:"server_port"`
	// AdminPort serves Prometheus metrics and pprof. 0 disables it.
	AdminPort int `toml:"admin_port"`

	NumReplicas   uint32 `toml:"num_replicas"`
	NumPartitions uint32 `toml:"num_partitions"`

	// Addresses lists one host per machine, row-major by replica:
	// addresses[replica*num_partitions + partition].
	Addresses []string `toml:"addresses"`

	// BatchDurationMs is the sequencer tick: the single timer source that
	// cuts batches in the sequencer and the multi-home orderer.
	BatchDurationMs int64 `toml:"batch_duration_ms"`

	NumWorkers int `toml:"num_workers"`

	// MaxBatchSize caps the byte size of a sequencer batch, in a
	// human-readable form such as "1MB".
	MaxBatchSize string `toml:"max_batch_size"`

	// Replication delay testing knobs: the given percentage of outgoing
	// single-home batches is held back for the given number of ticks.
	ReplicationDelayPercent     uint32 `toml:"replication_delay_percent"`
	ReplicationDelayAmountTicks uint32 `toml:"replication_delay_amount_ticks"`

	// DefaultMasterRegionForNewKey is assigned to keys first seen by the
	// forwarder.
	DefaultMasterRegionForNewKey uint32 `toml:"default_master_region_for_new_key"`

	local         txn.MachineID
	maxBatchBytes int64
}

// NewDefaultConfig returns a single-machine configuration suitable for tests
// and local runs.
func NewDefaultConfig() *Config {
	return &Config{
		Protocol:        "tcp",
		BrokerPort:      2021,
		ServerPort:      2023,
		NumReplicas:     1,
		NumPartitions:   1,
		Addresses:       []string{"127.0.0.1"},
		BatchDurationMs: 5,
		NumWorkers:      3,
		MaxBatchSize:    "1MB",
	}
}

// FromFile loads the TOML file at path and binds it to the given local
// machine identity.
func FromFile(path string, local txn.MachineID) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Trace(err)
	}
	c.local = local
	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// Validate checks internal consistency. It also resolves the human-readable
// size fields.
func (c *Config) Validate() error {
	if c.NumReplicas == 0 || c.NumPartitions == 0 {
		return errors.New("num_replicas and num_partitions must be positive")
	}
	if c.NumReplicas*c.NumPartitions > txn.MaxNumMachines {
		return errors.Errorf("cluster cannot exceed %d machines", txn.MaxNumMachines)
	}
	if len(c.Addresses) != int(c.NumReplicas*c.NumPartitions) {
		return errors.Errorf("expected %d addresses, got %d",
			c.NumReplicas*c.NumPartitions, len(c.Addresses))
	}
	if c.local.Replica >= c.NumReplicas || c.local.Partition >= c.NumPartitions {
		return errors.Errorf("local machine %s outside cluster", c.local)
	}
	if c.BatchDurationMs <= 0 {
		return errors.New("batch_duration_ms must be positive")
	}
	if c.NumWorkers <= 0 {
		return errors.New("num_workers must be positive")
	}
	if c.ReplicationDelayPercent > 100 {
		return errors.New("replication_delay_percent must be within [0, 100]")
	}
	if c.DefaultMasterRegionForNewKey >= c.NumReplicas {
		return errors.New("default_master_region_for_new_key outside cluster")
	}
	if c.MaxBatchSize != "" {
		size, err := units.FromHumanSize(c.MaxBatchSize)
		if err != nil {
			return errors.Annotate(err, "max_batch_size")
		}
		c.maxBatchBytes = size
	}
	return nil
}

// SetLocal binds the local machine identity. Used by code paths that build a
// Config in memory instead of via FromFile.
func (c *Config) SetLocal(local txn.MachineID) { c.local = local }

func (c *Config) Local() txn.MachineID { return c.local }

// LocalNum flattens the local machine id for use in batch and txn ids.
func (c *Config) LocalNum() uint32 { return c.local.Num(c.NumPartitions) }

// Address returns the host of the given machine.
func (c *Config) Address(m txn.MachineID) string {
	return c.Addresses[m.Replica*c.NumPartitions+m.Partition]
}

// AllMachines enumerates every machine id in the cluster.
func (c *Config) AllMachines() []txn.MachineID {
	ids := make([]txn.MachineID, 0, c.NumReplicas*c.NumPartitions)
	for rep := uint32(0); rep < c.NumReplicas; rep++ {
		for part := uint32(0); part < c.NumPartitions; part++ {
			ids = append(ids, txn.MachineID{Replica: rep, Partition: part})
		}
	}
	return ids
}

// BatchDuration is the sequencer tick interval.
func (c *Config) BatchDuration() time.Duration {
	return time.Duration(c.BatchDurationMs) * time.Millisecond
}

// MaxBatchBytes returns the resolved batch size cap, or 0 for unlimited.
func (c *Config) MaxBatchBytes() int64 { return c.maxBatchBytes }

// LeaderPartitionForMultiHomeOrdering is the partition in each replica that
// hosts the multi-home orderer and the global paxos member.
func (c *Config) LeaderPartitionForMultiHomeOrdering() uint32 { return 0 }

// PartitionOfKey maps a key to its partition by hash.
func (c *Config) PartitionOfKey(key txn.Key) uint32 {
	return farm.Fingerprint32([]byte(key)) % c.NumPartitions
}

// KeyIsInLocalPartition reports whether the local machine stores key.
func (c *Config) KeyIsInLocalPartition(key txn.Key) bool {
	return c.PartitionOfKey(key) == c.local.Partition
}

// PartitionsOfTxn returns the sorted set of partitions touched by the
// transaction's read and write sets.
func (c *Config) PartitionsOfTxn(t *txn.Transaction) []uint32 {
	seen := make(map[uint32]struct{})
	for k := range t.ReadSet {
		seen[c.PartitionOfKey(k)] = struct{}{}
	}
	for k := range t.WriteSet {
		seen[c.PartitionOfKey(k)] = struct{}{}
	}
	parts := make([]uint32, 0, len(seen))
	for p := uint32(0); p < c.NumPartitions; p++ {
		if _, ok := seen[p]; ok {
			parts = append(parts, p)
		}
	}
	return parts
}

// ReplicasOfTxn returns the sorted set of replicas that master at least one
// key of the transaction. The new master of a remaster is always involved.
func (c *Config) ReplicasOfTxn(t *txn.Transaction) []uint32 {
	seen := make(map[uint32]struct{})
	for _, meta := range t.MasterMetadata {
		seen[meta.Master] = struct{}{}
	}
	if t.Remaster != nil {
		seen[t.Remaster.NewMaster] = struct{}{}
	}
	reps := make([]uint32, 0, len(seen))
	for r := uint32(0); r < c.NumReplicas; r++ {
		if _, ok := seen[r]; ok {
			reps = append(reps, r)
		}
	}
	return reps
}
