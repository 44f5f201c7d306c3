// Package testutil runs whole clusters inside one process: every machine
// gets its own broker, modules and in-memory store, connected by the in-proc
// transport, with the real client API served over loopback TCP.
package testutil

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slogdb/slog/broker"
	"github.com/slogdb/slog/client"
	"github.com/slogdb/slog/config"
	"github.com/slogdb/slog/node"
	"github.com/slogdb/slog/storage/mem"
	"github.com/slogdb/slog/txn"
)

// Cluster is an in-process slog deployment.
type Cluster struct {
	Configs map[txn.MachineID]*config.Config
	Stores  map[txn.MachineID]*mem.Store

	nodes   map[txn.MachineID]*node.Node
	clients []*client.Client
}

// freePort grabs a currently unused TCP port for the cluster's servers.
func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// NewCluster builds the configs and stores of a cluster without starting it,
// leaving room to seed data first.
func NewCluster(t *testing.T, numReplicas, numPartitions uint32) *Cluster {
	port := freePort(t)
	numMachines := numReplicas * numPartitions
	addresses := make([]string, 0, numMachines)
	for i := uint32(0); i < numMachines; i++ {
		// One loopback address per machine so every server can bind the
		// same port.
		addresses = append(addresses, fmt.Sprintf("127.0.0.%d", i+1))
	}

	c := &Cluster{
		Configs: make(map[txn.MachineID]*config.Config),
		Stores:  make(map[txn.MachineID]*mem.Store),
		nodes:   make(map[txn.MachineID]*node.Node),
	}
	for rep := uint32(0); rep < numReplicas; rep++ {
		for part := uint32(0); part < numPartitions; part++ {
			m := txn.MachineID{Replica: rep, Partition: part}
			conf := config.NewDefaultConfig()
			conf.NumReplicas = numReplicas
			conf.NumPartitions = numPartitions
			conf.Addresses = addresses
			conf.ServerPort = port
			conf.BatchDurationMs = 2
			conf.SetLocal(m)
			require.NoError(t, conf.Validate())
			c.Configs[m] = conf
			c.Stores[m] = mem.NewStore()
		}
	}
	return c
}

// Seed stores a record on every machine that owns the key: the owning
// partition of every replica, since each replica keeps a full copy.
func (c *Cluster) Seed(key txn.Key, value txn.Value, master, counter uint32) {
	for m, conf := range c.Configs {
		if conf.PartitionOfKey(key) == m.Partition {
			c.Stores[m].Write(key, txn.Record{
				Value:    value,
				Metadata: txn.Metadata{Master: master, Counter: counter},
			})
		}
	}
}

// Start brings every machine up and registers cleanup on the test.
func (c *Cluster) Start(t *testing.T) {
	network := broker.NewInprocNetwork()
	for m, conf := range c.Configs {
		b := broker.New(conf, network.Transport(m))
		network.Register(m, b)
		c.nodes[m] = node.New(conf, b, c.Stores[m])
	}
	for _, n := range c.nodes {
		n.Start()
	}
	t.Cleanup(func() { c.stop() })
	// Give the servers a moment to bind their listeners.
	time.Sleep(50 * time.Millisecond)
}

func (c *Cluster) stop() {
	for _, cl := range c.clients {
		cl.Close()
	}
	for _, n := range c.nodes {
		n.Stop()
	}
}

// Client dials the API server of the given machine.
func (c *Cluster) Client(t *testing.T, m txn.MachineID) *client.Client {
	conf := c.Configs[m]
	addr := fmt.Sprintf("%s:%d", conf.Address(m), conf.ServerPort)
	var cl *client.Client
	var err error
	// The server may still be binding; retry briefly.
	for attempt := 0; attempt < 50; attempt++ {
		cl, err = client.Dial(addr)
		if err == nil {
			c.clients = append(c.clients, cl)
			return cl
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	return nil
}

// PartitionOf resolves the partition of a key under this cluster's config.
func (c *Cluster) PartitionOf(key txn.Key) uint32 {
	for _, conf := range c.Configs {
		return conf.PartitionOfKey(key)
	}
	return 0
}
