package txn

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pingcap/errors"
)

// Core identifier types shared by every module. A machine is addressed by a
// (replica, partition) pair; its numeric form is used to salt globally unique
// counters such as transaction and batch ids.
type (
	Key    = string
	Value  = string
	TxnID  uint64
	BatchID uint64
	SlotID uint64
)

// MaxNumMachines bounds replica*partition combinations so that
// counter*MaxNumMachines+machine stays collision free across origins.
const MaxNumMachines = 1000

// MachineID identifies one machine in the cluster.
type MachineID struct {
	Replica   uint32
	Partition uint32
}

func (m MachineID) String() string {
	return fmt.Sprintf("%d:%d", m.Replica, m.Partition)
}

// Num flattens the id into [0, numReplicas*numPartitions).
func (m MachineID) Num(numPartitions uint32) uint32 {
	return m.Replica*numPartitions + m.Partition
}

// ParseMachineID parses the "<replica>:<partition>" string form.
func ParseMachineID(s string) (MachineID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return MachineID{}, errors.Errorf("malformed machine id %q", s)
	}
	rep, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return MachineID{}, errors.Trace(err)
	}
	part, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return MachineID{}, errors.Trace(err)
	}
	return MachineID{Replica: uint32(rep), Partition: uint32(part)}, nil
}

// Metadata is the mastership info attached to a key: the replica allowed to
// originate writes and a counter bumped by each successful remaster.
type Metadata struct {
	Master  uint32
	Counter uint32
}

// Record is the stored form of a key: its value plus mastership metadata.
type Record struct {
	Value    Value
	Metadata Metadata
}

// TxnType classifies a transaction by how many replicas master its keys.
type TxnType int32

const (
	Unknown TxnType = iota
	SingleHome
	MultiHome
	// LockOnly is the projection of a multi-home transaction onto one
	// replica. It flows through that replica's single-home log and acquires
	// locks on behalf of its parent.
	LockOnly
)

func (t TxnType) String() string {
	switch t {
	case SingleHome:
		return "SINGLE_HOME"
	case MultiHome:
		return "MULTI_HOME"
	case LockOnly:
		return "LOCK_ONLY"
	default:
		return "UNKNOWN"
	}
}

// TxnStatus is the commit state of a transaction.
type TxnStatus int32

const (
	NotStarted TxnStatus = iota
	Committed
	Aborted
)

func (s TxnStatus) String() string {
	switch s {
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "NOT_STARTED"
	}
}

// Batch is an ordered group of transactions cut by a sequencer or orderer.
// Batch ids are globally unique: counter*MaxNumMachines + origin machine num,
// which keeps ids monotone per origin.
type Batch struct {
	ID   BatchID
	Type TxnType
	Txns []*Transaction
}
