// Package message defines the internal request/response envelopes exchanged
// between modules. Requests form a closed sum: exactly one arm of Request or
// Response is set; decoders reject anything else.
package message

import (
	"github.com/pingcap/errors"

	"github.com/slogdb/slog/txn"
)

// Channel addresses a module within a machine.
type Channel uint8

const (
	ServerChannel Channel = iota + 1
	ForwarderChannel
	SequencerChannel
	MultiHomeOrdererChannel
	InterleaverChannel
	SchedulerChannel
	LocalPaxosChannel
	GlobalPaxosChannel
)

func (c Channel) String() string {
	switch c {
	case ServerChannel:
		return "server"
	case ForwarderChannel:
		return "forwarder"
	case SequencerChannel:
		return "sequencer"
	case MultiHomeOrdererChannel:
		return "multi-home-orderer"
	case InterleaverChannel:
		return "interleaver"
	case SchedulerChannel:
		return "scheduler"
	case LocalPaxosChannel:
		return "local-paxos"
	case GlobalPaxosChannel:
		return "global-paxos"
	default:
		return "unknown"
	}
}

// ForwardTxn moves a transaction between modules: client server to
// forwarder, forwarder to sequencer or orderer.
type ForwardTxn struct {
	Txn *txn.Transaction
}

// ForwardBatch carries either batch data (with its position in the origin's
// sequence) or a batch ordering decision.
type ForwardBatch struct {
	BatchData          *txn.Batch
	SameOriginPosition uint64

	BatchOrder *BatchOrder
}

// BatchOrder assigns a batch to a slot of its replica's log.
type BatchOrder struct {
	BatchID txn.BatchID
	Slot    txn.SlotID
}

// LocalQueueOrder is a local paxos decision: slot s of the replica's local
// log dequeues from the origin partition queueID.
type LocalQueueOrder struct {
	Slot    txn.SlotID
	QueueID uint32
}

// RemoteReadResult carries one partition's local reads of a multi-partition
// transaction to the other participants. WillAbort short-circuits execution
// everywhere.
type RemoteReadResult struct {
	TxnID       txn.TxnID
	Partition   uint32
	WillAbort   bool
	AbortReason string
	Reads       map[txn.Key]txn.Value
}

// CompletedSubtxn returns one partition's view of a finished transaction to
// the coordinating server.
type CompletedSubtxn struct {
	Txn                *txn.Transaction
	Partition          uint32
	InvolvedPartitions []uint32
}

// Paxos messages. Propose goes to the leader; Accept/Accepted implement
// phase 2 between leader and members; Commit is broadcast in slot order.
type PaxosPropose struct {
	Value uint64
}

type PaxosAccept struct {
	Ballot uint32
	Slot   txn.SlotID
	Value  uint64
}

type PaxosAccepted struct {
	Ballot uint32
	Slot   txn.SlotID
	Value  uint64
}

type PaxosCommit struct {
	Slot  txn.SlotID
	Value uint64
}

// LookupMasterRequest asks a partition for the master metadata of keys.
type LookupMasterRequest struct {
	TxnID txn.TxnID
	Keys  []txn.Key
}

// LookupMasterResponse returns metadata for known keys and lists the keys
// this partition owns but has never seen.
type LookupMasterResponse struct {
	TxnID    txn.TxnID
	Metadata map[txn.Key]txn.Metadata
	NewKeys  []txn.Key
}

// StatsRequest asks a module for a JSON snapshot of its internals.
type StatsRequest struct {
	ID     uint64
	Level  int
	Module StatsModule
}

type StatsModule int32

const (
	StatsServer StatsModule = iota
	StatsScheduler
)

// StatsResponse carries the snapshot back to the requesting server.
type StatsResponse struct {
	ID    uint64
	Stats []byte
}

// Request is the internal request envelope. Exactly one arm is non-nil.
type Request struct {
	ForwardTxn       *ForwardTxn
	ForwardBatch     *ForwardBatch
	LocalQueueOrder  *LocalQueueOrder
	RemoteReadResult *RemoteReadResult
	CompletedSubtxn  *CompletedSubtxn
	PaxosPropose     *PaxosPropose
	PaxosAccept      *PaxosAccept
	PaxosCommit      *PaxosCommit
	LookupMaster     *LookupMasterRequest
	Stats            *StatsRequest
}

// Response is the internal response envelope. Exactly one arm is non-nil.
type Response struct {
	LookupMaster  *LookupMasterResponse
	PaxosAccepted *PaxosAccepted
	Stats         *StatsResponse
}

// Envelope is what actually travels between machines: one request or
// response addressed to a channel, stamped with the sender.
type Envelope struct {
	From    txn.MachineID
	Channel Channel

	Request  *Request
	Response *Response
}

func (r *Request) arms() []bool {
	return []bool{
		r.ForwardTxn != nil, r.ForwardBatch != nil, r.LocalQueueOrder != nil,
		r.RemoteReadResult != nil, r.CompletedSubtxn != nil, r.PaxosPropose != nil,
		r.PaxosAccept != nil, r.PaxosCommit != nil, r.LookupMaster != nil,
		r.Stats != nil,
	}
}

func (r *Response) arms() []bool {
	return []bool{r.LookupMaster != nil, r.PaxosAccepted != nil, r.Stats != nil}
}

func countSet(arms []bool) int {
	n := 0
	for _, set := range arms {
		if set {
			n++
		}
	}
	return n
}

// Validate checks the one-arm rule on whichever side of the envelope is set.
func (e *Envelope) Validate() error {
	switch {
	case e.Request != nil && e.Response != nil:
		return errors.New("envelope carries both a request and a response")
	case e.Request != nil:
		if n := countSet(e.Request.arms()); n != 1 {
			return errors.Errorf("request envelope must have exactly one arm, has %d", n)
		}
	case e.Response != nil:
		if n := countSet(e.Response.arms()); n != 1 {
			return errors.Errorf("response envelope must have exactly one arm, has %d", n)
		}
	default:
		return errors.New("empty envelope")
	}
	return nil
}
