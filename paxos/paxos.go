// Package paxos implements the total-order service behind the sequencers:
// a phase-2-only multi-paxos with a static leader. Every member delivers
// (slot, value) commits exactly once, in identical slot order.
package paxos

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/slogdb/slog/batchlog"
	"github.com/slogdb/slog/broker"
	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/module"
	"github.com/slogdb/slog/txn"
)

// CommitFunc receives committed decisions in slot order.
type CommitFunc func(slot txn.SlotID, value uint64)

// SimpleMultiPaxos is one member of a paxos group. The member at position 0
// of the member list is the permanently elected leader; proposals go to it,
// and it runs the accept round for each slot.
type SimpleMultiPaxos struct {
	*module.Base

	groupName string
	channel   message.Channel
	members   []txn.MachineID
	me        txn.MachineID
	onCommit  CommitFunc

	leader   leader
	acceptor acceptor
	commits  *batchlog.AsyncLog[uint64]
}

type proposalState struct {
	value        uint64
	acceptances  int
	committed    bool
}

type leader struct {
	nextSlot  txn.SlotID
	proposals map[txn.SlotID]*proposalState
}

type acceptor struct {
	ballot uint32
}

// New builds a paxos member for the given group. members must be identical
// on every machine of the group; me must appear in it.
func New(groupName string, b *broker.Broker, ch message.Channel, members []txn.MachineID, onCommit CommitFunc) *SimpleMultiPaxos {
	p := &SimpleMultiPaxos{
		groupName: groupName,
		channel:   ch,
		members:   members,
		me:        b.Local(),
		onCommit:  onCommit,
		leader:    leader{proposals: make(map[txn.SlotID]*proposalState)},
		commits:   batchlog.NewAsyncLog[uint64](0),
	}
	p.Base = module.NewBase(groupName, b, ch, p, 0)
	return p
}

// Leader returns the machine proposals must be sent to.
func (p *SimpleMultiPaxos) Leader() txn.MachineID { return p.members[0] }

// IsMember reports whether machine m participates in this group.
func IsMember(members []txn.MachineID, m txn.MachineID) bool {
	for _, member := range members {
		if member == m {
			return true
		}
	}
	return false
}

func (p *SimpleMultiPaxos) isLeader() bool { return p.me == p.members[0] }

func (p *SimpleMultiPaxos) quorum() int { return len(p.members)/2 + 1 }

func (p *SimpleMultiPaxos) HandleRequest(env *message.Envelope) {
	req := env.Request
	switch {
	case req.PaxosPropose != nil:
		p.handlePropose(req.PaxosPropose)
	case req.PaxosAccept != nil:
		p.handleAccept(req.PaxosAccept, env.From)
	case req.PaxosCommit != nil:
		p.handleCommit(req.PaxosCommit)
	default:
		log.Error("unexpected request in paxos group", zap.String("group", p.groupName))
	}
}

func (p *SimpleMultiPaxos) HandleResponse(env *message.Envelope) {
	res := env.Response
	if res.PaxosAccepted == nil {
		log.Error("unexpected response in paxos group", zap.String("group", p.groupName))
		return
	}
	p.handleAccepted(res.PaxosAccepted)
}

func (p *SimpleMultiPaxos) Tick() {}

func (p *SimpleMultiPaxos) handlePropose(propose *message.PaxosPropose) {
	if !p.isLeader() {
		// Misdirected proposal; forward to the real leader.
		p.Broker().SendRequest(&message.Request{PaxosPropose: propose}, p.Leader(), p.channel)
		return
	}
	slot := p.leader.nextSlot
	p.leader.nextSlot++
	p.leader.proposals[slot] = &proposalState{value: propose.Value}

	accept := &message.PaxosAccept{Ballot: p.acceptor.ballot, Slot: slot, Value: propose.Value}
	for _, m := range p.members {
		p.Broker().SendRequest(&message.Request{PaxosAccept: accept}, m, p.channel)
	}
}

func (p *SimpleMultiPaxos) handleAccept(accept *message.PaxosAccept, from txn.MachineID) {
	if accept.Ballot < p.acceptor.ballot {
		return
	}
	p.acceptor.ballot = accept.Ballot
	accepted := &message.PaxosAccepted{Ballot: accept.Ballot, Slot: accept.Slot, Value: accept.Value}
	p.Broker().SendResponse(&message.Response{PaxosAccepted: accepted}, from, p.channel)
}

func (p *SimpleMultiPaxos) handleAccepted(accepted *message.PaxosAccepted) {
	if !p.isLeader() {
		return
	}
	state, ok := p.leader.proposals[accepted.Slot]
	if !ok || state.committed {
		return
	}
	state.acceptances++
	if state.acceptances < p.quorum() {
		return
	}
	state.committed = true
	commit := &message.PaxosCommit{Slot: accepted.Slot, Value: state.value}
	for _, m := range p.members {
		p.Broker().SendRequest(&message.Request{PaxosCommit: commit}, m, p.channel)
	}
	delete(p.leader.proposals, accepted.Slot)
}

func (p *SimpleMultiPaxos) handleCommit(commit *message.PaxosCommit) {
	p.commits.Insert(uint64(commit.Slot), commit.Value)
	for p.commits.HasNext() {
		slot := txn.SlotID(p.commits.Cursor())
		p.onCommit(slot, p.commits.Next())
	}
}

// Propose sends a value to the group leader for ordering.
func Propose(b *broker.Broker, leaderMachine txn.MachineID, ch message.Channel, value uint64) {
	b.SendRequest(&message.Request{PaxosPropose: &message.PaxosPropose{Value: value}}, leaderMachine, ch)
}
