package message

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slogdb/slog/txn"
)

func TestEnvelopeValidate(t *testing.T) {
	valid := &Envelope{
		Channel: SequencerChannel,
		Request: &Request{ForwardTxn: &ForwardTxn{Txn: txn.New(nil, nil, "")}},
	}
	assert.NoError(t, valid.Validate())

	empty := &Envelope{Channel: SequencerChannel}
	assert.Error(t, empty.Validate())

	noArm := &Envelope{Channel: SequencerChannel, Request: &Request{}}
	assert.Error(t, noArm.Validate())

	twoArms := &Envelope{
		Channel: SequencerChannel,
		Request: &Request{
			ForwardTxn:      &ForwardTxn{},
			LocalQueueOrder: &LocalQueueOrder{},
		},
	}
	assert.Error(t, twoArms.Validate())

	both := &Envelope{
		Channel:  SequencerChannel,
		Request:  &Request{ForwardTxn: &ForwardTxn{}},
		Response: &Response{PaxosAccepted: &PaxosAccepted{}},
	}
	assert.Error(t, both.Validate())
}

func TestEnvelopeGobRoundTrip(t *testing.T) {
	tx := txn.New([]txn.Key{"A"}, []txn.Key{"B"}, "SET B x")
	tx.ID = 42
	tx.Type = txn.MultiHome
	tx.MasterMetadata["A"] = txn.Metadata{Master: 0, Counter: 3}
	tx.MasterMetadata["B"] = txn.Metadata{Master: 1, Counter: 1}
	tx.InvolvedReplicas = []uint32{0, 1}
	tx.CoordinatingServer = txn.MachineID{Replica: 1, Partition: 0}

	env := &Envelope{
		From:    txn.MachineID{Replica: 0, Partition: 1},
		Channel: SchedulerChannel,
		Request: &Request{ForwardBatch: &ForwardBatch{
			BatchData:          &txn.Batch{ID: 1001, Type: txn.MultiHome, Txns: []*txn.Transaction{tx}},
			SameOriginPosition: 4,
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(env))
	decoded := new(Envelope)
	require.NoError(t, gob.NewDecoder(&buf).Decode(decoded))

	require.NoError(t, decoded.Validate())
	assert.Equal(t, env.From, decoded.From)
	assert.Equal(t, env.Channel, decoded.Channel)
	require.NotNil(t, decoded.Request.ForwardBatch)
	assert.Equal(t, uint64(4), decoded.Request.ForwardBatch.SameOriginPosition)

	got := decoded.Request.ForwardBatch.BatchData.Txns[0]
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, tx.MasterMetadata, got.MasterMetadata)
	assert.Equal(t, tx.CoordinatingServer, got.CoordinatingServer)

	// The decoded transaction is a fresh copy, not a shared pointer.
	got.ReadSet["A"] = "mutated"
	assert.NotEqual(t, tx.ReadSet["A"], got.ReadSet["A"])
}

func TestRemoteReadResultRoundTrip(t *testing.T) {
	env := &Envelope{
		Channel: SchedulerChannel,
		Request: &Request{RemoteReadResult: &RemoteReadResult{
			TxnID:     7,
			Partition: 2,
			Reads:     map[txn.Key]txn.Value{"A": "valA"},
		}},
	}
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(env))
	decoded := new(Envelope)
	require.NoError(t, gob.NewDecoder(&buf).Decode(decoded))

	rr := decoded.Request.RemoteReadResult
	require.NotNil(t, rr)
	assert.Equal(t, txn.TxnID(7), rr.TxnID)
	assert.False(t, rr.WillAbort)
	assert.Equal(t, txn.Value("valA"), rr.Reads["A"])
}
