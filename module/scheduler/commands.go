package scheduler

import (
	"fmt"
	"strings"

	"github.com/slogdb/slog/txn"
)

// Commands executes the procedure body of a transaction against its
// collected read/write buffers.
type Commands interface {
	Execute(t *txn.Transaction)
}

// KeyValueCommands interprets the simple key-value procedure language:
//
//	GET key | SET key value | DEL key | COPY src dst | ABORT key
//
// Commands touching keys outside the declared read/write sets are no-ops;
// the sets are the two-phase contract and executing beyond them would break
// determinism.
type KeyValueCommands struct {
	aborted     bool
	abortReason string
}

var commandNumArgs = map[string]int{
	"GET": 1, "SET": 2, "DEL": 1, "COPY": 2, "ABORT": 1,
}

func NewKeyValueCommands() *KeyValueCommands {
	return &KeyValueCommands{}
}

func (c *KeyValueCommands) Execute(t *txn.Transaction) {
	c.aborted = false
	c.abortReason = ""

	tokens := strings.Fields(t.Code)
	pos := 0
	for pos < len(tokens) && !c.aborted {
		cmd := tokens[pos]
		pos++
		numArgs, known := commandNumArgs[cmd]
		if !known {
			c.abort(fmt.Sprintf("invalid command: %s", cmd))
			break
		}
		if pos+numArgs > len(tokens) {
			c.abort(fmt.Sprintf("invalid number of arguments for command %s", cmd))
			break
		}
		args := tokens[pos : pos+numArgs]
		pos += numArgs

		switch cmd {
		case "SET":
			if _, ok := t.WriteSet[args[0]]; ok {
				t.WriteSet[args[0]] = args[1]
			}
		case "DEL":
			if _, ok := t.WriteSet[args[0]]; ok {
				t.DeleteSet = append(t.DeleteSet, args[0])
			}
		case "COPY":
			src, dst := args[0], args[1]
			val, readable := t.ReadSet[src]
			if _, writable := t.WriteSet[dst]; readable && writable {
				t.WriteSet[dst] = val
			}
		case "ABORT":
			c.abort(fmt.Sprintf("user abort (key: %s)", args[0]))
		}
	}

	if c.aborted {
		t.Status = txn.Aborted
		t.AbortReason = c.abortReason
	} else {
		t.Status = txn.Committed
	}
}

func (c *KeyValueCommands) abort(reason string) {
	c.aborted = true
	c.abortReason = reason
}
