// Package api defines the client-facing request/response surface. Messages
// travel as length-delimited gob frames; the server echoes StreamID so the
// client can match responses to requests on a shared connection.
package api

import (
	"encoding/gob"
	"io"

	"github.com/pingcap/errors"

	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/txn"
)

// Request is a client request: a transaction to run or a stats query.
type Request struct {
	StreamID uint32

	Txn   *txn.Transaction
	Stats *message.StatsRequest
}

// Response answers a Request on the same stream id.
type Response struct {
	StreamID uint32

	Txn   *txn.Transaction
	Stats *message.StatsResponse
}

// Codec frames api messages on a connection. Writers must serialize access
// themselves; the server and client each write from a single goroutine.
type Codec struct {
	enc *gob.Encoder
	dec *gob.Decoder
}

func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{enc: gob.NewEncoder(rw), dec: gob.NewDecoder(rw)}
}

func (c *Codec) WriteRequest(req *Request) error {
	return errors.Trace(c.enc.Encode(req))
}

func (c *Codec) ReadRequest(req *Request) error {
	return errors.Trace(c.dec.Decode(req))
}

func (c *Codec) WriteResponse(res *Response) error {
	return errors.Trace(c.enc.Encode(res))
}

func (c *Codec) ReadResponse(res *Response) error {
	return errors.Trace(c.dec.Decode(res))
}
