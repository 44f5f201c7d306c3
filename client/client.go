// Package client is the programmatic client of a slog server: it frames
// requests over a single connection and matches responses by stream id.
package client

import (
	"net"
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/slogdb/slog/api"
	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/txn"
)

// Client talks to one server. It is safe for concurrent use; responses are
// routed back to callers by stream id.
type Client struct {
	conn  net.Conn
	codec *api.Codec

	writeMu sync.Mutex
	nextID  atomic.Uint32

	mu      sync.Mutex
	waiting map[uint32]chan *api.Response
	readErr error
}

// Dial connects to the server at addr (host:port).
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", addr)
	}
	c := &Client{
		conn:    conn,
		codec:   api.NewCodec(conn),
		waiting: make(map[uint32]chan *api.Response),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		res := new(api.Response)
		if err := c.codec.ReadResponse(res); err != nil {
			c.mu.Lock()
			c.readErr = err
			for id, ch := range c.waiting {
				close(ch)
				delete(c.waiting, id)
			}
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ch, ok := c.waiting[res.StreamID]
		if ok {
			delete(c.waiting, res.StreamID)
		}
		c.mu.Unlock()
		if ok {
			ch <- res
		}
	}
}

func (c *Client) send(req *api.Request) (chan *api.Response, error) {
	req.StreamID = c.nextID.Inc()
	ch := make(chan *api.Response, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, errors.Trace(err)
	}
	c.waiting[req.StreamID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.codec.WriteRequest(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.waiting, req.StreamID)
		c.mu.Unlock()
		return nil, errors.Trace(err)
	}
	return ch, nil
}

// Submit runs a transaction to completion and returns the server's final
// view of it.
func (c *Client) Submit(t *txn.Transaction) (*txn.Transaction, error) {
	ch, err := c.send(&api.Request{Txn: t})
	if err != nil {
		return nil, err
	}
	res, ok := <-ch
	if !ok {
		return nil, errors.New("connection closed while waiting for response")
	}
	if res.Txn == nil {
		return nil, errors.New("server response carries no transaction")
	}
	return res.Txn, nil
}

// Stats fetches a JSON snapshot from a server module.
func (c *Client) Stats(mod message.StatsModule, level int) ([]byte, error) {
	ch, err := c.send(&api.Request{Stats: &message.StatsRequest{Module: mod, Level: level}})
	if err != nil {
		return nil, err
	}
	res, ok := <-ch
	if !ok {
		return nil, errors.New("connection closed while waiting for response")
	}
	if res.Stats == nil {
		return nil, errors.New("server response carries no stats")
	}
	return res.Stats.Stats, nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	return c.conn.Close()
}
