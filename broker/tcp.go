package broker

import (
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/slogdb/slog/config"
	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/txn"
)

// TCPTransport ships gob-encoded envelopes over one outbound connection per
// peer. A single connection per direction keeps per-pair delivery FIFO.
type TCPTransport struct {
	conf     *config.Config
	listener net.Listener

	mu    sync.Mutex
	peers map[txn.MachineID]*peerConn

	deliver func(*message.Envelope)
	closed  chan struct{}
}

type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *gob.Encoder
}

// NewTCPTransport binds the broker port and starts accepting inbound
// connections, delivering decoded envelopes through deliver.
func NewTCPTransport(conf *config.Config, deliver func(*message.Envelope)) (*TCPTransport, error) {
	addr := fmt.Sprintf("%s:%d", conf.Address(conf.Local()), conf.BrokerPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "binding broker to %s", addr)
	}
	t := &TCPTransport{
		conf:     conf,
		listener: listener,
		peers:    make(map[txn.MachineID]*peerConn),
		deliver:  deliver,
		closed:   make(chan struct{}),
	}
	go t.acceptLoop()
	log.Info("broker transport listening", zap.String("addr", addr))
	return t, nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			log.Warn("broker accept failed", zap.Error(err))
			continue
		}
		go t.receiveLoop(conn)
	}
}

func (t *TCPTransport) receiveLoop(conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	for {
		env := new(message.Envelope)
		if err := dec.Decode(env); err != nil {
			select {
			case <-t.closed:
			default:
				log.Debug("broker connection closed", zap.Error(err))
			}
			return
		}
		if err := env.Validate(); err != nil {
			log.Error("dropping malformed envelope", zap.Error(err))
			continue
		}
		t.deliver(env)
	}
}

func (t *TCPTransport) Send(env *message.Envelope, to txn.MachineID) error {
	peer, err := t.peer(to)
	if err != nil {
		return errors.Trace(err)
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if err := peer.enc.Encode(env); err != nil {
		// Drop the broken connection; the next send redials.
		peer.conn.Close()
		t.mu.Lock()
		delete(t.peers, to)
		t.mu.Unlock()
		return errors.Trace(err)
	}
	return nil
}

func (t *TCPTransport) peer(to txn.MachineID) (*peerConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[to]; ok {
		return p, nil
	}
	addr := fmt.Sprintf("%s:%d", t.conf.Address(to), t.conf.BrokerPort)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", addr)
	}
	p := &peerConn{conn: conn, enc: gob.NewEncoder(conn)}
	t.peers[to] = p
	return p, nil
}

func (t *TCPTransport) Close() error {
	close(t.closed)
	err := t.listener.Close()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		p.conn.Close()
	}
	t.peers = make(map[txn.MachineID]*peerConn)
	return errors.Trace(err)
}
