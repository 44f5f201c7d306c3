package module

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/slogdb/slog/api"
	"github.com/slogdb/slog/broker"
	"github.com/slogdb/slog/config"
	"github.com/slogdb/slog/message"
	"github.com/slogdb/slog/metrics"
	"github.com/slogdb/slog/storage"
	"github.com/slogdb/slog/txn"
)

// Server is the client-facing surface and the coordinator of outstanding
// transactions: it assigns txn ids, validates requests, answers mastership
// lookups for forwarders, and merges the completed sub-transactions coming
// back from every involved partition before responding to the client.
type Server struct {
	conf        *config.Config
	broker      *broker.Broker
	inbox       <-chan *message.Envelope
	masterIndex storage.MasterIndex

	listener   net.Listener
	clientReqs chan clientRequest
	poll       *time.Timer

	txnIDCounter uint64
	pending      map[txn.TxnID]*pendingResponse
	completed    map[txn.TxnID]*completedTxn
}

type clientRequest struct {
	conn *clientConn
	req  *api.Request
}

type clientConn struct {
	conn  net.Conn
	codec *api.Codec
}

type pendingResponse struct {
	conn     *clientConn
	streamID uint32
}

type completedTxn struct {
	txn         *txn.Transaction
	awaited     map[uint32]struct{}
	initialized bool
}

func NewServer(conf *config.Config, b *broker.Broker, masterIndex storage.MasterIndex) *Server {
	return &Server{
		conf:        conf,
		broker:      b,
		inbox:       b.AddChannel(message.ServerChannel),
		masterIndex: masterIndex,
		clientReqs:  make(chan clientRequest, 256),
		poll:        time.NewTimer(PollTimeout),
		pending:     make(map[txn.TxnID]*pendingResponse),
		completed:   make(map[txn.TxnID]*completedTxn),
	}
}

func (s *Server) Name() string { return "server" }

func (s *Server) SetUp() error {
	addr := fmt.Sprintf("%s:%d", s.conf.Address(s.conf.Local()), s.conf.ServerPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "binding server to %s", addr)
	}
	s.listener = listener
	go s.acceptLoop()
	log.Info("server listening", zap.String("addr", addr))
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		c := &clientConn{conn: conn, codec: api.NewCodec(conn)}
		go s.readLoop(c)
	}
}

func (s *Server) readLoop(c *clientConn) {
	defer c.conn.Close()
	for {
		req := new(api.Request)
		if err := c.codec.ReadRequest(req); err != nil {
			if err != io.EOF {
				log.Debug("client connection closed", zap.Error(err))
			}
			return
		}
		s.clientReqs <- clientRequest{conn: c, req: req}
	}
}

func (s *Server) Loop() {
	if !s.poll.Stop() {
		select {
		case <-s.poll.C:
		default:
		}
	}
	s.poll.Reset(PollTimeout)

	select {
	case env := <-s.inbox:
		switch {
		case env.Request != nil:
			s.handleInternalRequest(env)
		case env.Response != nil:
			s.handleInternalResponse(env)
		}
	case cr := <-s.clientReqs:
		s.handleAPIRequest(cr)
	case <-s.poll.C:
	}
}

func (s *Server) nextTxnID() txn.TxnID {
	s.txnIDCounter++
	return txn.TxnID(s.txnIDCounter*txn.MaxNumMachines + uint64(s.conf.LocalNum()))
}

/* API requests */

func (s *Server) handleAPIRequest(cr clientRequest) {
	req := cr.req
	switch {
	case req.Txn != nil:
		s.handleTxnRequest(cr)
	case req.Stats != nil:
		s.handleStatsRequest(cr)
	default:
		log.Error("unexpected client request type")
	}
}

func (s *Server) handleTxnRequest(cr clientRequest) {
	t := cr.req.Txn
	t.EnsureMaps()
	if err := validateTxn(t); err != nil {
		t.Status = txn.Aborted
		t.AbortReason = err.Error()
		cr.conn.send(&api.Response{StreamID: cr.req.StreamID, Txn: t})
		return
	}

	txnID := s.nextTxnID()
	t.ID = txnID
	t.CoordinatingServer = s.conf.Local()
	s.pending[txnID] = &pendingResponse{conn: cr.conn, streamID: cr.req.StreamID}

	s.broker.SendLocal(&message.Request{ForwardTxn: &message.ForwardTxn{Txn: t}},
		message.ForwarderChannel)
}

func (s *Server) handleStatsRequest(cr clientRequest) {
	id := uint64(s.nextTxnID())
	stats := &message.StatsRequest{
		ID:     id,
		Level:  cr.req.Stats.Level,
		Module: cr.req.Stats.Module,
	}
	switch stats.Module {
	case message.StatsServer:
		cr.conn.send(&api.Response{
			StreamID: cr.req.StreamID,
			Stats:    &message.StatsResponse{ID: id, Stats: s.localStats(stats.Level)},
		})
	case message.StatsScheduler:
		s.pending[txn.TxnID(id)] = &pendingResponse{conn: cr.conn, streamID: cr.req.StreamID}
		s.broker.SendLocal(&message.Request{Stats: stats}, message.SchedulerChannel)
	default:
		log.Error("invalid module for stats request")
	}
}

func (s *Server) localStats(level int) []byte {
	snapshot := map[string]interface{}{
		"txn_id_counter":        s.txnIDCounter,
		"num_pending_responses": len(s.pending),
		"num_partially_completed_txns": len(s.completed),
	}
	if level >= 1 {
		ids := make([]uint64, 0, len(s.pending))
		for id := range s.pending {
			ids = append(ids, uint64(id))
		}
		snapshot["pending_responses"] = ids
	}
	buf, err := json.Marshal(snapshot)
	if err != nil {
		log.Error("marshaling server stats", zap.Error(err))
		return nil
	}
	return buf
}

func validateTxn(t *txn.Transaction) error {
	if len(t.ReadSet) == 0 && len(t.WriteSet) == 0 {
		return errors.New("txn accesses no keys")
	}
	if t.Remaster != nil && (len(t.ReadSet) != 0 || len(t.WriteSet) != 1) {
		return errors.New("remaster txn must write exactly one key and read none")
	}
	return nil
}

/* Internal requests */

func (s *Server) handleInternalRequest(env *message.Envelope) {
	req := env.Request
	switch {
	case req.LookupMaster != nil:
		s.processLookupMaster(req.LookupMaster, env.From)
	case req.CompletedSubtxn != nil:
		s.processCompletedSubtxn(req.CompletedSubtxn)
	default:
		log.Error("unexpected internal request type in server")
	}
}

func (s *Server) handleInternalResponse(env *message.Envelope) {
	res := env.Response
	if res.Stats == nil {
		log.Error("unexpected internal response type in server")
		return
	}
	id := txn.TxnID(res.Stats.ID)
	pending, ok := s.pending[id]
	if !ok {
		return
	}
	delete(s.pending, id)
	pending.conn.send(&api.Response{StreamID: pending.streamID, Stats: res.Stats})
}

// processLookupMaster answers mastership lookups with the metadata of keys
// this partition owns; keys never written here come back as new keys.
func (s *Server) processLookupMaster(lookup *message.LookupMasterRequest, from txn.MachineID) {
	response := &message.LookupMasterResponse{
		TxnID:    lookup.TxnID,
		Metadata: make(map[txn.Key]txn.Metadata),
	}
	for _, key := range lookup.Keys {
		if !s.conf.KeyIsInLocalPartition(key) {
			continue
		}
		if meta, ok := s.masterIndex.GetMasterMetadata(key); ok {
			response.Metadata[key] = meta
		} else {
			response.NewKeys = append(response.NewKeys, key)
		}
	}
	s.broker.SendResponse(&message.Response{LookupMaster: response},
		from, message.ForwarderChannel)
}

// processCompletedSubtxn merges one partition's view of a finished txn and
// responds to the client once every involved partition has reported.
func (s *Server) processCompletedSubtxn(sub *message.CompletedSubtxn) {
	txnID := sub.Txn.ID
	if _, ok := s.pending[txnID]; !ok {
		return
	}
	finished, ok := s.completed[txnID]
	if !ok {
		finished = &completedTxn{}
		s.completed[txnID] = finished
	}
	if !finished.initialized {
		finished.txn = sub.Txn
		finished.awaited = make(map[uint32]struct{})
		for _, p := range sub.InvolvedPartitions {
			if p != sub.Partition {
				finished.awaited[p] = struct{}{}
			}
		}
		finished.initialized = true
	} else if _, waiting := finished.awaited[sub.Partition]; waiting {
		delete(finished.awaited, sub.Partition)
		if err := txn.Merge(finished.txn, sub.Txn); err != nil {
			log.Error("merging sub-transaction", zap.Error(err))
		}
	}

	if len(finished.awaited) > 0 {
		return
	}

	t := finished.txn
	metrics.TxnCompletedCounter.WithLabelValues(t.Type.String(), t.Status.String()).Inc()
	pending := s.pending[txnID]
	pending.conn.send(&api.Response{StreamID: pending.streamID, Txn: t})
	delete(s.pending, txnID)
	delete(s.completed, txnID)
}

func (c *clientConn) send(res *api.Response) {
	if err := c.codec.WriteResponse(res); err != nil {
		log.Debug("writing response to client", zap.Error(err))
	}
}

// Close shuts the client listener down.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}
