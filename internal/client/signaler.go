// Package client is the user-side mirror of the voice core: a signaling
// socket with request correlation, a local capture pipeline with speaking
// detection, and the session state machine that keeps local flags
// consistent with what the server broadcasts.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avask/parley/internal/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed  = errors.New("client: signaler closed")
	ErrTimeout = errors.New("client: request timed out")
)

const defaultRequestTimeout = 10 * time.Second

type result struct {
	data json.RawMessage
	err  error
}

// Signaler owns the websocket and correlates replies to requests by rid.
// Server-pushed events come out of Events().
type Signaler struct {
	conn    *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan result

	events    chan core.Event
	closed    chan struct{}
	closeOnce sync.Once
}

func Dial(ctx context.Context, url string, timeout time.Duration) (*Signaler, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}
	s := &Signaler{
		conn:    conn,
		timeout: timeout,
		pending: make(map[string]chan result),
		events:  make(chan core.Event, 64),
		closed:  make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Signaler) Events() <-chan core.Event { return s.events }

func (s *Signaler) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		s.mu.Lock()
		for rid, ch := range s.pending {
			ch <- result{err: ErrClosed}
			delete(s.pending, rid)
		}
		s.mu.Unlock()
	})
}

// Request sends a typed message and waits for the matching reply. The
// call fails closed after the configured timeout; the server side may
// still have applied the operation.
func (s *Signaler) Request(ctx context.Context, msgType string, payload map[string]any) (json.RawMessage, error) {
	rid := uuid.NewString()
	msg := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		msg[k] = v
	}
	msg["type"] = msgType
	msg["rid"] = rid

	ch := make(chan result, 1)
	s.mu.Lock()
	s.pending[rid] = ch
	s.mu.Unlock()

	if err := s.write(msg); err != nil {
		s.dropPending(rid)
		return nil, err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.data, r.err
	case <-timer.C:
		s.dropPending(rid)
		return nil, ErrTimeout
	case <-ctx.Done():
		s.dropPending(rid)
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrClosed
	}
}

// Fire sends a message that has no ack channel.
func (s *Signaler) Fire(msgType string, payload map[string]any) error {
	msg := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["type"] = msgType
	return s.write(msg)
}

func (s *Signaler) write(v any) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *Signaler) dropPending(rid string) {
	s.mu.Lock()
	delete(s.pending, rid)
	s.mu.Unlock()
}

func (s *Signaler) readLoop() {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(data)
	}
}

// inbound covers both shapes the server sends: events {op,d,seq} and
// request replies {type,rid,d|error}.
type inbound struct {
	Op    string          `json:"op"`
	Data  json.RawMessage `json:"d"`
	Seq   int64           `json:"seq"`
	Type  string          `json:"type"`
	RID   string          `json:"rid"`
	Error string          `json:"error"`
}

func (s *Signaler) dispatch(data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("bad inbound frame")
		return
	}

	if in.Op != "" {
		select {
		case s.events <- core.Event{Op: in.Op, Data: in.Data, Seq: in.Seq}:
		default:
			log.Warn().Str("module", "client").Str("op", in.Op).Msg("event buffer full, dropping")
		}
		return
	}

	switch in.Type {
	case "reply":
		s.resolve(in.RID, result{data: in.Data})
	case "error":
		s.resolve(in.RID, result{err: errors.New(in.Error)})
	}
}

func (s *Signaler) resolve(rid string, r result) {
	s.mu.Lock()
	ch, ok := s.pending[rid]
	if ok {
		delete(s.pending, rid)
	}
	s.mu.Unlock()
	if ok {
		ch <- r
	}
}
