package patternstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is the subject namespace of the pattern service.
const DefaultSubjectPrefix = "autopilot.patterns"

type queryRequest struct {
	Signature string `json:"signature"`
	Limit     int    `json:"limit"`
}

type queryReply struct {
	Matches []Match `json:"matches,omitempty"`
	Error   string  `json:"error,omitempty"`
}

type writeReply struct {
	Error string `json:"error,omitempty"`
}

// NATSClient talks to a remote pattern service over NATS request/reply.
// Subjects are <prefix>.query and <prefix>.write.
type NATSClient struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSClient creates a client on an existing connection.
func NewNATSClient(nc *nats.Conn, prefix string) *NATSClient {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSClient{nc: nc, prefix: prefix}
}

// Query implements Store.
func (c *NATSClient) Query(ctx context.Context, signature string, limit int) ([]Match, error) {
	data, err := json.Marshal(queryRequest{Signature: signature, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	msg, err := c.nc.RequestWithContext(ctx, c.prefix+".query", data)
	if err != nil {
		return nil, requestErr(err)
	}

	var reply queryReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode query reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("pattern service: %s", reply.Error)
	}
	return reply.Matches, nil
}

// Write implements Store.
func (c *NATSClient) Write(ctx context.Context, p Pattern) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pattern: %w", err)
	}
	msg, err := c.nc.RequestWithContext(ctx, c.prefix+".write", data)
	if err != nil {
		return requestErr(err)
	}

	var reply writeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode write reply: %w", err)
	}
	if reply.Error != "" {
		return fmt.Errorf("pattern service: %s", reply.Error)
	}
	return nil
}

func requestErr(err error) error {
	if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("pattern request: %w", err)
}

// Responder serves a Store over NATS so other processes can share one
// pattern memory.
type Responder struct {
	subs   []*nats.Subscription
	store  Store
	logger *zap.Logger
}

// Serve subscribes the responder's handlers.
func Serve(nc *nats.Conn, prefix string, store Store, logger *zap.Logger) (*Responder, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Responder{store: store, logger: logger}

	q, err := nc.QueueSubscribe(prefix+".query", "pattern-responders", r.handleQuery)
	if err != nil {
		return nil, fmt.Errorf("subscribe query: %w", err)
	}
	w, err := nc.QueueSubscribe(prefix+".write", "pattern-responders", r.handleWrite)
	if err != nil {
		_ = q.Unsubscribe()
		return nil, fmt.Errorf("subscribe write: %w", err)
	}
	r.subs = []*nats.Subscription{q, w}

	if err := nc.Flush(); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("flush subscriptions: %w", err)
	}
	return r, nil
}

func (r *Responder) handleQuery(msg *nats.Msg) {
	var req queryRequest
	var reply queryReply
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		reply.Error = "invalid query: " + err.Error()
	} else if matches, err := r.store.Query(context.Background(), req.Signature, req.Limit); err != nil {
		reply.Error = err.Error()
	} else {
		reply.Matches = matches
	}
	r.respond(msg, reply)
}

func (r *Responder) handleWrite(msg *nats.Msg) {
	var p Pattern
	var reply writeReply
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		reply.Error = "invalid pattern: " + err.Error()
	} else if err := r.store.Write(context.Background(), p); err != nil {
		reply.Error = err.Error()
	}
	r.respond(msg, reply)
}

func (r *Responder) respond(msg *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("marshal pattern reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("respond to pattern request", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// Close unsubscribes the handlers.
func (r *Responder) Close() error {
	var errs []error
	for _, s := range r.subs {
		errs = append(errs, s.Unsubscribe())
	}
	return errors.Join(errs...)
}
