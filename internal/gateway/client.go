package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/rulekeeper/internal/bus"
	"github.com/solatis/rulekeeper/internal/metric"
	"github.com/solatis/rulekeeper/internal/protocol"
	"github.com/solatis/rulekeeper/internal/types"
)

// DefaultTimeout bounds a single call when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// Client implements Gateway over the RuleStore gRPC service.
type Client struct {
	stub    *protocol.RuleStoreClient
	conn    *grpc.ClientConn // owned connection, nil when wrapping a caller's conn
	timeout time.Duration
	metrics *metric.Metrics
	logger  *slog.Logger
}

var _ Gateway = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMetrics records request counts and latency.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New wraps an existing connection. The caller keeps ownership of cc.
func New(cc grpc.ClientConnInterface, opts ...Option) *Client {
	c := &Client{
		stub:    protocol.NewRuleStoreClient(cc),
		timeout: DefaultTimeout,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "gateway")
	return c
}

// Dial connects to the rule store at target. creds may be nil.
// The connection is plaintext; terminate TLS in front of the store when needed.
func Dial(target string, creds credentials.PerRPCCredentials, opts ...Option) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if creds != nil {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(creds))
	}
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule store client for %s: %w", target, err)
	}
	c := New(conn, opts...)
	c.conn = conn
	return c, nil
}

// Close releases an owned connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// GetRule fetches one rule.
func (c *Client) GetRule(ctx context.Context, id types.RuleID) (types.Rule, error) {
	in, err := protocol.EncodeGetRequest(bus.GetRuleRequest{ID: id})
	if err != nil {
		return types.Rule{}, err
	}
	out, err := c.call(ctx, bus.TopicRuleGet, in)
	if err != nil {
		return types.Rule{}, err
	}
	rule, err := protocol.DecodeRule(out)
	if err != nil {
		return types.Rule{}, fmt.Errorf("%w: malformed rule document: %w", types.ErrTransport, err)
	}
	return rule, nil
}

// SaveObjectRule creates or updates an object or root rule.
func (c *Client) SaveObjectRule(ctx context.Context, req bus.ObjectRuleRequest) (types.Ack, error) {
	in, err := protocol.EncodeObjectRequest(req)
	if err != nil {
		return types.Ack{}, err
	}
	return c.write(ctx, bus.TopicRuleCreateObject, in)
}

// SaveValueRule creates or updates a value rule.
func (c *Client) SaveValueRule(ctx context.Context, req bus.ValueRuleRequest) (types.Ack, error) {
	in, err := protocol.EncodeValueRequest(req)
	if err != nil {
		return types.Ack{}, err
	}
	return c.write(ctx, bus.TopicRuleCreateValue, in)
}

// ReorderRule moves a rule among its siblings.
func (c *Client) ReorderRule(ctx context.Context, req types.ReorderRequest) (types.Ack, error) {
	in, err := protocol.EncodeOrderRequest(req)
	if err != nil {
		return types.Ack{}, err
	}
	return c.write(ctx, bus.TopicRuleOrder, in)
}

func (c *Client) write(ctx context.Context, topic bus.Topic, in *structpb.Struct) (types.Ack, error) {
	out, err := c.call(ctx, topic, in)
	if err != nil {
		return types.Ack{}, err
	}
	ack, err := protocol.DecodeAck(out)
	if err != nil {
		return types.Ack{}, fmt.Errorf("%w: malformed acknowledgement: %w", types.ErrTransport, err)
	}
	return ack, nil
}

// call issues exactly one RPC for topic and classifies its error.
func (c *Client) call(ctx context.Context, topic bus.Topic, in *structpb.Struct) (*structpb.Struct, error) {
	method, ok := protocol.MethodForTopic(topic)
	if !ok {
		return nil, fmt.Errorf("no rule store method for topic %s", topic)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := c.stub.Call(ctx, method, in)
	err = protocol.ErrorFromStatus(err)
	elapsed := time.Since(start)

	outcome := protocol.Outcome(err)
	c.metrics.ObserveGateway(string(topic), outcome, elapsed)
	if err != nil {
		c.logger.Debug("request failed", "topic", string(topic), "outcome", outcome, "error", err, "elapsed", elapsed)
		return nil, err
	}
	c.logger.Debug("request resolved", "topic", string(topic), "elapsed", elapsed)
	return out, nil
}
