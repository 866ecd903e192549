package transport

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/gezibash/arc-session/internal/codec"
)

const (
	// ServiceName is the gRPC service carrying broker requests.
	ServiceName = "arc.session.v1.Broker"
	// CallMethod is the full method name of the single unary call.
	CallMethod = "/" + ServiceName + "/Call"
	codecName  = "cbor"
)

type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return codec.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return codec.Unmarshal(data, v) }
func (cborCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(cborCodec{})
}

// reply is the wire envelope; broker verdicts travel in-band so the gRPC
// status only ever describes transport problems.
type reply struct {
	Response *Response
	Error    *BrokerError
}

// Handler serves broker requests on the server side.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Metadata: "arc/session/v1/broker",
}

// RegisterBrokerServer registers h on s.
func RegisterBrokerServer(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&serviceDesc, h)
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(Request)
	if err := dec(req); err != nil {
		return nil, err
	}
	h := srv.(Handler)
	call := func(ctx context.Context, r any) (any, error) {
		resp, err := h.Handle(ctx, r.(*Request))
		return toReply(resp, err)
	}
	if interceptor == nil {
		return call(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CallMethod}
	return interceptor(ctx, req, info, call)
}

func toReply(resp *Response, err error) (*reply, error) {
	if err == nil {
		return &reply{Response: resp}, nil
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return &reply{Error: be}, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, status.FromContextError(err).Err()
	}
	return nil, status.Error(codes.Internal, err.Error())
}

type dialConfig struct {
	dialOpts []grpc.DialOption
}

// DialOption configures DialGRPC.
type DialOption func(*dialConfig)

// WithGRPCDialOptions appends raw gRPC dial options, e.g. a custom dialer.
func WithGRPCDialOptions(opts ...grpc.DialOption) DialOption {
	return func(c *dialConfig) { c.dialOpts = append(c.dialOpts, opts...) }
}

// GRPCChannel is a Channel backed by a gRPC client connection.
type GRPCChannel struct {
	conn *grpc.ClientConn

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// DialGRPC creates a channel to the broker at addr.
func DialGRPC(addr string, opts ...DialOption) (*GRPCChannel, error) {
	cfg := &dialConfig{}
	for _, o := range opts {
		o(cfg)
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	dialOpts = append(dialOpts, cfg.dialOpts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, &ChannelError{Err: err}
	}
	c := &GRPCChannel{conn: conn, done: make(chan struct{})}
	go c.watch()
	return c, nil
}

func (c *GRPCChannel) watch() {
	for {
		st := c.conn.GetState()
		if st == connectivity.Shutdown {
			c.fail(ErrChannelClosed)
			return
		}
		if !c.conn.WaitForStateChange(context.Background(), st) {
			return
		}
	}
}

func (c *GRPCChannel) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
}

// WaitReady connects eagerly and blocks until the connection is ready or
// ctx is done.
func (c *GRPCChannel) WaitReady(ctx context.Context) error {
	c.conn.Connect()
	for {
		st := c.conn.GetState()
		switch st {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return &ChannelError{Err: ErrChannelClosed}
		}
		if !c.conn.WaitForStateChange(ctx, st) {
			return &ChannelError{Err: ctx.Err()}
		}
	}
}

// Send implements Channel.
func (c *GRPCChannel) Send(ctx context.Context, req *Request) (*Response, error) {
	select {
	case <-c.done:
		return nil, &ChannelError{Op: req.Op, Err: c.Err()}
	default:
	}

	var out reply
	if err := c.conn.Invoke(ctx, CallMethod, req, &out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, c.invokeError(req.Op, err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	if out.Response == nil {
		return &Response{}, nil
	}
	return out.Response, nil
}

// invokeError separates a lost connection from a call the transport
// rejected on its own, such as an oversized message. Only the former
// ends the channel's sessions.
func (c *GRPCChannel) invokeError(op Op, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &ChannelError{Op: op, Err: err}
	}
	switch st.Code() {
	case codes.Unavailable, codes.Canceled:
		return &ChannelError{Op: op, Err: err}
	case codes.ResourceExhausted, codes.InvalidArgument, codes.OutOfRange:
		return Errorf(KindInvalid, "%s rejected: %s", op, st.Message())
	}
	if c.conn.GetState() == connectivity.Shutdown {
		return &ChannelError{Op: op, Err: err}
	}
	return Errorf(KindInternal, "%s failed: %s (%s)", op, st.Message(), st.Code())
}

// Done implements Channel.
func (c *GRPCChannel) Done() <-chan struct{} { return c.done }

// Err implements Channel.
func (c *GRPCChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements Channel.
func (c *GRPCChannel) Close() error {
	c.fail(ErrChannelClosed)
	return c.conn.Close()
}
