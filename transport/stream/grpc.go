package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/pkg/tlsutil"
)

// The gRPC variant carries the same JSON frames as the websocket variant over one
// bidirectional stream. Frames travel as opaque bytes under a registered codec, so no
// generated protobuf code is involved.
const (
	grpcServiceName    = "qollective.v1.Stream"
	grpcExchangeMethod = "/qollective.v1.Stream/Exchange"
	frameCodecName     = "qollective-frame"
)

func init() {
	encoding.RegisterCodec(frameCodec{})
}

type rawFrame struct {
	data []byte
}

// frameCodec passes frame bytes through untouched.
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("frame codec: unexpected message type %T", v)
	}
	return f.data, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("frame codec: unexpected message type %T", v)
	}
	f.data = append(f.data[:0], data...)
	return nil
}

func (frameCodec) Name() string {
	return frameCodecName
}

type exchanger interface {
	exchange(stream grpc.ServerStream) error
}

var grpcServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*exchanger)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Exchange",
		Handler:       exchangeHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "qollective/v1/stream",
}

func exchangeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(exchanger).exchange(stream)
}

// RegisterGRPC exposes s as the Exchange stream service on reg.
func RegisterGRPC(reg grpc.ServiceRegistrar, s *Server) {
	reg.RegisterService(&grpcServiceDesc, s)
}

// NewGRPCServer returns a gRPC server with s registered and the server's TLS settings
// applied.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) (*grpc.Server, error) {
	tlsConfig, err := tlsutil.ServerConfig(s.cfg.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	opts = append(opts, grpc.MaxRecvMsgSize(s.cfg.MaxMessageSize+1024))
	gs := grpc.NewServer(opts...)
	RegisterGRPC(gs, s)
	return gs, nil
}

func (s *Server) exchange(stream grpc.ServerStream) error {
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		s.logger.Debug("grpc stream accepted", "user_agent", strings.Join(md.Get("user-agent"), ","))
	}
	sess := s.serve(&grpcServerConn{stream: stream}, "grpc")
	<-sess.Done()
	return nil
}

// grpcServerConn adapts a server stream. The stream ends when exchange returns, which
// happens once the session is closed.
type grpcServerConn struct {
	stream  grpc.ServerStream
	writeMu sync.Mutex
}

func (g *grpcServerConn) ReadFrame() ([]byte, error) {
	var f rawFrame
	if err := g.stream.RecvMsg(&f); err != nil {
		return nil, err
	}
	return f.data, nil
}

func (g *grpcServerConn) WriteFrame(data []byte) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return g.stream.SendMsg(&rawFrame{data: data})
}

func (g *grpcServerConn) Close() error {
	return nil
}

// grpcClientConn owns the client connection and the Exchange stream on it.
type grpcClientConn struct {
	cc      *grpc.ClientConn
	stream  grpc.ClientStream
	cancel  context.CancelFunc
	writeMu sync.Mutex
	once    sync.Once
}

func (g *grpcClientConn) ReadFrame() ([]byte, error) {
	var f rawFrame
	if err := g.stream.RecvMsg(&f); err != nil {
		return nil, err
	}
	return f.data, nil
}

func (g *grpcClientConn) WriteFrame(data []byte) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return g.stream.SendMsg(&rawFrame{data: data})
}

func (g *grpcClientConn) Close() error {
	var err error
	g.once.Do(func() {
		g.writeMu.Lock()
		_ = g.stream.CloseSend()
		g.writeMu.Unlock()
		g.cancel()
		err = g.cc.Close()
	})
	return err
}

// DialGRPC opens the Exchange stream on target. Configured headers travel as stream
// metadata. ctx bounds connection establishment only.
func DialGRPC(ctx context.Context, target string, cfg Config, opts ...Option) (*Session, error) {
	const op = "stream.DialGRPC"
	cfg = cfg.WithDefaults()
	o := newOptions(opts)

	tlsConfig, err := tlsutil.ClientConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	creds := insecure.NewCredentials()
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(frameCodec{}),
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize+1024),
		),
	}, o.grpcDialOptions...)

	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, &errors.Error{Kind: errors.KindConfig, Op: op, Err: err}
	}
	if err := waitConnected(ctx, cc); err != nil {
		_ = cc.Close()
		return nil, classifyGRPCError(ctx, op, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	if len(cfg.Headers) > 0 {
		streamCtx = metadata.NewOutgoingContext(streamCtx, metadata.New(cfg.Headers))
	}
	stream, err := cc.NewStream(streamCtx, &grpcServiceDesc.Streams[0], grpcExchangeMethod)
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, classifyGRPCError(ctx, op, err)
	}

	o.logger.Debug("grpc stream opened", "target", target)
	return newSession(&grpcClientConn{cc: cc, stream: stream, cancel: cancel}, cfg, sessionOptions{
		label:     "grpc",
		logger:    o.logger,
		metrics:   o.metrics,
		unmatched: o.unmatched,
	}).start(), nil
}

// waitConnected blocks until cc is ready or has failed its first connection attempt.
func waitConnected(ctx context.Context, cc *grpc.ClientConn) error {
	for {
		state := cc.GetState()
		switch state {
		case connectivity.Idle:
			cc.Connect()
		case connectivity.Ready, connectivity.TransientFailure:
			return nil
		case connectivity.Shutdown:
			return errors.New(errors.KindConnectionClosed, "stream.DialGRPC", "connection shut down")
		}
		if !cc.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

// classifyGRPCError maps a connection failure to a kind. gRPC reports handshake failures
// only as status text.
func classifyGRPCError(ctx context.Context, op string, err error) error {
	if ctxErr := errors.FromContext(ctx, op); ctxErr != nil {
		return ctxErr
	}
	st, ok := status.FromError(err)
	if !ok {
		return classifyDialError(ctx, op, err)
	}
	msg := strings.ToLower(st.Message())
	switch {
	case strings.Contains(msg, "x509") || strings.Contains(msg, "tls:") || strings.Contains(msg, "certificate"):
		return &errors.Error{Kind: errors.KindTLS, Op: op, Err: err}
	case st.Code() == codes.DeadlineExceeded:
		return &errors.Error{Kind: errors.KindTimeout, Op: op, Err: err}
	case st.Code() == codes.Canceled:
		return &errors.Error{Kind: errors.KindCancelled, Op: op, Err: err}
	default:
		return &errors.Error{Kind: errors.KindTransport, Op: op, Err: err}
	}
}
