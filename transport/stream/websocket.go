package stream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/pkg/tlsutil"
)

// wsConn adapts a gorilla connection to frameConn. gorilla allows one concurrent writer, so
// writes are serialized.
type wsConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (w *wsConn) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WriteFrame(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

// Subprotocol returns the negotiated websocket subprotocol.
func (w *wsConn) Subprotocol() string {
	return w.conn.Subprotocol()
}

// DialWebSocket opens a websocket session to url, offering the configured subprotocols and
// attaching the configured headers to the upgrade request.
func DialWebSocket(ctx context.Context, url string, cfg Config, opts ...Option) (*Session, error) {
	const op = "stream.DialWebSocket"
	cfg = cfg.WithDefaults()
	o := newOptions(opts)

	tlsConfig, err := tlsutil.ClientConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Subprotocols:     cfg.Subprotocols,
		TLSClientConfig:  tlsConfig,
	}

	conn, resp, err := dialer.DialContext(ctx, url, cfg.header())
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, classifyDialError(ctx, op, err)
	}

	o.logger.Debug("websocket connected", "url", url, "subprotocol", conn.Subprotocol())
	return newSession(&wsConn{conn: conn, writeTimeout: cfg.WriteTimeout}, cfg, sessionOptions{
		label:     "websocket",
		logger:    o.logger,
		metrics:   o.metrics,
		unmatched: o.unmatched,
	}).start(), nil
}

// classifyDialError maps certificate failures to KindTLS and context endings to
// KindTimeout or KindCancelled.
func classifyDialError(ctx context.Context, op string, err error) error {
	if ctxErr := errors.FromContext(ctx, op); ctxErr != nil {
		return ctxErr
	}
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verification     *tls.CertificateVerificationError
		record           tls.RecordHeaderError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) || errors.As(err, &invalid) ||
		errors.As(err, &verification) || errors.As(err, &record) {
		return &errors.Error{Kind: errors.KindTLS, Op: op, Err: err}
	}
	return &errors.Error{Kind: errors.KindTransport, Op: op, Err: err}
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		Subprotocols:     s.cfg.Subprotocols,
		CheckOrigin: func(r *http.Request) bool {
			if len(s.cfg.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(s.cfg.AllowedOrigins, origin)
		},
	}
}

// ServeHTTP upgrades the request to a websocket session and serves envelopes on it until
// the connection ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		s.metrics.RecordError("websocket", errors.KindProtocol.String())
		return
	}
	s.logger.Debug("websocket accepted", "remote", r.RemoteAddr, "subprotocol", conn.Subprotocol())
	sess := s.serve(&wsConn{conn: conn, writeTimeout: s.cfg.WriteTimeout}, "websocket")
	<-sess.Done()
}
