package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/metric"
	"github.com/c360/qollective/pkg/retry"
	"github.com/c360/qollective/pkg/tlsutil"
	"github.com/c360/qollective/transport"
)

const transportLabel = "http"

// Headers exchanged by client and server.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderTenant    = "X-Tenant-ID"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records traffic on m.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient replaces the underlying HTTP client. TLS settings from the config are not
// applied to it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client is the HTTP transport. It POSTs raw payloads or whole envelopes and applies the
// configured retry policy: transport failures and 5xx responses are retried, 4xx responses
// are not.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewClient creates an HTTP transport client.
func NewClient(cfg ClientConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	c := &Client{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		tlsConfig, err := tlsutil.ClientConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		c.http = &http.Client{Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     tlsConfig,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		}}
	}
	return c, nil
}

// SendRaw POSTs payload to the endpoint URL and returns the response body, which must be
// JSON. Under BestEffort a failure yields a JSON null and no error.
func (c *Client) SendRaw(ctx context.Context, ep transport.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
	return c.sendRaw(ctx, ep, payload, envelope.NewRequestID(), "")
}

// sendRaw is SendRaw with caller-supplied request id and tenant headers.
func (c *Client) sendRaw(ctx context.Context, ep transport.Endpoint, payload json.RawMessage, requestID, tenant string) (json.RawMessage, error) {
	const op = "httpx.Client.SendRaw"
	if requestID == "" {
		requestID = envelope.NewRequestID()
	}

	var out json.RawMessage
	err := c.withRetry(ctx, func(ctx context.Context, _ int) error {
		data, err := c.post(ctx, ep.Target, payload, requestID, tenant)
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(data)) == 0 {
			out = json.RawMessage("null")
			return nil
		}
		if !json.Valid(data) {
			return errors.New(errors.KindDeserialization, op, "response body is not JSON")
		}
		out = data
		return nil
	})
	if err != nil {
		if c.cfg.Retry.SwallowsErrors() {
			c.logger.Warn("http request failed, returning empty result", "url", ep.Target, "request_id", requestID, "error", err)
			return json.RawMessage("null"), nil
		}
		return nil, err
	}
	c.metrics.RecordSent(transportLabel, "raw")
	c.metrics.RecordReceived(transportLabel, "raw")
	return out, nil
}

// SendEnvelope POSTs env and decodes the response body as an envelope. Every attempt
// carries the same request_id; retries run in a child span of the original trace.
func (c *Client) SendEnvelope(ctx context.Context, ep transport.Endpoint, env envelope.Raw) (envelope.Raw, error) {
	if env.Meta.RequestID == "" {
		env.Meta.RequestID = envelope.NewRequestID()
	}
	original := env.Meta.Tracing

	var reply envelope.Raw
	err := c.withRetry(ctx, func(ctx context.Context, attempt int) error {
		req := env
		if attempt > 1 && original != nil {
			span := original.ChildSpan(original.OperationName)
			span.Tags = map[string]string{"retry.attempt": strconv.Itoa(attempt)}
			req.Meta.Tracing = span
		}
		body, err := envelope.Encode(req)
		if err != nil {
			return err
		}
		data, err := c.post(ctx, ep.Target, body, req.Meta.RequestID, req.Meta.Tenant)
		if err != nil {
			return err
		}
		reply, err = envelope.Decode[json.RawMessage](data)
		return err
	})
	if err != nil {
		if c.cfg.Retry.SwallowsErrors() {
			c.logger.Warn("http request failed, returning empty reply", "url", ep.Target, "request_id", env.Meta.RequestID, "error", err)
			return envelope.Raw{Meta: env.Meta.ReplyMeta(), Payload: json.RawMessage("null")}, nil
		}
		return envelope.Raw{}, err
	}
	c.metrics.RecordSent(transportLabel, "envelope")
	c.metrics.RecordReceived(transportLabel, "envelope")
	return reply, nil
}

// withRetry runs attempt under the configured policy. Only the last error is returned.
func (c *Client) withRetry(ctx context.Context, attempt func(ctx context.Context, n int) error) error {
	cfg := c.cfg.Retry.Config()
	cfg.Retryable = retryable
	cfg.OnRetry = func(n int, delay time.Duration, err error) {
		c.metrics.RecordRetry(transportLabel)
		c.logger.Debug("retrying http request", "retry", n, "delay", delay, "error", err)
	}

	n := 0
	err := retry.Do(ctx, cfg, func() error {
		n++
		return attempt(ctx, n)
	})
	if err != nil && errors.KindOf(err) != errors.KindTimeout {
		if ctxErr := errors.FromContext(ctx, "httpx.Client"); ctxErr != nil {
			err = ctxErr
		}
	}
	if err != nil {
		c.metrics.RecordError(transportLabel, errors.KindOf(err).String())
	}
	return err
}

// retryable reports whether err may be retried: 5xx responses and transient transport
// failures are, 4xx responses are not.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return errors.KindOf(err).Class() == errors.ErrorTransient
}

func (c *Client) post(ctx context.Context, url string, body []byte, requestID, tenant string) ([]byte, error) {
	const op = "httpx.Client.post"
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &errors.Error{Kind: errors.KindValidation, Op: op, Message: "invalid request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, requestID)
	if tenant != "" {
		req.Header.Set(HeaderTenant, tenant)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyRequestError(ctx, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseSize+1))
	if err != nil {
		return nil, &errors.Error{Kind: errors.KindTransport, Op: op, Message: "failed to read response", Err: err}
	}
	c.metrics.RecordRequestDuration(transportLabel, time.Since(start))
	if int64(len(data)) > c.cfg.MaxResponseSize {
		return nil, errors.Newf(errors.KindValidation, op, "response exceeds maximum size of %d bytes", c.cfg.MaxResponseSize)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(op, resp.StatusCode, data)
	}
	return data, nil
}

// statusError converts a non-2xx response into a kinded error, using the error message from
// an envelope or JSON error body when there is one.
func statusError(op string, code int, body []byte) error {
	message := ""
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error"} {
			if v := gjson.GetBytes(body, path); v.Type == gjson.String {
				message = v.String()
				break
			}
		}
	}
	if message == "" {
		message = http.StatusText(code)
	}
	return &errors.Error{Kind: kindForStatus(code), Op: op, Err: &StatusError{Code: code, Message: message}}
}

func kindForStatus(code int) errors.Kind {
	switch code {
	case http.StatusNotFound:
		return errors.KindNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return errors.KindTimeout
	case http.StatusTooManyRequests:
		return errors.KindCapacity
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return errors.KindTransport
	}
	if code >= 500 {
		return errors.KindTransport
	}
	return errors.KindValidation
}

func classifyRequestError(ctx context.Context, op string, err error) error {
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
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &errors.Error{Kind: errors.KindTimeout, Op: op, Err: err}
	}
	return &errors.Error{Kind: errors.KindTransport, Op: op, Err: err}
}

var _ transport.Transport = (*Client)(nil)
