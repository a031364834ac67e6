package modeladapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/llm"
	"github.com/germanamz/pagechat/pkg/modeladapter/usage"
)

// ErrCallTimeout is the cancellation cause recorded when a call exceeds its
// configured timeout.
var ErrCallTimeout = errors.New("provider call timed out")

// ParseRetryAfter parses the Retry-After header value as either seconds (integer)
// or an HTTP-date (RFC 7231). Returns zero if unparseable, negative, or if the date is in the past.
func ParseRetryAfter(val string) time.Duration {
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	if t, err := http.ParseTime(val); err == nil {
		d := time.Until(t)
		if d > 0 {
			return d
		}
		return 0
	}
	return 0
}

// Call holds the per-call transport settings resolved from configuration:
// the endpoint, the auth and request-id headers, and the timeout.
type Call struct {
	Endpoint string
	Header   http.Header
	Timeout  time.Duration
}

// Completer sends a chat request to a provider, unary or streaming.
type Completer interface {
	Complete(ctx context.Context, call Call, req *llm.Request) (*llm.Response, error)
	Stream(ctx context.Context, call Call, req *llm.Request) (llm.ChunkReader, error)
}

// UsageReporter provides token usage information from a completer.
// Completers that embed ModelAdapter implement this interface automatically.
type UsageReporter interface {
	UsageTracker() *usage.Tracker
}

// ModelAdapter holds shared state for provider implementations. Embed it in
// concrete provider structs to get HTTP helpers, status mapping, stream
// handling and usage tracking.
type ModelAdapter struct {
	Client       *http.Client          // HTTP client; falls back to a default without a timeout.
	Headers      map[string]string     // Extra headers applied to every request.
	Usage        usage.Tracker         // Token usage tracker.
	HeaderParser RateLimitHeaderParser // Optional parser for rate limit response headers.
	Estimator    TokenEstimator

	rateLimitInfo atomic.Pointer[RateLimitInfo]
	clientOnce    sync.Once
	defaultClient *http.Client
}

// New creates a ModelAdapter. A nil client falls back to a default one.
func New(client *http.Client) ModelAdapter {
	return ModelAdapter{Client: client}
}

// UsageTracker returns the adapter's token usage tracker.
func (a *ModelAdapter) UsageTracker() *usage.Tracker { return &a.Usage }

// LastRateLimitInfo returns the most recently observed rate limit info, or nil.
func (a *ModelAdapter) LastRateLimitInfo() *RateLimitInfo { return a.rateLimitInfo.Load() }

// httpClient returns the configured client or a cached default client.
// Timeouts are applied per call through the request context.
func (a *ModelAdapter) httpClient() *http.Client {
	if a.Client != nil {
		return a.Client
	}

	a.clientOnce.Do(func() {
		a.defaultClient = &http.Client{}
	})

	return a.defaultClient
}

// NewRequest builds a JSON POST to call.Endpoint with the call's headers and
// the adapter's extra headers applied.
func (a *ModelAdapter) NewRequest(ctx context.Context, call Call, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, call.Endpoint, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	for k, vs := range call.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// Do sends the request using the configured HTTP client.
func (a *ModelAdapter) Do(req *http.Request) (*http.Response, error) {
	return a.httpClient().Do(req) //nolint:gosec // URL comes from validated configuration.
}

func (a *ModelAdapter) observe(h http.Header) {
	if a.HeaderParser == nil {
		return
	}
	if info := a.HeaderParser(h, time.Now()); info != nil {
		a.rateLimitInfo.Store(info)
	}
}

// PostJSON marshals payload, POSTs it, maps non-2xx statuses to the error
// taxonomy and decodes the body into dest. The call timeout covers the whole
// exchange including reading the body.
func (a *ModelAdapter) PostJSON(ctx context.Context, call Call, payload any, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	callCtx, cancel := withCallTimeout(ctx, call.Timeout)
	defer cancel()

	req, err := a.NewRequest(callCtx, call, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := a.Do(req)
	if err != nil {
		return classify(ctx, callCtx, err, call.Timeout)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := CheckStatus(resp); err != nil {
		return err
	}

	a.observe(resp.Header)

	if dest == nil {
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(ctx, callCtx, err, call.Timeout)
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return chaterr.Wrap(chaterr.ProviderMalformedResponse, err, "response body is not valid JSON")
	}

	return nil
}

// PostStream POSTs payload and returns the open event stream. The call
// timeout bounds the time until response headers and then each gap between
// events. Closing the stream aborts the HTTP transport.
func (a *ModelAdapter) PostStream(ctx context.Context, call Call, payload any) (*EventStream, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	streamCtx, cancel := context.WithCancelCause(ctx)

	var timer *time.Timer
	if call.Timeout > 0 {
		timer = time.AfterFunc(call.Timeout, func() { cancel(ErrCallTimeout) })
	}

	stop := func() {
		if timer != nil {
			timer.Stop()
		}
		cancel(context.Canceled)
	}

	req, err := a.NewRequest(streamCtx, call, bytes.NewReader(body))
	if err != nil {
		stop()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.Do(req)
	if err != nil {
		err = classify(ctx, streamCtx, err, call.Timeout)
		stop()
		return nil, err
	}

	if err := CheckStatus(resp); err != nil {
		_ = resp.Body.Close()
		stop()
		return nil, err
	}

	a.observe(resp.Header)

	s := &EventStream{
		parent:  ctx,
		ctx:     streamCtx,
		stop:    stop,
		body:    resp.Body,
		events:  NewEventReader(resp.Body),
		timer:   timer,
		timeout: call.Timeout,
	}
	s.touch()

	return s, nil
}

// EventStream is an open server-sent-event response.
type EventStream struct {
	parent  context.Context
	ctx     context.Context
	stop    func()
	body    io.ReadCloser
	events  *EventReader
	timer   *time.Timer
	timeout time.Duration

	closeOnce sync.Once
}

func (s *EventStream) touch() {
	if s.timer != nil {
		s.timer.Reset(s.timeout)
	}
}

// Next returns the next event, io.EOF at the end of the body, or a taxonomy
// error when the read fails.
func (s *EventStream) Next() (Event, error) {
	ev, err := s.events.Next()
	if err == nil {
		s.touch()
		return ev, nil
	}

	if errors.Is(err, io.EOF) && s.ctx.Err() == nil {
		return Event{}, io.EOF
	}

	return Event{}, classify(s.parent, s.ctx, err, s.timeout)
}

// Close aborts the transport. It is safe to call more than once.
func (s *EventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stop()
		err = s.body.Close()
	})
	return err
}

func withCallTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, d, ErrCallTimeout)
}

// classify maps a transport failure to the taxonomy: caller cancellation
// wins, then the call's own timeout, then network-error.
func classify(parent, callCtx context.Context, err error, timeout time.Duration) error {
	if perr := parent.Err(); perr != nil {
		return chaterr.FromContext(perr)
	}

	if errors.Is(context.Cause(callCtx), ErrCallTimeout) {
		return chaterr.Wrap(chaterr.Timeout, err, fmt.Sprintf("no response within %s", timeout))
	}

	var ce *chaterr.Error
	if errors.As(err, &ce) {
		return err
	}

	return chaterr.Wrap(chaterr.NetworkError, err, "provider request failed")
}

// CheckStatus maps a non-2xx response to the error taxonomy, reading the
// provider's message from the body. It returns nil for 2xx.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := ProviderMessage(body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	var kind chaterr.Kind
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = chaterr.RateLimited
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		kind = chaterr.ClientError
	case resp.StatusCode >= 500:
		kind = chaterr.ServerError
	default:
		kind = chaterr.ProviderMalformedResponse
	}

	e := chaterr.Newf(kind, "provider returned %d: %s", resp.StatusCode, msg)
	e.StatusCode = resp.StatusCode
	if kind == chaterr.RateLimited {
		e.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
	}

	return e
}

// ProviderMessage extracts a human-readable message from a provider error
// body. It understands {"error":{"message":...}}, {"error":"..."} and
// {"message":...}, and falls back to the trimmed body.
func ProviderMessage(body []byte) string {
	var shaped struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}

	if err := json.Unmarshal(body, &shaped); err == nil {
		if len(shaped.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			}
			if json.Unmarshal(shaped.Error, &nested) == nil && nested.Message != "" {
				return nested.Message
			}

			var flat string
			if json.Unmarshal(shaped.Error, &flat) == nil && flat != "" {
				return flat
			}
		}

		if shaped.Message != "" {
			return shaped.Message
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		n := 512
		for n > 0 && !utf8.RuneStart(msg[n]) {
			n--
		}
		msg = msg[:n]
	}

	return msg
}
