package bus_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/germanamz/pagechat/pkg/bus"
	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/llm"
	"github.com/germanamz/pagechat/pkg/orchestrator"
	"github.com/germanamz/pagechat/pkg/ratelimit"
	"github.com/germanamz/pagechat/pkg/reqcache"
	"github.com/germanamz/pagechat/pkg/settings"
	"github.com/germanamz/pagechat/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoTransport struct {
	err error
}

func (e *echoTransport) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &llm.Response{
		Model:   req.Model,
		Choices: []llm.Choice{{Message: llm.Message{Role: llm.Assistant, Content: "echo: " + req.Messages[len(req.Messages)-1].Content}}},
		Cost:    0.25,
	}, nil
}

func (e *echoTransport) Stream(_ context.Context, req *llm.Request) (llm.ChunkReader, error) {
	if e.err != nil {
		return nil, e.err
	}
	final := &llm.Response{
		Model:   req.Model,
		Choices: []llm.Choice{{Message: llm.Message{Role: llm.Assistant, Content: "Hello"}, FinishReason: "stop"}},
	}
	return &chunks{items: []llm.Chunk{
		{Type: llm.ChunkContent, Delta: "Hel"},
		{Type: llm.ChunkContent, Delta: "lo"},
		{Type: llm.ChunkDone, Final: final},
	}}, nil
}

type chunks struct {
	items []llm.Chunk
}

func (c *chunks) Next(context.Context) (llm.Chunk, error) {
	if len(c.items) == 0 {
		return llm.Chunk{}, io.EOF
	}
	next := c.items[0]
	c.items = c.items[1:]
	return next, nil
}

func (c *chunks) Close() error { return nil }

type fixture struct {
	settings *settings.Store
	cache    *reqcache.Cache
	router   *bus.Router
	srv      *httptest.Server
}

func newFixture(t *testing.T, tr *echoTransport) fixture {
	t.Helper()

	s := settings.New(&storage.Memory{})
	require.NoError(t, s.Initialize(context.Background()))

	cache := reqcache.New(reqcache.ConfigFrom(s))
	o := orchestrator.New(s, orchestrator.DefaultChain(zerolog.Nop(), cache), tr,
		orchestrator.WithLimiter(ratelimit.New(ratelimit.Limits{})))
	t.Cleanup(o.Close)

	router := bus.NewRouter(zerolog.Nop())
	bus.NewCore(o, s).Register(router)

	srv := httptest.NewServer(bus.NewServer(router, o, bus.WithCache(cache)).Handler())
	t.Cleanup(srv.Close)

	return fixture{settings: s, cache: cache, router: router, srv: srv}
}

func (f fixture) post(t *testing.T, body string) (int, bus.Envelope) {
	t.Helper()

	resp, err := http.Post(f.srv.URL+"/v1/bus", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var env bus.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))

	return resp.StatusCode, env
}

func TestEnvelope_FlatWireForm(t *testing.T) {
	env, err := bus.NewEnvelope(bus.ChatChunk, "7", bus.ChunkPayload{Delta: "Hi"})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chat_chunk","id":"7","delta":"Hi"}`, string(raw))

	var back bus.Envelope
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, bus.ChatChunk, back.Type)
	assert.Equal(t, "7", back.ID)

	var payload bus.ChunkPayload
	require.NoError(t, back.Decode(&payload))
	assert.Equal(t, "Hi", payload.Delta)
}

func TestEnvelope_MalformedPayload(t *testing.T) {
	env := bus.Envelope{Type: bus.ChatRequest, Payload: json.RawMessage(`{"userMessage":3}`)}

	var in orchestrator.AskInput
	err := env.Decode(&in)
	assert.True(t, chaterr.Is(err, chaterr.Validation))
}

func TestRouter_UnknownTypeIsValidationError(t *testing.T) {
	r := bus.NewRouter(zerolog.Nop())

	for _, typ := range []bus.Type{bus.ExportData, bus.ConversationList, bus.ClearHistory, "nonsense"} {
		reply := r.Dispatch(context.Background(), bus.Envelope{Type: typ, ID: "x"})
		assert.Equal(t, bus.Error, reply.Type)
		assert.Equal(t, "x", reply.ID)

		var p bus.ErrorPayload
		require.NoError(t, reply.Decode(&p))
		assert.Equal(t, chaterr.Validation, p.Error.Kind, "type %s", typ)
	}
}

func TestRouter_HandlerErrorBecomesErrorEnvelope(t *testing.T) {
	r := bus.NewRouter(zerolog.Nop())
	r.Handle(bus.GetExportProgress, func(context.Context, bus.Envelope) (bus.Envelope, error) {
		return bus.Envelope{}, chaterr.New(chaterr.ServerError, "boom")
	})

	assert.Equal(t, []bus.Type{bus.GetExportProgress}, r.Types())

	reply := r.Dispatch(context.Background(), bus.Envelope{Type: bus.GetExportProgress})
	var p bus.ErrorPayload
	require.NoError(t, reply.Decode(&p))
	assert.Equal(t, chaterr.ServerError, p.Error.Kind)
	assert.Equal(t, "boom", p.Error.Message)
}

func TestServer_ChatRequest(t *testing.T) {
	f := newFixture(t, &echoTransport{})

	status, env := f.post(t, `{"type":"chat_request","id":"1","userMessage":"hi"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, bus.ChatResponse, env.Type)
	assert.Equal(t, "1", env.ID)

	var reply bus.ChatReply
	require.NoError(t, env.Decode(&reply))
	assert.Equal(t, "echo: hi", reply.Content)
	assert.Nil(t, reply.Error)
	require.NotNil(t, reply.Cost)
	assert.InDelta(t, 0.25, *reply.Cost, 1e-12)
	assert.NotEmpty(t, reply.Model)
	assert.False(t, reply.Cached)

	_, env = f.post(t, `{"type":"chat_request","id":"2","userMessage":"hi"}`)
	require.NoError(t, env.Decode(&reply))
	assert.True(t, reply.Cached)
}

func TestServer_ChatFailureIsReportedInResponse(t *testing.T) {
	f := newFixture(t, &echoTransport{err: &chaterr.Error{Kind: chaterr.RateLimited, StatusCode: 429, RetryAfter: 2 * time.Second}})

	_, env := f.post(t, `{"type":"chat_request","userMessage":"hi"}`)
	assert.Equal(t, bus.ChatResponse, env.Type)

	var reply bus.ChatReply
	require.NoError(t, env.Decode(&reply))
	require.NotNil(t, reply.Error)
	assert.Empty(t, reply.Content)
	assert.Equal(t, chaterr.RateLimited, reply.Error.Kind)
	assert.Equal(t, 429, reply.Error.StatusCode)
	assert.Equal(t, int64(2000), reply.Error.RetryAfterMS)
}

func TestServer_ConfigExportImport(t *testing.T) {
	f := newFixture(t, &echoTransport{})
	require.NoError(t, f.settings.Set(context.Background(), "context.maxTokens", 2000))

	_, env := f.post(t, `{"type":"config_export","id":"e"}`)
	require.Equal(t, bus.ConfigExport, env.Type)

	var exported settings.Export
	require.NoError(t, env.Decode(&exported))
	assert.Equal(t, settings.Version, exported.Version)

	require.NoError(t, f.settings.Set(context.Background(), "context.maxTokens", 8000))

	body, err := json.Marshal(env)
	require.NoError(t, err)
	body = bytes.Replace(body, []byte(`"config_export"`), []byte(`"config_import"`), 1)

	_, env = f.post(t, string(body))
	require.Equal(t, bus.ConfigImport, env.Type)
	assert.Equal(t, 2000, f.settings.GetInt("context.maxTokens", 0))

	_, env = f.post(t, `{"type":"config_import","config":{"context":{"maxTokens":"lots"}}}`)
	assert.Equal(t, bus.Error, env.Type)
	var p bus.ErrorPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, chaterr.Validation, p.Error.Kind)
	assert.Equal(t, 2000, f.settings.GetInt("context.maxTokens", 0))
}

func TestServer_MalformedBody(t *testing.T) {
	f := newFixture(t, &echoTransport{})

	status, env := f.post(t, `{"type":`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, bus.Error, env.Type)
}

func TestServer_HealthAndCacheStats(t *testing.T) {
	f := newFixture(t, &echoTransport{})

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.post(t, `{"type":"chat_request","userMessage":"hi"}`)
	f.post(t, `{"type":"chat_request","userMessage":"hi"}`)

	resp, err = http.Get(f.srv.URL + "/v1/cache/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st reqcache.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, 1, st.Size)
}

func dial(t *testing.T, f fixture) (context.Context, *websocket.Conn) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/v1/bus/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	return ctx, conn
}

func TestSocket_StreamsChunks(t *testing.T) {
	f := newFixture(t, &echoTransport{})
	ctx, conn := dial(t, f)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"type": "chat_request", "id": "s1", "userMessage": "hi", "stream": true,
	}))

	var deltas []string
	for {
		var env bus.Envelope
		require.NoError(t, wsjson.Read(ctx, conn, &env))
		assert.Equal(t, "s1", env.ID)

		if env.Type == bus.ChatChunk {
			var c bus.ChunkPayload
			require.NoError(t, env.Decode(&c))
			assert.NotEmpty(t, c.RequestID)
			deltas = append(deltas, c.Delta)
			continue
		}

		require.Equal(t, bus.ChatResponse, env.Type)
		var reply bus.ChatReply
		require.NoError(t, env.Decode(&reply))
		assert.Equal(t, "Hello", reply.Content)
		break
	}

	assert.Equal(t, []string{"Hel", "lo"}, deltas)
}

func TestSocket_DispatchesOtherEnvelopesInOrder(t *testing.T) {
	f := newFixture(t, &echoTransport{})
	ctx, conn := dial(t, f)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "chat_request", "id": "a", "userMessage": "one"}))
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "clear_history", "id": "b"}))

	var first, second bus.Envelope
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	require.NoError(t, wsjson.Read(ctx, conn, &second))

	assert.Equal(t, "a", first.ID)
	assert.Equal(t, bus.ChatResponse, first.Type)
	assert.Equal(t, "b", second.ID)
	assert.Equal(t, bus.Error, second.Type)
}
