package providers_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/llm"
	"github.com/germanamz/pagechat/pkg/providers"
	"github.com/germanamz/pagechat/pkg/settings"
	"github.com/germanamz/pagechat/pkg/storage"
	"github.com/germanamz/pagechat/pkg/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "abcdefghij0123456789ABCDEFGHIJKL"

type fixture struct {
	client   *providers.Client
	settings *settings.Store
	vault    *vault.Vault
}

func newFixture(t *testing.T, handler http.HandlerFunc) fixture {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	st := &storage.Memory{}

	s := settings.New(st)
	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Set(ctx, "api.endpoints.deepseek", srv.URL+"/chat/completions"))

	v := vault.New(st)
	require.NoError(t, v.Store(ctx, "deepseek", testKey))

	return fixture{
		client:   providers.NewClient(s, v, providers.WithHTTPClient(srv.Client())),
		settings: s,
		vault:    v,
	}
}

func deepseekRequest() *llm.Request {
	return &llm.Request{
		Provider: "deepseek",
		Model:    "deepseek-chat",
		Messages: []llm.Message{{Role: llm.User, Content: "hello"}},
		Meta:     llm.RequestMeta{RequestID: "0123456789abcdef0123456789abcdef"},
	}
}

func TestCost(t *testing.T) {
	m := settings.ModelSettings{InputPrice: 0.00027, OutputPrice: 0.0011}
	got := providers.Cost(llm.Usage{PromptTokens: 1000, CompletionTokens: 500}, m)
	assert.InDelta(t, 0.00082, got, 1e-12)
}

func TestClient_CompleteFillsCost(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer "+testKey, r.Header.Get("Authorization"))
		assert.Equal(t, "0123456789abcdef0123456789abcdef", r.Header.Get("X-Request-ID"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "deepseek-chat",
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "hi"}, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 1000, "completion_tokens": 500, "total_tokens": 1500},
		})
	})

	resp, err := f.client.Complete(context.Background(), deepseekRequest())
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content())
	assert.InDelta(t, 0.00082, resp.Cost, 1e-12)

	total := f.client.Usage().Total()
	assert.Equal(t, 1500, total.Total())
	assert.InDelta(t, 0.00082, total.Cost, 1e-12)
}

func TestClient_GeneratesRequestID(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Regexp(t, `^[0-9a-f]{32}$`, r.Header.Get("X-Request-ID"))
		_, _ = io.WriteString(w, `{"choices":[]}`)
	})

	req := deepseekRequest()
	req.Meta.RequestID = ""
	_, err := f.client.Complete(context.Background(), req)
	require.NoError(t, err)
}

func TestClient_StreamFinalCarriesCost(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hey\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":2000,\"completion_tokens\":1000}}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})

	reader, err := f.client.Stream(context.Background(), deepseekRequest())
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	c, err := reader.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hey", c.Delta)

	c, err = reader.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, llm.ChunkDone, c.Type)
	assert.InDelta(t, (2000*0.00027+1000*0.0011)/1000, c.Final.Cost, 1e-12)
	assert.Equal(t, 1, f.client.Usage().Count())
}

func TestClient_UnknownProvider(t *testing.T) {
	f := newFixture(t, func(http.ResponseWriter, *http.Request) {
		t.Error("no call expected")
	})

	req := deepseekRequest()
	req.Provider = "mistral"
	_, err := f.client.Complete(context.Background(), req)
	assert.True(t, chaterr.Is(err, chaterr.Validation))
}

func TestClient_MissingCredential(t *testing.T) {
	f := newFixture(t, func(http.ResponseWriter, *http.Request) {
		t.Error("no call expected")
	})

	req := deepseekRequest()
	req.Provider = "openai"
	_, err := f.client.Stream(context.Background(), req)
	assert.True(t, chaterr.Is(err, chaterr.CredentialMissing), "got %v", err)
}

func TestClient_DefaultsToConfiguredProvider(t *testing.T) {
	called := false
	f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		called = true
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	})

	req := deepseekRequest()
	req.Provider = ""
	resp, err := f.client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "ok", resp.Content())
}
