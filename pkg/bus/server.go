package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/llm"
	"github.com/germanamz/pagechat/pkg/orchestrator"
	"github.com/germanamz/pagechat/pkg/reqcache"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

const maxEnvelopeBytes = 4 << 20

// Server exposes a Router over HTTP and WebSocket.
type Server struct {
	router  *Router
	asker   *orchestrator.Orchestrator
	cache   *reqcache.Cache
	origins []string
	log     zerolog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) ServerOption { return func(s *Server) { s.log = l } }

// WithCache exposes c on /v1/cache/stats.
func WithCache(c *reqcache.Cache) ServerOption { return func(s *Server) { s.cache = c } }

// WithAllowedOrigins restricts CORS origins. The default allows any origin.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) { s.origins = origins }
}

// NewServer returns a Server that dispatches through r and streams chat
// requests on the WebSocket endpoint through o.
func NewServer(r *Router, o *orchestrator.Orchestrator, opts ...ServerOption) *Server {
	s := &Server{router: r, asker: o, origins: []string{"*"}, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/bus", s.post)
		r.Get("/bus/ws", s.socket)
		r.Get("/cache/stats", s.cacheStats)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		event := s.log.Debug()
		if status >= 500 {
			event = s.log.Error()
		} else if status >= 400 {
			event = s.log.Warn()
		}

		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	if s.cache == nil {
		writeJSON(w, http.StatusNotFound, ErrorPayload{Error: ErrorBodyOf(chaterr.New(chaterr.Validation, "cache is not configured"))})
		return
	}
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

// post answers a single envelope. Bus-level failures are still 200s with an
// error envelope; only an unreadable body is a 400.
func (s *Server) post(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEnvelopeBytes)).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorEnvelope("", chaterr.Wrap(chaterr.Validation, err, "malformed envelope")))
		return
	}

	writeJSON(w, http.StatusOK, s.router.Dispatch(r.Context(), env))
}

// socket serves a bidirectional envelope stream. Envelopes are answered in
// arrival order. A chat_request with stream set is answered with chat_chunk
// envelopes followed by one chat_response. Closing the socket cancels the
// envelope being answered.
func (s *Server) socket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxEnvelopeBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbox := make(chan Envelope)
	go func() {
		defer cancel()
		for {
			var env Envelope
			if err := wsjson.Read(ctx, conn, &env); err != nil {
				if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
					s.log.Debug().Err(err).Msg("websocket read ended")
				}
				return
			}
			select {
			case inbox <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-inbox:
			if err := s.answer(ctx, conn, env); err != nil {
				s.log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

func (s *Server) answer(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	if env.Type == ChatRequest {
		var in orchestrator.AskInput
		if err := env.Decode(&in); err != nil {
			return wsjson.Write(ctx, conn, ErrorEnvelope(env.ID, err))
		}
		if in.Stream {
			return s.streamChat(ctx, conn, env.ID, in)
		}
	}

	return wsjson.Write(ctx, conn, s.router.Dispatch(ctx, env))
}

func (s *Server) streamChat(ctx context.Context, conn *websocket.Conn, id string, in orchestrator.AskInput) error {
	reply := func(err error) error {
		env, _ := NewEnvelope(ChatResponse, id, ChatReply{Error: ErrorBodyOf(err)})
		return wsjson.Write(ctx, conn, env)
	}

	stream, err := s.asker.AskStream(ctx, in)
	if err != nil {
		return reply(err)
	}
	defer func() { _ = stream.Close() }()

	requestID := stream.Info().RequestID
	for c, err := range stream.All(ctx) {
		if err != nil {
			return reply(err)
		}
		if c.Type != llm.ChunkContent || c.Delta == "" {
			continue
		}

		env, err := NewEnvelope(ChatChunk, id, ChunkPayload{RequestID: requestID, Delta: c.Delta})
		if err != nil {
			return err
		}
		if err := wsjson.Write(ctx, conn, env); err != nil {
			return err
		}
	}

	info := stream.Info()
	if info.Response == nil {
		return reply(chaterr.New(chaterr.ProviderMalformedResponse, "stream ended without a final response"))
	}

	env, err := NewEnvelope(ChatResponse, id, replyOf(info))
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
