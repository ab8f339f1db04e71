// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gateway exposes the Embedder gRPC service over HTTP, as JSON
// endpoints and as a WebSocket channel for browser clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/nlpodyssey/voiceflow/api"
	corspkg "github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// maxRequestSize limits the size of JSON request bodies and WebSocket
// messages.
const maxRequestSize = 32 << 20

// Options configures the gateway.
type Options struct {
	// AllowedOrigins lists the origins allowed by CORS and by the
	// WebSocket handshake. "*" allows any origin.
	AllowedOrigins []string
	// Auth authenticates the requests. Nil disables authentication.
	Auth *Auth
	// RequestTimeout bounds each call to the gRPC service. Zero means no
	// timeout.
	RequestTimeout time.Duration
}

type Gateway struct {
	client  api.EmbedderClient
	opts    Options
	handler http.Handler
}

func New(client api.EmbedderClient, opts Options) *Gateway {
	g := &Gateway{client: client, opts: opts}

	mux := http.NewServeMux()
	mux.Handle("/embed", jsonHandler(g, g.client.Embed))
	mux.Handle("/enroll", jsonHandler(g, g.client.Enroll))
	mux.Handle("/verify", jsonHandler(g, g.client.Verify))
	mux.Handle("/identify", jsonHandler(g, g.client.Identify))
	mux.HandleFunc("/ws", g.serveWebSocket)

	var handler http.Handler = mux
	if opts.Auth != nil {
		mux.HandleFunc("/signout", opts.Auth.SignOut)
		handler = opts.Auth.MiddlewareHandler(handler)
	}
	g.handler = newCORS(opts.AllowedOrigins).Handler(handler)
	return g
}

func newCORS(allowedOrigins []string) *corspkg.Cors {
	return corspkg.New(corspkg.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r)
}

// Serve serves HTTP on the listener until the context is done, then
// shuts down gracefully.
func (g *Gateway) Serve(ctx context.Context, lis net.Listener) error {
	s := &http.Server{
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Msgf("gateway listening on %v", lis.Addr())
		if err := s.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		log.Info().Msg("gateway shut down successfully")
		return nil
	})
	return eg.Wait()
}

func (g *Gateway) callContext(parent context.Context) (context.Context, context.CancelFunc) {
	if g.opts.RequestTimeout > 0 {
		return context.WithTimeout(parent, g.opts.RequestTimeout)
	}
	return context.WithCancel(parent)
}

// jsonHandler serves a POST endpoint forwarding the decoded request to
// the given client method.
func jsonHandler[Req, Resp any](g *Gateway, call func(context.Context, *Req, ...grpc.CallOption) (*Resp, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		req := new(Req)
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize))
		if err := dec.Decode(req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to decode request: %v", err))
			return
		}

		ctx, cancel := g.callContext(r.Context())
		defer cancel()
		resp, err := call(ctx, req)
		if err != nil {
			st := status.Convert(err)
			log.Debug().Str("path", r.URL.Path).Stringer("code", st.Code()).Msg(st.Message())
			writeError(w, httpStatus(st.Code()), st.Message())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err = json.NewEncoder(w).Encode(resp); err != nil {
			log.Warn().Err(err).Msg("failed to write response")
		}
	})
}

type errorResponse struct {
	Errors []errorMessage `json:"errors"`
}

type errorMessage struct {
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{Errors: []errorMessage{{Message: message}}})
}

// httpStatus maps a gRPC status code to the closest HTTP status.
func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return http.StatusRequestTimeout
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage is a request sent over the WebSocket channel. Type is one
// of "embed", "enroll", "verify" or "identify". ID is echoed back in the
// reply.
type ClientMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Speaker   string          `json:"speaker,omitempty"`
	Sequences []*api.Sequence `json:"sequences,omitempty"`
	Threshold float64         `json:"threshold,omitempty"`
}

// ServerMessage is a reply sent over the WebSocket channel. Type is one
// of "embeddings", "enrolled", "match" or "error".
type ServerMessage struct {
	Type       string              `json:"type"`
	ID         string              `json:"id,omitempty"`
	Embeddings []*api.Embedding    `json:"embeddings,omitempty"`
	Enrolled   *api.EnrollResponse `json:"enrolled,omitempty"`
	Match      *api.MatchResponse  `json:"match,omitempty"`
	Error      string              `json:"error,omitempty"`
}

var errUnexpectedMessage = errors.New("unexpected message type")

func (g *Gateway) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, g.acceptOptions())
	if err != nil {
		log.Err(err).Msg("websocket.Accept error")
		return
	}
	defer func() {
		_ = c.Close(websocket.StatusInternalError, "")
	}()
	c.SetReadLimit(maxRequestSize)

	ctx := r.Context()
	for {
		var msg ClientMessage
		if err = wsjson.Read(ctx, c, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				_ = c.Close(websocket.StatusNormalClosure, "")
				return
			}
			log.Warn().Err(err).Msg("failed to read JSON message")
			return
		}

		reply := g.handleMessage(ctx, msg)
		if err = wsjson.Write(ctx, c, reply); err != nil {
			log.Warn().Err(err).Msg("failed to write message")
			return
		}
	}
}

func (g *Gateway) acceptOptions() *websocket.AcceptOptions {
	var patterns []string
	for _, origin := range g.opts.AllowedOrigins {
		if origin == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		} else {
			patterns = append(patterns, origin)
		}
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

func (g *Gateway) handleMessage(parent context.Context, msg ClientMessage) ServerMessage {
	ctx, cancel := g.callContext(parent)
	defer cancel()

	log.Trace().Str("type", msg.Type).Str("id", msg.ID).Msg("websocket message")

	reply := ServerMessage{ID: msg.ID}
	var err error
	switch msg.Type {
	case "embed":
		var resp *api.EmbedResponse
		if resp, err = g.client.Embed(ctx, &api.EmbedRequest{Sequences: msg.Sequences}); err == nil {
			reply.Type, reply.Embeddings = "embeddings", resp.Embeddings
		}
	case "enroll":
		var resp *api.EnrollResponse
		if resp, err = g.client.Enroll(ctx, &api.EnrollRequest{Speaker: msg.Speaker, Sequences: msg.Sequences}); err == nil {
			reply.Type, reply.Enrolled = "enrolled", resp
		}
	case "verify", "identify":
		var seq *api.Sequence
		if seq, err = singleSequence(msg.Sequences); err != nil {
			break
		}
		var resp *api.MatchResponse
		if msg.Type == "verify" {
			resp, err = g.client.Verify(ctx, &api.VerifyRequest{Speaker: msg.Speaker, Sequence: seq, Threshold: msg.Threshold})
		} else {
			resp, err = g.client.Identify(ctx, &api.IdentifyRequest{Sequence: seq, Threshold: msg.Threshold})
		}
		if err == nil {
			reply.Type, reply.Match = "match", resp
		}
	default:
		err = fmt.Errorf("%w: %q", errUnexpectedMessage, msg.Type)
	}

	if err != nil {
		if st, ok := status.FromError(err); ok {
			err = errors.New(st.Message())
		}
		log.Debug().Err(err).Str("type", msg.Type).Msg("websocket request failed")
		return ServerMessage{Type: "error", ID: msg.ID, Error: err.Error()}
	}
	return reply
}

func singleSequence(seqs []*api.Sequence) (*api.Sequence, error) {
	if len(seqs) != 1 {
		return nil, fmt.Errorf("expected exactly one sequence, got %d", len(seqs))
	}
	return seqs[0], nil
}
