// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/nlpodyssey/voiceflow"
	"github.com/nlpodyssey/voiceflow/api"
	"github.com/nlpodyssey/voiceflow/clopinet"
	"github.com/nlpodyssey/voiceflow/enrollment"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type Server struct {
	api.UnimplementedEmbedderServer
	vf         *voiceflow.VoiceFlow
	health     *health.Server
	grpcServer *grpc.Server
	// threshold is used when a request does not set one.
	threshold float64
}

func NewServer(vf *voiceflow.VoiceFlow, threshold float64) *Server {
	if threshold == 0 {
		threshold = enrollment.DefaultThreshold
	}
	s := &Server{
		vf:        vf,
		health:    health.NewServer(),
		threshold: threshold,
	}
	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(logRequests))
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	api.RegisterEmbedderServer(s.grpcServer, s)
	return s
}

// Start listens on the address and serves until the context is done.
func (s *Server) Start(ctx context.Context, address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	log.Info().Str("address", lis.Addr().String()).Msg("server listening")
	return s.Serve(ctx, lis)
}

// Serve serves on the listener until the context is done, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.health.SetServingStatus(api.Embedder_ServiceDesc.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.grpcServer.Serve(lis)
	})
	g.Go(func() error {
		s.shutDownServerWhenContextIsDone(ctx)
		return nil
	})
	return g.Wait()
}

// shutDownServerWhenContextIsDone shuts down the server when the context is done.
func (s *Server) shutDownServerWhenContextIsDone(ctx context.Context) {
	<-ctx.Done()
	log.Info().Msg("context done, shutting down server")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	log.Info().Msg("server shut down successfully")
}

// Embed implements the Embed method of the Embedder service.
func (s *Server) Embed(ctx context.Context, req *api.EmbedRequest) (*api.EmbedResponse, error) {
	embeddings, err := s.vf.Embed(ctx, framesOf(req.GetSequences()))
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &api.EmbedResponse{Embeddings: make([]*api.Embedding, len(embeddings))}
	for i, e := range embeddings {
		resp.Embeddings[i] = &api.Embedding{Values: e.Values, Cached: e.Cached}
	}
	return resp, nil
}

// Enroll implements the Enroll method of the Embedder service.
func (s *Server) Enroll(ctx context.Context, req *api.EnrollRequest) (*api.EnrollResponse, error) {
	speaker, err := s.vf.Enroll(ctx, req.GetSpeaker(), framesOf(req.GetSequences()))
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.EnrollResponse{Speaker: speaker.Name, Samples: int32(speaker.Samples)}, nil
}

// Verify implements the Verify method of the Embedder service.
func (s *Server) Verify(ctx context.Context, req *api.VerifyRequest) (*api.MatchResponse, error) {
	m, err := s.vf.Verify(ctx, req.GetSpeaker(), req.GetSequence().GetFrames(), s.thresholdOf(req.GetThreshold()))
	if err != nil {
		return nil, toStatus(err)
	}
	return matchResponse(m), nil
}

// Identify implements the Identify method of the Embedder service.
func (s *Server) Identify(ctx context.Context, req *api.IdentifyRequest) (*api.MatchResponse, error) {
	m, err := s.vf.Identify(ctx, req.GetSequence().GetFrames(), s.thresholdOf(req.GetThreshold()))
	if err != nil {
		return nil, toStatus(err)
	}
	return matchResponse(m), nil
}

func (s *Server) thresholdOf(t float64) float64 {
	if t == 0 {
		return s.threshold
	}
	return t
}

func framesOf(seqs []*api.Sequence) [][][]float32 {
	out := make([][][]float32, len(seqs))
	for i, s := range seqs {
		out[i] = s.GetFrames()
	}
	return out
}

func matchResponse(m enrollment.Match) *api.MatchResponse {
	return &api.MatchResponse{Speaker: m.Speaker, Score: m.Score, Accepted: m.Accepted}
}

// toStatus maps the library errors to gRPC status errors.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, clopinet.ErrNotImplemented):
		code = codes.Unimplemented
	case errors.Is(err, clopinet.ErrInvalidConfig),
		errors.Is(err, clopinet.ErrDimensionMismatch),
		errors.Is(err, clopinet.ErrEmptyInput),
		errors.Is(err, clopinet.ErrRaggedBatch),
		errors.Is(err, clopinet.ErrInvalidInput),
		errors.Is(err, clopinet.ErrBatchTooSmall),
		errors.Is(err, enrollment.ErrInvalidEmbedding):
		code = codes.InvalidArgument
	case errors.Is(err, enrollment.ErrUnknownSpeaker):
		code = codes.NotFound
	case errors.Is(err, voiceflow.ErrEnrollmentDisabled):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// logRequests logs every call with a request id.
func logRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	logger := log.With().Str("request-id", uuid.NewString()).Str("method", info.FullMethod).Logger()
	logger.Debug().Msg("request received")

	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("request failed")
		return nil, err
	}
	logger.Debug().Dur("elapsed", time.Since(start)).Msg("request served")
	return resp, nil
}
