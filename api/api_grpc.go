// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	Embedder_Embed_FullMethodName    = "/voiceflow.Embedder/Embed"
	Embedder_Enroll_FullMethodName   = "/voiceflow.Embedder/Enroll"
	Embedder_Verify_FullMethodName   = "/voiceflow.Embedder/Verify"
	Embedder_Identify_FullMethodName = "/voiceflow.Embedder/Identify"
)

// EmbedderClient is the client API for Embedder service.
type EmbedderClient interface {
	Embed(ctx context.Context, in *EmbedRequest, opts ...grpc.CallOption) (*EmbedResponse, error)
	Enroll(ctx context.Context, in *EnrollRequest, opts ...grpc.CallOption) (*EnrollResponse, error)
	Verify(ctx context.Context, in *VerifyRequest, opts ...grpc.CallOption) (*MatchResponse, error)
	Identify(ctx context.Context, in *IdentifyRequest, opts ...grpc.CallOption) (*MatchResponse, error)
}

type embedderClient struct {
	cc grpc.ClientConnInterface
}

// NewEmbedderClient returns a client using the JSON codec.
func NewEmbedderClient(cc grpc.ClientConnInterface) EmbedderClient {
	return &embedderClient{cc}
}

func (c *embedderClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *embedderClient) Embed(ctx context.Context, in *EmbedRequest, opts ...grpc.CallOption) (*EmbedResponse, error) {
	out := new(EmbedResponse)
	if err := c.invoke(ctx, Embedder_Embed_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *embedderClient) Enroll(ctx context.Context, in *EnrollRequest, opts ...grpc.CallOption) (*EnrollResponse, error) {
	out := new(EnrollResponse)
	if err := c.invoke(ctx, Embedder_Enroll_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *embedderClient) Verify(ctx context.Context, in *VerifyRequest, opts ...grpc.CallOption) (*MatchResponse, error) {
	out := new(MatchResponse)
	if err := c.invoke(ctx, Embedder_Verify_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *embedderClient) Identify(ctx context.Context, in *IdentifyRequest, opts ...grpc.CallOption) (*MatchResponse, error) {
	out := new(MatchResponse)
	if err := c.invoke(ctx, Embedder_Identify_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedderServer is the server API for Embedder service.
// All implementations must embed UnimplementedEmbedderServer
// for forward compatibility.
type EmbedderServer interface {
	Embed(context.Context, *EmbedRequest) (*EmbedResponse, error)
	Enroll(context.Context, *EnrollRequest) (*EnrollResponse, error)
	Verify(context.Context, *VerifyRequest) (*MatchResponse, error)
	Identify(context.Context, *IdentifyRequest) (*MatchResponse, error)
	mustEmbedUnimplementedEmbedderServer()
}

// UnimplementedEmbedderServer must be embedded to have forward compatible implementations.
type UnimplementedEmbedderServer struct{}

func (UnimplementedEmbedderServer) Embed(context.Context, *EmbedRequest) (*EmbedResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Embed not implemented")
}
func (UnimplementedEmbedderServer) Enroll(context.Context, *EnrollRequest) (*EnrollResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Enroll not implemented")
}
func (UnimplementedEmbedderServer) Verify(context.Context, *VerifyRequest) (*MatchResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Verify not implemented")
}
func (UnimplementedEmbedderServer) Identify(context.Context, *IdentifyRequest) (*MatchResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Identify not implemented")
}
func (UnimplementedEmbedderServer) mustEmbedUnimplementedEmbedderServer() {}

func RegisterEmbedderServer(s grpc.ServiceRegistrar, srv EmbedderServer) {
	s.RegisterService(&Embedder_ServiceDesc, srv)
}

// unaryHandler adapts a typed method of EmbedderServer to a gRPC method handler.
func unaryHandler[Req any](method string, call func(EmbedderServer, context.Context, *Req) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EmbedderServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(EmbedderServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Embedder_ServiceDesc is the grpc.ServiceDesc for Embedder service.
var Embedder_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "voiceflow.Embedder",
	HandlerType: (*EmbedderServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Embed",
			Handler: unaryHandler(Embedder_Embed_FullMethodName, func(s EmbedderServer, ctx context.Context, in *EmbedRequest) (any, error) {
				return s.Embed(ctx, in)
			}),
		},
		{
			MethodName: "Enroll",
			Handler: unaryHandler(Embedder_Enroll_FullMethodName, func(s EmbedderServer, ctx context.Context, in *EnrollRequest) (any, error) {
				return s.Enroll(ctx, in)
			}),
		},
		{
			MethodName: "Verify",
			Handler: unaryHandler(Embedder_Verify_FullMethodName, func(s EmbedderServer, ctx context.Context, in *VerifyRequest) (any, error) {
				return s.Verify(ctx, in)
			}),
		},
		{
			MethodName: "Identify",
			Handler: unaryHandler(Embedder_Identify_FullMethodName, func(s EmbedderServer, ctx context.Context, in *IdentifyRequest) (any, error) {
				return s.Identify(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "voiceflow.Embedder",
}
