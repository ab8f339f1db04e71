// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nlpodyssey/voiceflow/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// fakeClient embeds each sequence as its length and knows a single
// speaker, "alice".
type fakeClient struct{}

func (fakeClient) Embed(_ context.Context, in *api.EmbedRequest, _ ...grpc.CallOption) (*api.EmbedResponse, error) {
	if len(in.Sequences) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty input: no sequences")
	}
	resp := &api.EmbedResponse{}
	for _, s := range in.Sequences {
		resp.Embeddings = append(resp.Embeddings, &api.Embedding{Values: []float32{float32(len(s.GetFrames()))}})
	}
	return resp, nil
}

func (fakeClient) Enroll(_ context.Context, in *api.EnrollRequest, _ ...grpc.CallOption) (*api.EnrollResponse, error) {
	return &api.EnrollResponse{Speaker: in.Speaker, Samples: int32(len(in.Sequences))}, nil
}

func (fakeClient) Verify(_ context.Context, in *api.VerifyRequest, _ ...grpc.CallOption) (*api.MatchResponse, error) {
	if in.Speaker != "alice" {
		return nil, status.Error(codes.NotFound, "unknown speaker")
	}
	return &api.MatchResponse{Speaker: in.Speaker, Score: 0.9, Accepted: true}, nil
}

func (fakeClient) Identify(context.Context, *api.IdentifyRequest, ...grpc.CallOption) (*api.MatchResponse, error) {
	return &api.MatchResponse{Speaker: "alice", Score: 0.8, Accepted: true}, nil
}

func postJSON(t *testing.T, client *http.Client, url string, body any, modify ...func(*http.Request)) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	for _, m := range modify {
		m(req)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestGateway_JSONEndpoints(t *testing.T) {
	srv := httptest.NewServer(New(fakeClient{}, Options{AllowedOrigins: []string{"*"}}))
	defer srv.Close()

	resp := postJSON(t, srv.Client(), srv.URL+"/embed", api.EmbedRequest{
		Sequences: []*api.Sequence{{Frames: [][]float32{{1}, {2}}}, {Frames: [][]float32{{1}}}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	embedded := decode[api.EmbedResponse](t, resp)
	require.Len(t, embedded.Embeddings, 2)
	assert.Equal(t, []float32{2}, embedded.Embeddings[0].Values)
	assert.Equal(t, []float32{1}, embedded.Embeddings[1].Values)

	resp = postJSON(t, srv.Client(), srv.URL+"/enroll", api.EnrollRequest{
		Speaker: "bob", Sequences: []*api.Sequence{{}, {}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, api.EnrollResponse{Speaker: "bob", Samples: 2}, decode[api.EnrollResponse](t, resp))

	resp = postJSON(t, srv.Client(), srv.URL+"/identify", api.IdentifyRequest{Sequence: &api.Sequence{}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", decode[api.MatchResponse](t, resp).Speaker)
}

func TestGateway_JSONErrors(t *testing.T) {
	srv := httptest.NewServer(New(fakeClient{}, Options{}))
	defer srv.Close()

	resp := postJSON(t, srv.Client(), srv.URL+"/embed", api.EmbedRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "empty input: no sequences", decode[errorResponse](t, resp).Errors[0].Message)

	resp = postJSON(t, srv.Client(), srv.URL+"/verify", api.VerifyRequest{Speaker: "bob"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	getResp, err := srv.Client().Get(srv.URL + "/embed")
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)

	badResp, err := srv.Client().Post(srv.URL+"/embed", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer badResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)
}

func TestGateway_Auth(t *testing.T) {
	db, err := OpenUsers(filepath.Join(t.TempDir(), "users.sqlite"))
	require.NoError(t, err)
	require.NoError(t, CreateUserIfNoUsers(db, "admin", "secret"))
	require.NoError(t, CreateUserIfNoUsers(db, "other", "ignored"))

	var count int64
	require.NoError(t, db.Model(&User{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	const key = "01234567890123456789012345678901"
	auth := NewAuth(db, key, key, time.Hour)
	srv := httptest.NewServer(New(fakeClient{}, Options{Auth: auth}))
	defer srv.Close()

	body := api.IdentifyRequest{Sequence: &api.Sequence{}}

	resp := postJSON(t, srv.Client(), srv.URL+"/identify", body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, srv.Client(), srv.URL+"/identify", body, func(r *http.Request) {
		r.SetBasicAuth("admin", "wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, srv.Client(), srv.URL+"/identify", body, func(r *http.Request) {
		r.SetBasicAuth("admin", "secret")
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, cookieName, cookies[0].Name)

	resp = postJSON(t, srv.Client(), srv.URL+"/identify", body, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: cookies[0].Name, Value: cookies[0].Value})
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.Client(), srv.URL+"/identify", body, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: cookieName, Value: "forged"})
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_WebSocket(t *testing.T) {
	srv := httptest.NewServer(New(fakeClient{}, Options{AllowedOrigins: []string{"*"}}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

	exchange := func(msg ClientMessage) ServerMessage {
		require.NoError(t, wsjson.Write(ctx, c, msg))
		var reply ServerMessage
		require.NoError(t, wsjson.Read(ctx, c, &reply))
		return reply
	}

	reply := exchange(ClientMessage{Type: "embed", ID: "1", Sequences: []*api.Sequence{{Frames: [][]float32{{1}, {2}, {3}}}}})
	assert.Equal(t, "embeddings", reply.Type)
	assert.Equal(t, "1", reply.ID)
	require.Len(t, reply.Embeddings, 1)
	assert.Equal(t, []float32{3}, reply.Embeddings[0].Values)

	reply = exchange(ClientMessage{Type: "verify", ID: "2", Speaker: "alice", Sequences: []*api.Sequence{{}}})
	assert.Equal(t, "match", reply.Type)
	assert.True(t, reply.Match.Accepted)

	reply = exchange(ClientMessage{Type: "verify", ID: "3", Speaker: "bob", Sequences: []*api.Sequence{{}}})
	assert.Equal(t, ServerMessage{Type: "error", ID: "3", Error: "unknown speaker"}, reply)

	reply = exchange(ClientMessage{Type: "identify", ID: "4"})
	assert.Equal(t, "error", reply.Type)
	assert.Contains(t, reply.Error, "exactly one sequence")

	reply = exchange(ClientMessage{Type: "enroll", ID: "5", Speaker: "carol", Sequences: []*api.Sequence{{}}})
	assert.Equal(t, "enrolled", reply.Type)
	assert.Equal(t, int32(1), reply.Enrolled.Samples)

	reply = exchange(ClientMessage{Type: "generate", ID: "6"})
	assert.Equal(t, "error", reply.Type)
	assert.Contains(t, reply.Error, errUnexpectedMessage.Error())
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, httpStatus(codes.InvalidArgument))
	assert.Equal(t, http.StatusPreconditionFailed, httpStatus(codes.FailedPrecondition))
	assert.Equal(t, http.StatusNotImplemented, httpStatus(codes.Unimplemented))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(codes.Internal))
}

func TestGateway_AcceptOptions(t *testing.T) {
	g := New(fakeClient{}, Options{AllowedOrigins: []string{"https://example.com", "localhost:3000"}})
	assert.Equal(t, []string{"example.com", "localhost:3000"}, g.acceptOptions().OriginPatterns)

	g = New(fakeClient{}, Options{AllowedOrigins: []string{"*"}})
	assert.True(t, g.acceptOptions().InsecureSkipVerify)
}
