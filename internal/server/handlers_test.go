package server_test

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoints(t *testing.T) {
	srv := testhelpers.StartChatServer(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, srv.HTTP.URL+"/")
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "text/plain")

	resp = testhelpers.MakeRequest(t, http.MethodGet, srv.HTTP.URL+"/healthz")
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "application/json")

	var status struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	testhelpers.DecodeJSON(t, resp, &status)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, 0, status.Connections)
}

func TestTestPage(t *testing.T) {
	srv := testhelpers.StartChatServer(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, srv.HTTP.URL+"/test")
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "text/html")
}

// TestWebSocketHandlerMethodValidation verifies that only GET may reach the
// websocket endpoint.
func TestWebSocketHandlerMethodValidation(t *testing.T) {
	srv := testhelpers.StartChatServer(t, nil)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		t.Run(method, func(t *testing.T) {
			resp := testhelpers.MakeRequest(t, method, srv.HTTP.URL+"/ws")
			testhelpers.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
		})
	}

	resp := testhelpers.MakeRequest(t, http.MethodGet, srv.HTTP.URL+"/ws")
	testhelpers.AssertStatusCode(t, resp, http.StatusBadRequest)
}

func TestUnknownRoute(t *testing.T) {
	srv := testhelpers.StartChatServer(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, srv.HTTP.URL+"/nope")
	testhelpers.AssertStatusCode(t, resp, http.StatusNotFound)
}

func TestRoomAPI(t *testing.T) {
	srv := testhelpers.StartChatServer(t, nil)
	ctx := context.Background()

	_, err := srv.Registry.Upsert("c1", "bo", "lobby")
	require.NoError(t, err)
	_, err = srv.Registry.Upsert("c2", "sam", "lobby")
	require.NoError(t, err)
	_, err = srv.Registry.Upsert("c3", "eve", "dev ops")
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		_, err := srv.Log.Append(ctx, "lobby", "bo", text)
		require.NoError(t, err)
	}

	t.Run("rooms", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, srv.HTTP.URL+"/api/rooms")
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)

		var rooms []presence.RoomSummary
		testhelpers.DecodeJSON(t, resp, &rooms)
		assert.Equal(t, []presence.RoomSummary{
			{Name: "dev ops", Members: 1},
			{Name: "lobby", Members: 2},
		}, rooms)
	})

	t.Run("users", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, srv.HTTP.URL+"/api/rooms/lobby/users")
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)

		var names []string
		testhelpers.DecodeJSON(t, resp, &names)
		assert.ElementsMatch(t, []string{"bo", "sam"}, names)
	})

	t.Run("users of escaped room", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, srv.HTTP.URL+"/api/rooms/"+url.PathEscape("dev ops")+"/users")
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)

		var names []string
		testhelpers.DecodeJSON(t, resp, &names)
		assert.Equal(t, []string{"eve"}, names)
	})

	t.Run("users of empty room", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, srv.HTTP.URL+"/api/rooms/void/users")
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)

		var names []string
		testhelpers.DecodeJSON(t, resp, &names)
		assert.NotNil(t, names)
		assert.Empty(t, names)
	})

	t.Run("messages", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, srv.HTTP.URL+"/api/rooms/lobby/messages?limit=2")
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)

		var msgs []protocol.ChatMessage
		testhelpers.DecodeJSON(t, resp, &msgs)
		require.Len(t, msgs, 2)
		assert.Equal(t, "two", msgs[0].Text)
		assert.Equal(t, "three", msgs[1].Text)
		assert.Equal(t, "lobby", msgs[0].Room)
	})

	t.Run("messages default limit", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, srv.HTTP.URL+"/api/rooms/lobby/messages")
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)

		var msgs []protocol.ChatMessage
		testhelpers.DecodeJSON(t, resp, &msgs)
		assert.Len(t, msgs, 3)
	})

	t.Run("messages bad limit", func(t *testing.T) {
		for _, limit := range []string{"0", "-3", "many"} {
			resp := testhelpers.MakeRequest(t, http.MethodGet, srv.HTTP.URL+"/api/rooms/lobby/messages?limit="+limit)
			testhelpers.AssertStatusCode(t, resp, http.StatusBadRequest)
		}
	})
}

func TestRoomMessagesCappedAtHistoryLimit(t *testing.T) {
	srv := testhelpers.StartChatServer(t, nil)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		_, err := srv.Log.Append(ctx, "lobby", "bo", strings.Repeat("x", i+1))
		require.NoError(t, err)
	}

	resp := testhelpers.MakeRequest(t, http.MethodGet, srv.HTTP.URL+"/api/rooms/lobby/messages?limit=500")
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	var msgs []protocol.ChatMessage
	testhelpers.DecodeJSON(t, resp, &msgs)
	require.Len(t, msgs, 50)
	assert.Len(t, msgs[49].Text, 60)
}
