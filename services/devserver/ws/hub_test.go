// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glows777/mini-vite/services/devserver/protocol"
)

// =============================================================================
// Helpers
// =============================================================================

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := websocket.Dialer{Subprotocols: []string{protocol.Subprotocol}}
	conn, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.Subprotocol, resp.Header.Get("Sec-WebSocket-Protocol"))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPayload(t *testing.T, conn *websocket.Conn) protocol.Payload {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	p, err := protocol.Decode(data)
	require.NoError(t, err)
	return p
}

// =============================================================================
// Tests
// =============================================================================

// TestHub_ConnectedGreeting verifies a new client first receives connected.
func TestHub_ConnectedGreeting(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	assert.Equal(t, protocol.TypeConnected, readPayload(t, conn).Type)
	assert.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
}

// TestHub_BroadcastOrder verifies every client sees payloads in send order.
func TestHub_BroadcastOrder(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	readPayload(t, a)
	readPayload(t, b)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 10*time.Millisecond)

	hub.Send(protocol.NewUpdate(protocol.Update{Type: protocol.UpdateJS, Path: "/a.js", AcceptedPath: "/a.js", Timestamp: 1}))
	hub.Send(protocol.Prune([]string{"/b.js"}))
	hub.Send(protocol.FullReload("/index.html"))

	for _, conn := range []*websocket.Conn{a, b} {
		first := readPayload(t, conn)
		require.Equal(t, protocol.TypeUpdate, first.Type)
		assert.Equal(t, "/a.js", first.Updates[0].Path)
		assert.Equal(t, protocol.TypePrune, readPayload(t, conn).Type)
		last := readPayload(t, conn)
		assert.Equal(t, protocol.TypeFullReload, last.Type)
		assert.Equal(t, "/index.html", last.Path)
	}
}

// TestHub_IgnoresPing verifies client pings do not disconnect the client.
func TestHub_IgnoresPing(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	readPayload(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	hub.Send(protocol.Log("hello"))
	p := readPayload(t, conn)
	assert.Equal(t, protocol.TypeLog, p.Type)
	assert.Equal(t, "hello", p.Data)
}

// TestHub_Disconnect verifies closed clients are removed.
func TestHub_Disconnect(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	readPayload(t, conn)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// TestHub_SlowClientDropped verifies a full queue disconnects only that client.
func TestHub_SlowClientDropped(t *testing.T) {
	hub := NewHub(WithQueueSize(1))
	slow := &client{id: "slow", send: make(chan []byte, 1), done: make(chan struct{})}
	fast := &client{id: "fast", send: make(chan []byte, 8), done: make(chan struct{})}
	hub.clients[slow.id] = slow
	hub.clients[fast.id] = fast

	hub.Send(protocol.Log("one"))
	hub.Send(protocol.Log("two"))

	assert.Equal(t, 1, hub.Clients())
	select {
	case <-slow.done:
	default:
		t.Fatal("slow client was not closed")
	}
	assert.Len(t, fast.send, 2)
}

// TestHub_Close verifies Close rejects later connections.
func TestHub_Close(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	readPayload(t, conn)
	hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.Clients())
}

// TestHub_RejectsPlainHTTP verifies non-upgrade requests are refused.
func TestHub_RejectsPlainHTTP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/", NewHub().Handler())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
}
