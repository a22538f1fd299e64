// Copyright (c) 2024 The scanwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/electrumsuite/scanwallet/scan"
)

// fakeServer is a minimal Electrum protocol server for exercising the
// client and handler against a real connection.
type fakeServer struct {
	t        *testing.T
	listener net.Listener

	mu sync.Mutex
	// statuses maps script hash to its subscription status.  Absent
	// hashes report null (never used).
	statuses map[string]string
	// histories maps script hash to the history returned for it.
	histories map[string][]HistoryEntry

	subscribed   map[string]int
	unsubscribed map[string]int

	conn net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &fakeServer{
		t:            t,
		listener:     listener,
		statuses:     make(map[string]string),
		histories:    make(map[string][]HistoryEntry),
		subscribed:   make(map[string]int),
		unsubscribed: make(map[string]int),
	}
	go server.acceptLoop()
	t.Cleanup(func() {
		listener.Close()
		server.mu.Lock()
		if server.conn != nil {
			server.conn.Close()
		}
		server.mu.Unlock()
	})
	return server
}

func (s *fakeServer) addr() string {
	return s.listener.Addr().String()
}

func (s *fakeServer) setStatus(scriptHash, status string,
	history []HistoryEntry) {

	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[scriptHash] = status
	s.histories[scriptHash] = history
}

func (s *fakeServer) unsubscribeCount(scriptHash string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed[scriptHash]
}

// notify pushes a status notification for a script hash.
func (s *fakeServer) notify(scriptHash, status string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	require.NotNil(s.t, conn)

	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  methodSubscribe,
		"params":  []interface{}{scriptHash, status},
	})
	require.NoError(s.t, err)
	_, err = conn.Write(append(payload, '\n'))
	require.NoError(s.t, err)
}

func (s *fakeServer) acceptLoop() {
	conn, err := s.listener.Accept()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.serve(conn)
}

func (s *fakeServer) serve(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		var request rpcRequest
		if err := json.Unmarshal(scanner.Bytes(), &request); err != nil {
			continue
		}

		var result interface{}
		switch request.Method {
		case "server.version":
			result = []string{"FakeElectrumX 1.0", protocolVersion}

		case methodSubscribe:
			scriptHash := request.Params[0].(string)
			s.mu.Lock()
			s.subscribed[scriptHash]++
			status, ok := s.statuses[scriptHash]
			s.mu.Unlock()
			if ok {
				result = status
			} else {
				result = nil
			}

		case "blockchain.scripthash.get_history":
			scriptHash := request.Params[0].(string)
			s.mu.Lock()
			history := s.histories[scriptHash]
			s.mu.Unlock()
			if history == nil {
				history = []HistoryEntry{}
			}
			result = history

		case "blockchain.scripthash.unsubscribe":
			scriptHash := request.Params[0].(string)
			s.mu.Lock()
			s.unsubscribed[scriptHash]++
			s.mu.Unlock()
			result = true

		default:
			s.writeError(conn, request.ID, fmt.Sprintf(
				"unknown method %q", request.Method))
			continue
		}

		payload, err := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      request.ID,
			"result":  result,
		})
		if err != nil {
			s.t.Errorf("marshal response: %v", err)
			return
		}
		if _, err := conn.Write(append(payload, '\n')); err != nil {
			return
		}
	}
}

func (s *fakeServer) writeError(conn net.Conn, id uint64, message string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]interface{}{"code": 1, "message": message},
	})
	conn.Write(append(payload, '\n'))
}

func startTestClient(t *testing.T, server *fakeServer) *Client {
	t.Helper()

	client := NewClient(&Config{Addr: server.addr()})
	require.NoError(t, client.Start())
	t.Cleanup(func() {
		client.Stop()
		client.WaitForShutdown()
	})
	return client
}

func testToken(id byte) scan.Token {
	var token scan.Token
	token[0] = id
	return token
}

func TestClientCalls(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	scriptHash := testToken(1).String()
	server.setStatus(scriptHash, "aa55", []HistoryEntry{
		{TxHash: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934c" +
			"a495991b7852b855", Height: 111},
		{TxHash: "5df6e0e2761359d30a8275058e299fcc0381534545f55cf4" +
			"3e41983f5d4c9456", Height: 0, Fee: 400},
	})

	client := startTestClient(t, server)

	status, err := client.SubscribeScriptHash(scriptHash)
	require.NoError(t, err)
	require.Equal(t, "aa55", status)

	// An unknown script hash reports a null status.
	status, err = client.SubscribeScriptHash(testToken(2).String())
	require.NoError(t, err)
	require.Empty(t, status)

	history, err := client.ScriptHashHistory(scriptHash)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, int64(111), history[0].Height)
	require.Equal(t, int64(0), history[1].Height)
	require.Equal(t, int64(400), history[1].Fee)

	unsubscribed, err := client.UnsubscribeScriptHash(scriptHash)
	require.NoError(t, err)
	require.True(t, unsubscribed)
}

func TestClientShutdownFailsPendingCalls(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	client := startTestClient(t, server)

	client.Stop()
	_, err := client.SubscribeScriptHash(testToken(1).String())
	require.Error(t, err)
}

func TestHandlerResolvesTokens(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)

	usedToken := testToken(1)
	unusedToken := testToken(2)
	server.setStatus(usedToken.String(), "aa55", []HistoryEntry{
		{TxHash: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934c" +
			"a495991b7852b855", Height: 15},
	})

	client := startTestClient(t, server)
	handler := NewHandler(client)
	handler.Start()
	t.Cleanup(func() {
		handler.Stop()
		handler.WaitForShutdown()
	})

	handler.Register([]scan.SearchEntry{
		{Kind: scan.EntryExplicit, KeyID: 1, Token: usedToken},
		{Kind: scan.EntryExplicit, KeyID: 2, Token: unusedToken},
	})

	results := make(map[scan.Token]scan.History)
	for i := 0; i < 2; i++ {
		select {
		case result := <-handler.Results():
			_, seen := results[result.Token]
			require.False(t, seen)
			results[result.Token] = result.History

		case <-time.After(5 * time.Second):
			t.Fatal("result not delivered in time")
		}
	}

	require.Len(t, results[usedToken], 1)
	require.Equal(t, int32(15), results[usedToken][0].Height)
	require.Empty(t, results[unusedToken])

	// Both tokens were unsubscribed on the server after resolution.
	require.Eventually(t, func() bool {
		return server.unsubscribeCount(usedToken.String()) == 1 &&
			server.unsubscribeCount(unusedToken.String()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandlerDeliversExactlyOnce(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)

	token := testToken(7)
	server.setStatus(token.String(), "0102", []HistoryEntry{
		{TxHash: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934c" +
			"a495991b7852b855", Height: 1},
	})

	client := startTestClient(t, server)
	handler := NewHandler(client)
	handler.Start()
	t.Cleanup(func() {
		handler.Stop()
		handler.WaitForShutdown()
	})

	handler.Register([]scan.SearchEntry{
		{Kind: scan.EntryExplicit, KeyID: 1, Token: token},
	})

	select {
	case result := <-handler.Results():
		require.Equal(t, token, result.Token)
		require.Len(t, result.History, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("result not delivered in time")
	}

	// A late status push for the already resolved token must not
	// produce a second delivery.
	server.notify(token.String(), "0304")
	select {
	case result := <-handler.Results():
		t.Fatalf("unexpected duplicate result for %v", result.Token)
	case <-time.After(250 * time.Millisecond):
	}
}
