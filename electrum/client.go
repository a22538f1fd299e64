// Copyright (c) 2024 The scanwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package electrum implements a client for the Electrum wire protocol and a
// result handler that resolves usage scan tokens against an Electrum
// protocol indexing server.
package electrum

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sync/errgroup"
)

const (
	// clientName is reported to the server in the protocol handshake.
	clientName = "scanwallet"

	// protocolVersion is the Electrum protocol version negotiated with
	// the server.
	protocolVersion = "1.4"

	// defaultConnectTimeout bounds the initial TCP/TLS dial.
	defaultConnectTimeout = 30 * time.Second

	// methodSubscribe is the server push notification method as well as
	// the request that establishes the subscription.
	methodSubscribe = "blockchain.scripthash.subscribe"
)

// ErrClientShutdown is returned by calls issued against a client that has
// been stopped or lost its connection.
var ErrClientShutdown = errors.New("electrum client shutdown")

// RPCError is an error object returned by the server for a request.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error satisfies the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("electrum rpc error %d: %s", e.Code, e.Message)
}

// rpcRequest is one newline delimited JSON-RPC request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// rpcEnvelope is the union of responses and server push notifications.  A
// nil ID identifies a notification.
type rpcEnvelope struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// StatusUpdate is a server push reporting a new status for a subscribed
// script hash.  An empty status means the server reports no usage.
type StatusUpdate struct {
	ScriptHash string
	Status     string
}

// HistoryEntry is one transaction of a script hash history as returned by
// the server.  Fee is only present on unconfirmed entries.
type HistoryEntry struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
	Fee    int64  `json:"fee"`
}

// Config describes the server an electrum Client connects to.
type Config struct {
	// Addr is the host:port of the Electrum protocol server.
	Addr string

	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config

	// ConnectTimeout bounds the initial dial.  Zero selects the
	// default.
	ConnectTimeout time.Duration
}

// Client is a connection to one Electrum protocol server.  Requests may be
// issued from multiple goroutines; responses are correlated by request id
// and server push notifications are routed to the StatusUpdates channel.
type Client struct {
	cfg  Config
	conn net.Conn

	sendMtx sync.Mutex

	requestMtx sync.Mutex
	nextID     uint64
	pending    map[uint64]chan *rpcEnvelope

	enqueueUpdate chan StatusUpdate
	dequeueUpdate chan StatusUpdate

	group   errgroup.Group
	quit    chan struct{}
	started bool

	clientMtx sync.Mutex
}

// NewClient creates an unconnected client for the given server.
func NewClient(cfg *Config) *Client {
	client := &Client{
		cfg:           *cfg,
		pending:       make(map[uint64]chan *rpcEnvelope),
		enqueueUpdate: make(chan StatusUpdate),
		dequeueUpdate: make(chan StatusUpdate),
		quit:          make(chan struct{}),
	}
	if client.cfg.ConnectTimeout == 0 {
		client.cfg.ConnectTimeout = defaultConnectTimeout
	}
	return client
}

// Start dials the server, performs the protocol handshake and launches the
// goroutines that service the connection.
func (c *Client) Start() error {
	c.clientMtx.Lock()
	if c.started {
		c.clientMtx.Unlock()
		return nil
	}

	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	var (
		conn net.Conn
		err  error
	)
	if c.cfg.TLSConfig != nil {
		conn, err = tls.DialWithDialer(
			dialer, "tcp", c.cfg.Addr, c.cfg.TLSConfig,
		)
	} else {
		conn, err = dialer.Dial("tcp", c.cfg.Addr)
	}
	if err != nil {
		c.clientMtx.Unlock()
		return err
	}
	c.conn = conn
	c.started = true

	c.group.Go(c.readHandler)
	c.group.Go(c.updateQueueHandler)
	c.clientMtx.Unlock()

	software, protocol, err := c.serverVersion()
	if err != nil {
		c.Stop()
		return err
	}
	log.Infof("Connected to Electrum server %s at %v (protocol %s)",
		software, c.cfg.Addr, protocol)
	return nil
}

// Stop closes the connection and releases the connection goroutines.
// Pending calls fail with ErrClientShutdown.  Stop is idempotent.
func (c *Client) Stop() {
	c.clientMtx.Lock()
	defer c.clientMtx.Unlock()
	c.stopLocked()
}

func (c *Client) stopLocked() {
	if !c.started {
		return
	}
	select {
	case <-c.quit:
		return
	default:
	}
	close(c.quit)
	c.conn.Close()
	c.failPending()
}

// WaitForShutdown blocks until the connection goroutines have finished.
func (c *Client) WaitForShutdown() {
	if err := c.group.Wait(); err != nil {
		log.Debugf("Electrum connection closed: %v", err)
	}
}

// StatusUpdates returns the channel that server push status notifications
// are delivered on.  The channel is never closed; consumers should select
// against their own quit signal.
func (c *Client) StatusUpdates() <-chan StatusUpdate {
	return c.dequeueUpdate
}

// SubscribeScriptHash subscribes to the given script hash and returns its
// current status.  An empty status means the script hash has never been
// used.
func (c *Client) SubscribeScriptHash(scriptHash string) (string, error) {
	var status *string
	err := c.call(
		methodSubscribe, []interface{}{scriptHash}, &status,
	)
	if err != nil {
		return "", err
	}
	if status == nil {
		return "", nil
	}
	return *status, nil
}

// UnsubscribeScriptHash tells the server to stop watching the given script
// hash.
func (c *Client) UnsubscribeScriptHash(scriptHash string) (bool, error) {
	var unsubscribed bool
	err := c.call(
		"blockchain.scripthash.unsubscribe",
		[]interface{}{scriptHash}, &unsubscribed,
	)
	return unsubscribed, err
}

// ScriptHashHistory fetches the confirmed and unconfirmed history of the
// given script hash.  Entries arrive in immediately usable order: ascending
// confirmation height, then unconfirmed, then unconfirmed with unconfirmed
// parents.
func (c *Client) ScriptHashHistory(scriptHash string) ([]HistoryEntry,
	error) {

	var history []HistoryEntry
	err := c.call(
		"blockchain.scripthash.get_history",
		[]interface{}{scriptHash}, &history,
	)
	return history, err
}

// serverVersion performs the protocol handshake.
func (c *Client) serverVersion() (string, string, error) {
	var result [2]string
	err := c.call("server.version",
		[]interface{}{clientName, protocolVersion}, &result)
	if err != nil {
		return "", "", err
	}
	return result[0], result[1], nil
}

// call issues one request and blocks until its response arrives or the
// client shuts down.
func (c *Client) call(method string, params []interface{},
	result interface{}) error {

	c.requestMtx.Lock()
	c.nextID++
	id := c.nextID
	responseChan := make(chan *rpcEnvelope, 1)
	c.pending[id] = responseChan
	c.requestMtx.Unlock()

	payload, err := json.Marshal(&rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		c.removePending(id)
		return err
	}
	payload = append(payload, '\n')

	c.sendMtx.Lock()
	_, err = c.conn.Write(payload)
	c.sendMtx.Unlock()
	if err != nil {
		c.removePending(id)
		return err
	}

	select {
	case envelope, ok := <-responseChan:
		if !ok {
			return ErrClientShutdown
		}
		if envelope.Error != nil {
			return envelope.Error
		}
		if result != nil {
			return json.Unmarshal(envelope.Result, result)
		}
		return nil

	case <-c.quit:
		return ErrClientShutdown
	}
}

func (c *Client) removePending(id uint64) {
	c.requestMtx.Lock()
	delete(c.pending, id)
	c.requestMtx.Unlock()
}

// failPending closes every in-flight response channel so blocked callers
// observe the shutdown.
func (c *Client) failPending() {
	c.requestMtx.Lock()
	for id, responseChan := range c.pending {
		close(responseChan)
		delete(c.pending, id)
	}
	c.requestMtx.Unlock()
}

// readHandler consumes newline delimited messages from the connection,
// correlating responses with pending requests and queueing push
// notifications.
func (c *Client) readHandler() error {
	defer c.Stop()

	decoder := json.NewDecoder(c.conn)
	for {
		var envelope rpcEnvelope
		if err := decoder.Decode(&envelope); err != nil {
			select {
			case <-c.quit:
				return nil
			default:
			}
			return fmt.Errorf("electrum read: %w", err)
		}

		if envelope.ID != nil {
			c.requestMtx.Lock()
			responseChan, ok := c.pending[*envelope.ID]
			delete(c.pending, *envelope.ID)
			c.requestMtx.Unlock()
			if !ok {
				log.Warnf("Response for unknown request "+
					"id %d", *envelope.ID)
				continue
			}
			responseChan <- &envelope
			continue
		}

		if envelope.Method != methodSubscribe {
			log.Debugf("Ignoring notification method %q",
				envelope.Method)
			continue
		}

		update, err := parseStatusUpdate(envelope.Params)
		if err != nil {
			log.Warnf("Malformed status notification: %v", err)
			continue
		}
		log.Tracef("Status notification: %v", newLogClosure(func() string {
			return spew.Sdump(update)
		}))

		select {
		case c.enqueueUpdate <- update:
		case <-c.quit:
			return nil
		}
	}
}

// updateQueueHandler passes status updates from the reader to consumers
// without ever blocking the reader, queueing them while no consumer is
// ready.
func (c *Client) updateQueueHandler() error {
	var queue []StatusUpdate
	enqueue := c.enqueueUpdate
	var dequeue chan StatusUpdate
	var next StatusUpdate
	for {
		select {
		case update := <-enqueue:
			if len(queue) == 0 {
				next = update
				dequeue = c.dequeueUpdate
			}
			queue = append(queue, update)

		case dequeue <- next:
			queue[0] = StatusUpdate{}
			queue = queue[1:]
			if len(queue) != 0 {
				next = queue[0]
			} else {
				dequeue = nil
			}

		case <-c.quit:
			return nil
		}
	}
}

// parseStatusUpdate decodes the [scripthash, status] parameters of a
// subscription notification.  The status is null for a script hash with no
// usage.
func parseStatusUpdate(params json.RawMessage) (StatusUpdate, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil {
		return StatusUpdate{}, err
	}
	if len(raw) != 2 {
		return StatusUpdate{}, fmt.Errorf("expected 2 parameters, "+
			"got %d", len(raw))
	}
	var update StatusUpdate
	if err := json.Unmarshal(raw[0], &update.ScriptHash); err != nil {
		return StatusUpdate{}, err
	}
	var status *string
	if err := json.Unmarshal(raw[1], &status); err != nil {
		return StatusUpdate{}, err
	}
	if status != nil {
		update.Status = *status
	}
	return update, nil
}
