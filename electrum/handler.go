// Copyright (c) 2024 The scanwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/electrumsuite/scanwallet/scan"
)

// resultBufferSize is sized so that handler goroutines resolving tokens are
// unlikely to block while the scanner is busy refilling its window.
const resultBufferSize = 256

// Handler resolves scan tokens against an Electrum server.  It satisfies
// scan.ResultHandler: every registered token is subscribed, its history is
// fetched as soon as a status is known, exactly one result is delivered and
// the server side subscription is dropped again.
type Handler struct {
	client *Client

	results chan scan.TokenResult

	// outstanding maps the wire form of each registered token back to
	// the token until its single result has been delivered.
	mtx         sync.Mutex
	outstanding map[string]scan.Token

	quit   chan struct{}
	quitMu sync.Mutex
	wg     sync.WaitGroup
}

// NewHandler creates a handler resolving tokens through the given client.
// The client must be started before the handler is registered with.
func NewHandler(client *Client) *Handler {
	return &Handler{
		client:      client,
		results:     make(chan scan.TokenResult, resultBufferSize),
		outstanding: make(map[string]scan.Token),
		quit:        make(chan struct{}),
	}
}

// Start launches the goroutine that services server push status updates.
func (h *Handler) Start() {
	h.wg.Add(1)
	go h.updateHandler()
}

// Register begins watching the tokens of the given entries.  The actual
// subscriptions happen on a background goroutine so the caller is never
// blocked on network I/O.
func (h *Handler) Register(entries []scan.SearchEntry) {
	h.mtx.Lock()
	for _, entry := range entries {
		h.outstanding[entry.Token.String()] = entry.Token
	}
	h.mtx.Unlock()

	h.wg.Add(1)
	go h.subscribeBatch(entries)
}

// Results returns the completion stream consumed by the scanner.
func (h *Handler) Results() <-chan scan.TokenResult {
	return h.results
}

// Stop abandons all outstanding watches and releases the handler's
// goroutines.  It is idempotent.  The underlying client is owned by the
// caller and is not stopped.
func (h *Handler) Stop() {
	h.quitMu.Lock()
	defer h.quitMu.Unlock()

	select {
	case <-h.quit:
		return
	default:
	}
	close(h.quit)
}

// WaitForShutdown blocks until all handler goroutines have finished.
func (h *Handler) WaitForShutdown() {
	h.wg.Wait()
}

// subscribeBatch subscribes one batch of entries in order.  The initial
// subscription response already carries the current status, so nearly every
// token resolves here rather than through a push notification.
func (h *Handler) subscribeBatch(entries []scan.SearchEntry) {
	defer h.wg.Done()

	for _, entry := range entries {
		select {
		case <-h.quit:
			return
		default:
		}

		scriptHash := entry.Token.String()
		status, err := h.client.SubscribeScriptHash(scriptHash)
		if err != nil {
			// The transport owns lookup failures; the token is
			// considered resolved with no usage so the scan can
			// always finish.
			log.Warnf("Subscribe %s failed: %v", scriptHash, err)
			h.deliver(scriptHash, nil)
			continue
		}
		if status == "" {
			// Never used.  No history fetch is needed.
			h.deliver(scriptHash, nil)
			h.unsubscribe(scriptHash)
			continue
		}
		h.resolve(scriptHash)
	}
}

// updateHandler resolves tokens whose status is pushed by the server after
// the initial subscription response, which can happen when usage appears
// while the lookup is still outstanding.
func (h *Handler) updateHandler() {
	defer h.wg.Done()

	for {
		select {
		case update := <-h.client.StatusUpdates():
			if !h.isOutstanding(update.ScriptHash) {
				log.Tracef("Ignoring status push for "+
					"resolved script hash %s",
					update.ScriptHash)
				continue
			}
			if update.Status == "" {
				h.deliver(update.ScriptHash, nil)
				h.unsubscribe(update.ScriptHash)
				continue
			}
			h.resolve(update.ScriptHash)

		case <-h.quit:
			return
		}
	}
}

// resolve fetches the history for a script hash with known usage, delivers
// the single result for it and drops the server side subscription.
func (h *Handler) resolve(scriptHash string) {
	entries, err := h.client.ScriptHashHistory(scriptHash)
	if err != nil {
		log.Warnf("History fetch %s failed: %v", scriptHash, err)
		h.deliver(scriptHash, nil)
		return
	}

	history := make(scan.History, 0, len(entries))
	for _, entry := range entries {
		txHash, err := chainhash.NewHashFromStr(entry.TxHash)
		if err != nil {
			log.Warnf("Skipping malformed tx hash %q in history "+
				"of %s: %v", entry.TxHash, scriptHash, err)
			continue
		}
		history = append(history, scan.HistoryItem{
			TxHash: *txHash,
			Height: int32(entry.Height),
			Fee:    btcutil.Amount(entry.Fee),
		})
	}

	h.deliver(scriptHash, history)
	h.unsubscribe(scriptHash)
}

// deliver hands the scanner the single result for a script hash.  Duplicate
// resolutions, e.g. a status push racing the initial response, are dropped
// here.
func (h *Handler) deliver(scriptHash string, history scan.History) {
	h.mtx.Lock()
	token, ok := h.outstanding[scriptHash]
	if ok {
		delete(h.outstanding, scriptHash)
	}
	h.mtx.Unlock()
	if !ok {
		return
	}

	select {
	case h.results <- scan.TokenResult{Token: token, History: history}:
	case <-h.quit:
	}
}

func (h *Handler) unsubscribe(scriptHash string) {
	if _, err := h.client.UnsubscribeScriptHash(scriptHash); err != nil {
		log.Debugf("Unsubscribe %s failed: %v", scriptHash, err)
	}
}

func (h *Handler) isOutstanding(scriptHash string) bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	_, ok := h.outstanding[scriptHash]
	return ok
}
