package mempool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadTimeout      = 60 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsPingInterval     = 30 * time.Second
)

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsMessage struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Method string          `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// runWS subscribes to newPendingTransactions over WebSocket and resolves
// each announced hash into a full transaction. Returns when the connection
// drops or ctx ends; the caller handles re-dialing.
func (w *Watcher) runWS(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", w.wsURL, err)
	}
	defer conn.Close()

	sub := wsRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_subscribe",
		Params:  []interface{}{"newPendingTransactions"},
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe request: %w", err)
	}

	// Close the connection when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go w.pingLoop(ctx, conn, done)

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("subscription refused: %s (%d)", msg.Error.Message, msg.Error.Code)
		}
		if msg.Method != "eth_subscription" {
			continue
		}

		var hash string
		if err := json.Unmarshal(msg.Params.Result, &hash); err != nil {
			continue
		}
		w.resolve(ctx, hash)
	}
}

// resolve fetches the announced pending transaction. Hashes that vanish
// before the fetch (mined or evicted) are silently skipped.
func (w *Watcher) resolve(ctx context.Context, hash string) {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tx, err := w.adapter.GetTransaction(fetchCtx, hash)
	if err != nil || tx == nil {
		return
	}
	if tx.BlockNum != 0 {
		return // already mined
	}
	w.observe(tx)
}

func (w *Watcher) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
