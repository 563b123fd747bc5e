// Package moonraker is a JSON-RPC websocket client for the print server. It
// carries the three capabilities the lifecycle core consumes: G-code script
// execution, job-history access, and lifecycle event notifications.
package moonraker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/printworks/shadowprint/internal/shadowprint"
)

var ErrNotConnected = errors.New("not connected")

const (
	maxMessageBytes     = 1 << 20
	reconnectBaseDelay  = time.Second
	reconnectMaxDelay   = 30 * time.Second
	capabilityPollDelay = 200 * time.Millisecond
)

type Logger interface {
	Printf(format string, args ...any)
}

type NotificationHandler func(ctx context.Context, params json.RawMessage)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      uint64 `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *uint64         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type Client struct {
	url    string
	logger Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	nextID   uint64
	pending  map[uint64]chan rpcMessage
	handlers map[string]NotificationHandler

	notifications chan rpcMessage
}

func NewClient(url string, logger Logger) *Client {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Client{
		url:           url,
		logger:        logger,
		pending:       map[uint64]chan rpcMessage{},
		handlers:      map[string]NotificationHandler{},
		notifications: make(chan rpcMessage, 64),
	}
}

type nopLogger struct{}

func (nopLogger) Printf(format string, args ...any) {}

// OnNotification registers a handler for a server-pushed notification method.
// Handlers run in registration order on a single dispatch goroutine so event
// ordering is preserved; a handler may issue calls back through the client.
func (c *Client) OnNotification(method string, handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = handler
}

// Run dials the server and reads messages until ctx is cancelled,
// reconnecting with backoff after any connection loss. Pending calls fail when
// the connection drops; callers retry or absorb per their own policy.
func (c *Client) Run(ctx context.Context) {
	go c.notifyLoop(ctx)

	delay := reconnectBaseDelay
	for {
		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Printf("moonraker dial %s failed: %v", c.url, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay < reconnectMaxDelay {
				delay *= 2
			}
			continue
		}
		conn.SetReadLimit(maxMessageBytes)
		delay = reconnectBaseDelay
		c.setConn(conn)
		c.logger.Printf("connected to moonraker at %s", c.url)

		c.readLoop(ctx, conn)

		c.teardown(conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Printf("moonraker connection lost, reconnecting")
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg rpcMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		switch {
		case msg.ID != nil:
			c.deliver(*msg.ID, msg)
		case msg.Method != "":
			select {
			case c.notifications <- msg:
			default:
				c.logger.Printf("dropping %s notification: dispatch queue full", msg.Method)
			}
		}
	}
}

func (c *Client) notifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.notifications:
			c.mu.Lock()
			handler := c.handlers[msg.Method]
			c.mu.Unlock()
			if handler != nil {
				handler(ctx, msg.Params)
			}
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) teardown(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "")
	c.mu.Lock()
	c.conn = nil
	pending := c.pending
	c.pending = map[uint64]chan rpcMessage{}
	c.mu.Unlock()
	for id, ch := range pending {
		ch <- rpcMessage{ID: &id, Error: &rpcError{Code: -1, Message: "connection lost"}}
	}
}

func (c *Client) deliver(id uint64, msg rpcMessage) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Call issues a JSON-RPC request and decodes the result into out when out is
// non-nil.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpcMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		c.dropPending(id)
		return err
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	case msg := <-ch:
		if msg.Error != nil {
			return msg.Error
		}
		if out != nil && len(msg.Result) > 0 {
			return json.Unmarshal(msg.Result, out)
		}
		return nil
	}
}

// RunScript executes a G-code script on the printer.
func (c *Client) RunScript(ctx context.Context, script string) error {
	return c.Call(ctx, "printer.gcode.script", map[string]string{"script": script}, nil)
}

type ServerInfo struct {
	KlippyState string   `json:"klippy_state"`
	Components  []string `json:"components"`
	Version     string   `json:"moonraker_version"`
}

func (c *Client) ServerInfo(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo
	err := c.Call(ctx, "server.info", nil, &info)
	return info, err
}

// HistoryCapability probes the server once for the history component and
// returns a typed handle, or nil when the server does not expose it.
func (c *Client) HistoryCapability(ctx context.Context) (*HistoryClient, error) {
	info, err := c.ServerInfo(ctx)
	if err != nil {
		return nil, err
	}
	for _, component := range info.Components {
		if component == "history" {
			return &HistoryClient{client: c}, nil
		}
	}
	return nil, nil
}

// WaitHistoryCapability retries the capability probe until the connection is
// up or ctx expires. Meant for startup, where the websocket dial races the
// probe.
func (c *Client) WaitHistoryCapability(ctx context.Context) (*HistoryClient, error) {
	for {
		history, err := c.HistoryCapability(ctx)
		if err == nil {
			return history, nil
		}
		if !errors.Is(err, ErrNotConnected) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(capabilityPollDelay):
		}
	}
}

// HistoryClient is the optional job-history capability handle.
type HistoryClient struct {
	client *Client
}

type historyJobPayload struct {
	JobID         string         `json:"job_id"`
	Filename      string         `json:"filename"`
	AuxiliaryData map[string]any `json:"auxiliary_data"`
}

// GetJob fetches a history job by id, returning (nil, nil) when the server
// has no record of it.
func (h *HistoryClient) GetJob(ctx context.Context, uid string) (*shadowprint.HistoryJob, error) {
	var out struct {
		Job *historyJobPayload `json:"job"`
	}
	err := h.client.Call(ctx, "server.history.get_job", map[string]string{"uid": uid}, &out)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.Code == 404 {
			return nil, nil
		}
		return nil, err
	}
	if out.Job == nil {
		return nil, nil
	}
	return &shadowprint.HistoryJob{
		UID:           out.Job.JobID,
		Filename:      out.Job.Filename,
		AuxiliaryData: out.Job.AuxiliaryData,
	}, nil
}

// ModifyJob rewrites a history job's filename and auxiliary data.
func (h *HistoryClient) ModifyJob(ctx context.Context, uid, filename string, auxiliaryData map[string]any) error {
	params := map[string]any{
		"uid":            uid,
		"filename":       filename,
		"auxiliary_data": auxiliaryData,
	}
	return h.client.Call(ctx, "server.history.modify_job", params, nil)
}
