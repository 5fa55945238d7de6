package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// ErrClientClosed is returned by pending and new calls after Close.
var ErrClientClosed = errors.New("jsonrpc client closed")

// Client issues calls over a transport supplied as a send function. The
// owner of the transport feeds every inbound message to HandleMessage.
type Client struct {
	send func([]byte) error

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *Response
	closed  bool
}

// NewClient creates a client that writes encoded requests with send.
func NewClient(send func([]byte) error) *Client {
	return &Client{
		send:    send,
		nextID:  1,
		pending: make(map[int64]chan *Response),
	}
}

// Call invokes method and decodes the result into result (which may be
// nil). Error responses are returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	id := c.nextID
	c.nextID++
	ch := make(chan *Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := encodeRequest(method, params, json.RawMessage(strconv.FormatInt(id, 10)))
	if err != nil {
		c.forget(id)
		return err
	}
	if err := c.send(data); err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrClientClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

// Notify sends a request without an id. No response is expected.
func (c *Client) Notify(method string, params any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}

	data, err := encodeRequest(method, params, nil)
	if err != nil {
		return err
	}
	return c.send(data)
}

// HandleMessage consumes one inbound message. Malformed JSON and responses
// with unknown or absent ids are dropped.
func (c *Client) HandleMessage(raw []byte) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return
	}

	if trimmed[0] == '[' {
		var batch []*Response
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return
		}
		for _, resp := range batch {
			c.resolve(resp)
		}
		return
	}

	var resp Response
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return
	}
	c.resolve(&resp)
}

// Pending returns the number of calls awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending call with ErrClientClosed.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) resolve(resp *Response) {
	if resp == nil || isNull(resp.ID) {
		return
	}
	id, err := strconv.ParseInt(string(bytes.TrimSpace(resp.ID)), 10, 64)
	if err != nil {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if ok {
		ch <- resp
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func encodeRequest(method string, params any, id json.RawMessage) ([]byte, error) {
	req := Request{JSONRPC: Version, Method: method, ID: id}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		req.Params = data
	}
	return json.Marshal(req)
}
