package zmqrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
)

// Client talks to a Server over a REQ socket. REQ is strictly
// send-then-receive, so calls are serialized.
type Client struct {
	mu     sync.Mutex
	sock   zmq4.Socket
	ns     string
	nextID atomic.Uint64
}

// Dial connects to addr. ns is stamped on every request.
func Dial(ctx context.Context, addr, ns string) (*Client, error) {
	sock := zmq4.NewReq(ctx)
	if err := sock.Dial(addr); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("zmqrpc: dial %s: %w", addr, err)
	}
	return &Client{sock: sock, ns: ns}, nil
}

// Do sends f and waits for the reply. A zero f.ID gets a fresh one.
func (c *Client) Do(f Frame) (ReplyFrame, error) {
	if f.ID == 0 {
		f.ID = c.nextID.Add(1)
	}
	if f.Namespace == "" {
		f.Namespace = c.ns
	}
	b, err := json.Marshal(f)
	if err != nil {
		return ReplyFrame{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sock.Send(zmq4.NewMsg(b)); err != nil {
		return ReplyFrame{}, fmt.Errorf("zmqrpc: send: %w", err)
	}
	msg, err := c.sock.Recv()
	if err != nil {
		return ReplyFrame{}, fmt.Errorf("zmqrpc: recv: %w", err)
	}
	var rf ReplyFrame
	if err := json.Unmarshal(msg.Bytes(), &rf); err != nil {
		return ReplyFrame{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if rf.ID != f.ID {
		return rf, fmt.Errorf("zmqrpc: reply id %d for request %d", rf.ID, f.ID)
	}
	return rf, nil
}

// Get returns the value of key.
func (c *Client) Get(key string) ([]byte, bool, error) {
	rf, err := c.Do(Frame{Op: "GET", Key: key})
	if err != nil {
		return nil, false, err
	}
	if err := rf.err(); err != nil {
		return nil, false, err
	}
	return rf.Value, rf.Found, nil
}

// Set stores key=value.
func (c *Client) Set(key string, value []byte) error {
	return c.ack(Frame{Op: "SET", Key: key, Value: value})
}

// Delete removes key.
func (c *Client) Delete(key string) error {
	return c.ack(Frame{Op: "DEL", Key: key})
}

// Evict asks the server to drop entries idle for longer than maxAge.
func (c *Client) Evict(maxAge time.Duration) error {
	return c.ack(Frame{Op: "EVICT", MaxAgeMS: maxAge.Milliseconds()})
}

// Close releases the socket.
func (c *Client) Close() error { return c.sock.Close() }

func (c *Client) ack(f Frame) error {
	rf, err := c.Do(f)
	if err != nil {
		return err
	}
	return rf.err()
}

// RemoteError is a Failure reply from the server.
type RemoteError struct {
	Op  string
	Msg string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("zmqrpc: %s: %s", e.Op, e.Msg) }

func (rf ReplyFrame) err() error {
	if rf.Status != "failure" {
		return nil
	}
	return &RemoteError{Op: rf.Op, Msg: rf.Error}
}
