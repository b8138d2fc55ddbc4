// Package zmqrpc exposes a cache over ZeroMQ REQ/REP with JSON frames.
//
// A request frame looks like
//
//	{"id":7,"op":"SET","key":"a","value":"aGVsbG8=","ns":"users"}
//
// and is answered by
//
//	{"id":7,"op":"SET","status":"success"}
//
// Values travel as base64 (encoding/json's []byte form). EVICT takes
// "max_age_ms"; broadcast ops ignore "key".
package zmqrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/IvanBrykalov/workercache/cache"
)

// ErrMalformed is wrapped by Decode for frames that cannot become requests.
var ErrMalformed = errors.New("zmqrpc: malformed frame")

const maxAgeLimitMS = math.MaxInt64 / int64(time.Millisecond)

// Frame is the wire form of a cache request.
type Frame struct {
	ID        uint64 `json:"id"`
	Op        string `json:"op"`
	Key       string `json:"key,omitempty"`
	Value     []byte `json:"value,omitempty"`
	Namespace string `json:"ns,omitempty"`
	MaxAgeMS  int64  `json:"max_age_ms,omitempty"`
}

// ReplyFrame is the wire form of a cache reply.
type ReplyFrame struct {
	ID     uint64 `json:"id"`
	Op     string `json:"op"`
	Status string `json:"status"`
	Key    string `json:"key,omitempty"`
	Value  []byte `json:"value,omitempty"`
	Found  bool   `json:"found,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Decode parses a request frame. Filters and updates have no wire form, so
// UPDATE is rejected here.
func Decode(b []byte) (cache.Request[string, []byte], error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return cache.Request[string, []byte]{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return f.Request()
}

// Request converts f into a cache request without a reply channel.
func (f Frame) Request() (cache.Request[string, []byte], error) {
	op, ok := cache.ParseOp(f.Op)
	if !ok || op == cache.OpUpdate {
		return cache.Request[string, []byte]{}, fmt.Errorf("%w: op %q", ErrMalformed, f.Op)
	}
	if f.MaxAgeMS < 0 || f.MaxAgeMS > maxAgeLimitMS {
		return cache.Request[string, []byte]{}, fmt.Errorf("%w: max_age_ms %d out of range", ErrMalformed, f.MaxAgeMS)
	}
	return cache.Request[string, []byte]{
		ID:        f.ID,
		Op:        op,
		Key:       f.Key,
		Value:     f.Value,
		Namespace: f.Namespace,
		MaxAge:    time.Duration(f.MaxAgeMS) * time.Millisecond,
	}, nil
}

// EncodeReply renders r as a reply frame.
func EncodeReply(r cache.Reply[string, []byte]) ([]byte, error) {
	return json.Marshal(replyFrame(r))
}

func replyFrame(r cache.Reply[string, []byte]) ReplyFrame {
	rf := ReplyFrame{
		ID:     r.ID,
		Op:     r.Op.String(),
		Status: r.Status.String(),
		Key:    r.Key,
		Value:  r.Value,
		Found:  r.Found,
	}
	if r.Err != nil {
		rf.Error = r.Err.Error()
	}
	return rf
}

// failure builds the reply for a frame that never reached the cache.
func failure(id uint64, op string, err error) ReplyFrame {
	return ReplyFrame{ID: id, Op: op, Status: cache.StatusFailure.String(), Error: err.Error()}
}
