package zmqrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/go-cmp/cmp"

	"github.com/IvanBrykalov/workercache/cache"
)

func newCache(t *testing.T, ns string) *cache.Cache[string, []byte] {
	t.Helper()
	c, err := cache.New(cache.Options[string, []byte]{Capacity: 16, Shards: 2, Namespace: ns})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDecode(t *testing.T) {
	t.Parallel()

	req, err := Decode([]byte(`{"id":3,"op":"SET","key":"a","value":"aGk=","ns":"u"}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.ID != 3 || req.Op != cache.OpSet || req.Key != "a" || string(req.Value) != "hi" || req.Namespace != "u" {
		t.Fatalf("decoded: %+v", req)
	}

	req, err = Decode([]byte(`{"op":"EVICT","max_age_ms":1500}`))
	if err != nil || req.MaxAge != 1500*time.Millisecond {
		t.Fatalf("evict: %+v %v", req, err)
	}

	for _, bad := range []string{
		`not json`,
		`{"op":"FROB"}`,
		`{"op":"UPDATE","key":"a"}`,
		`{"op":"EVICT","max_age_ms":-1}`,
	} {
		if _, err := Decode([]byte(bad)); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: want ErrMalformed, got %v", bad, err)
		}
	}
}

func TestEncodeReply(t *testing.T) {
	t.Parallel()

	b, err := EncodeReply(cache.Reply[string, []byte]{
		ID: 9, Op: cache.OpGet, Status: cache.StatusValue, Key: "k", Value: []byte("v"), Found: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	var got ReplyFrame
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	want := ReplyFrame{ID: 9, Op: "GET", Status: "value", Key: "k", Value: []byte("v"), Found: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("reply mismatch (-want +got):\n%s", diff)
	}
}

func TestHandler_AgainstCache(t *testing.T) {
	t.Parallel()

	c := newCache(t, "u")
	h := &Handler{Sender: c.Router(), Timeout: time.Second}
	ctx := context.Background()

	do := func(frame string) ReplyFrame {
		t.Helper()
		var rf ReplyFrame
		if err := json.Unmarshal(h.Handle(ctx, []byte(frame)), &rf); err != nil {
			t.Fatal(err)
		}
		return rf
	}

	if rf := do(`{"id":1,"op":"SET","key":"a","value":"eA=="}`); rf.Status != "success" || rf.ID != 1 {
		t.Fatalf("SET: %+v", rf)
	}
	if rf := do(`{"id":2,"op":"GET","key":"a"}`); !rf.Found || string(rf.Value) != "x" || rf.ID != 2 {
		t.Fatalf("GET: %+v", rf)
	}
	if rf := do(`{"id":3,"op":"GET","key":"a","ns":"other"}`); rf.Status != "failure" || rf.Error == "" {
		t.Fatalf("foreign namespace: %+v", rf)
	}
	if rf := do(`{"id":4,"op":"CLEAR"}`); rf.Status != "success" {
		t.Fatalf("CLEAR: %+v", rf)
	}
	if rf := do(`{"id":5,"op":"GET","key":"a"}`); rf.Found {
		t.Fatalf("GET after CLEAR: %+v", rf)
	}
	if rf := do(`{"id":6,"op":"EVICT","max_age_ms":10}`); rf.Status != "success" {
		t.Fatalf("EVICT: %+v", rf)
	}
	if rf := do(`{"id":7,"op":"NOPE"}`); rf.Status != "failure" || rf.ID != 7 {
		t.Fatalf("unknown op: %+v", rf)
	}
	if rf := do(`garbage`); rf.Status != "failure" {
		t.Fatalf("garbage: %+v", rf)
	}
}

func TestHandler_ClosedCache(t *testing.T) {
	t.Parallel()

	c := newCache(t, "")
	_ = c.Close()
	h := &Handler{Sender: c.Router()}

	var rf ReplyFrame
	if err := json.Unmarshal(h.Handle(context.Background(), []byte(`{"id":1,"op":"GET","key":"a"}`)), &rf); err != nil {
		t.Fatal(err)
	}
	if rf.Status != "failure" || rf.Error != cache.ErrClosed.Error() {
		t.Fatalf("want closed failure, got %+v", rf)
	}
}

func TestServer_Loopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens a TCP socket")
	}

	c := newCache(t, "")
	srv := NewServer(&Handler{Sender: c.Router(), Timeout: time.Second}, nil)
	if err := srv.Listen("tcp://127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cl, err := Dial(ctx, "tcp://"+srv.Addr().String(), "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cl.Close() })

	if err := cl.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := cl.Get("k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get: %q ok=%v err=%v", v, ok, err)
	}
	if err := cl.Delete("k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := cl.Get("k"); ok {
		t.Fatal("k survived Delete")
	}
	if err := cl.Evict(time.Minute); err != nil {
		t.Fatal(err)
	}
}

// brokenSocket fails every Recv with the next error in errs. Only Recv is
// implemented; serve calls nothing else when Recv fails.
type brokenSocket struct {
	zmq4.Socket
	errs  []error
	calls int
}

func (b *brokenSocket) Recv() (zmq4.Msg, error) {
	err := b.errs[b.calls]
	b.calls++
	return zmq4.Msg{}, err
}

func TestServer_RecvErrors(t *testing.T) {
	t.Parallel()

	transient := errors.New("resource temporarily unavailable")
	sock := &brokenSocket{errs: []error{transient, transient, transient, io.EOF}}
	srv := NewServer(&Handler{Sender: newCache(t, "").Router()}, nil)
	t.Cleanup(func() { _ = srv.Close() })

	srv.wg.Add(1)
	done := make(chan struct{})
	go func() {
		srv.serve(sock)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve kept running on a closed socket")
	}
	if sock.calls != 4 {
		t.Fatalf("want 4 Recv calls, got %d", sock.calls)
	}
}

func TestNextBackoff(t *testing.T) {
	t.Parallel()

	var got []time.Duration
	d := time.Duration(0)
	for i := 0; i < 10; i++ {
		d = nextBackoff(d)
		got = append(got, d)
	}
	want := []time.Duration{
		5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond,
		80 * time.Millisecond, 160 * time.Millisecond, 320 * time.Millisecond, 640 * time.Millisecond,
		time.Second, time.Second,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("backoff (-want +got):\n%s", diff)
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte(`{"id":1,"op":"GET","key":"a"}`))
	f.Add([]byte(`{"op":"EVICT","max_age_ms":5}`))
	f.Add([]byte(`{"op":"SET","value":"!!"}`))
	f.Add([]byte(``))

	f.Fuzz(func(t *testing.T, b []byte) {
		req, err := Decode(b)
		if err != nil {
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("error does not wrap ErrMalformed: %v", err)
			}
			return
		}
		if req.Op == cache.OpUpdate || req.Op.String() == "" || req.MaxAge < 0 || req.ReplyTo != nil {
			t.Fatalf("decoded an invalid request: %+v", req)
		}
	})
}
