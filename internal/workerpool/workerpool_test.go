package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/averdin/refinery/internal/config"
)

func testPool(t *testing.T, probe ProbeFunc, run RunFunc) *Pool {
	t.Helper()
	cfg := config.WorkerPoolConfig{MaxWorkers: 4}
	return New("test", cfg, zerolog.Nop(), probe, run)
}

func TestFreezeKeyCanonicalises(t *testing.T) {
	a, err := FreezeKey(json.RawMessage(`{"b": 2, "a": 1}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := FreezeKey(json.RawMessage(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("keys differ: %q vs %q", a, b)
	}
	if _, err := FreezeKey(json.RawMessage(`{broken`)); err == nil {
		t.Error("malformed request frozen")
	}
}

func TestSubmitCoalescesIdenticalRequests(t *testing.T) {
	var runs int32
	release := make(chan struct{})
	pool := testPool(t, nil, func(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
		atomic.AddInt32(&runs, 1)
		<-release
		return json.RawMessage(`{"ok":true}`), nil
	})

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Key order differs; the requests are still identical.
			req := `{"x": 1, "y": 2}`
			if i%2 == 0 {
				req = `{"y":2,"x":1}`
			}
			result, err := pool.Submit(context.Background(), json.RawMessage(req))
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			results[i] = result
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
	for i, result := range results {
		if string(result) != `{"ok":true}` {
			t.Errorf("result[%d] = %s", i, result)
		}
	}
}

func TestSubmitUsesProbe(t *testing.T) {
	var runs int32
	pool := testPool(t,
		func(ctx context.Context, req json.RawMessage) (json.RawMessage, bool, error) {
			return json.RawMessage(`{"cached":true}`), true, nil
		},
		func(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
			atomic.AddInt32(&runs, 1)
			return nil, nil
		})

	result, err := pool.Submit(context.Background(), json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != `{"cached":true}` {
		t.Errorf("result = %s", result)
	}
	if atomic.LoadInt32(&runs) != 0 {
		t.Error("cached request still ran")
	}
}

func TestSubmitLimitsConcurrency(t *testing.T) {
	var active, peak int32
	release := make(chan struct{})
	pool := New("test", config.WorkerPoolConfig{MaxWorkers: 2}, zerolog.Nop(), nil,
		func(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&active, -1)
			return json.RawMessage(`{}`), nil
		})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := json.Marshal(map[string]int{"n": i})
			pool.Submit(context.Background(), req)
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestHandleConnOrdersResults(t *testing.T) {
	pool := testPool(t, nil, func(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
		var decoded struct {
			N int `json:"n"`
		}
		json.Unmarshal(req, &decoded)
		if decoded.N == 1 {
			time.Sleep(50 * time.Millisecond)
		}
		if decoded.N == 2 {
			return nil, errors.New("boom")
		}
		result, _ := json.Marshal(map[string]int{"n": decoded.N})
		return result, nil
	})

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		pool.HandleConn(context.Background(), server)
	}()

	request := clientRequest{Requests: []json.RawMessage{
		json.RawMessage(`{"n":1}`),
		json.RawMessage(`{"n":2}`),
		json.RawMessage(`{"n":3}`),
	}}
	if err := json.NewEncoder(client).Encode(request); err != nil {
		t.Fatal(err)
	}

	// The reply is one JSON array with an element per request, in order.
	var elements []map[string]interface{}
	if err := json.NewDecoder(client).Decode(&elements); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	client.Close()
	<-done

	if len(elements) != 3 {
		t.Fatalf("reply has %d elements, want 3", len(elements))
	}
	if n, ok := elements[0]["n"].(float64); !ok || n != 1 {
		t.Errorf("element 0 = %v, want n=1 first despite being slowest", elements[0])
	}
	if _, ok := elements[1]["error"]; !ok {
		t.Errorf("element 1 = %v, want error", elements[1])
	}
	if n, ok := elements[2]["n"].(float64); !ok || n != 3 {
		t.Errorf("element 2 = %v", elements[2])
	}
}

func TestHandleConnRunsCommand(t *testing.T) {
	pool := testPool(t, nil, nil)
	ran := false
	pool.RegisterCommand("purge", func(ctx context.Context) error {
		ran = true
		return nil
	})

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		pool.HandleConn(context.Background(), server)
	}()

	if err := json.NewEncoder(client).Encode(clientRequest{Command: "purge"}); err != nil {
		t.Fatal(err)
	}
	var reply okReply
	if err := json.NewDecoder(client).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	client.Close()
	<-done

	if !reply.OK || !ran {
		t.Errorf("reply = %+v, ran = %v", reply, ran)
	}
}

func TestHandleConnUnknownCommand(t *testing.T) {
	pool := testPool(t, nil, nil)

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		pool.HandleConn(context.Background(), server)
	}()

	if err := json.NewEncoder(client).Encode(clientRequest{Command: "nonsense"}); err != nil {
		t.Fatal(err)
	}
	var reply errorReply
	if err := json.NewDecoder(client).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	client.Close()
	<-done

	if reply.Error == "" {
		t.Error("expected an error for an unknown command")
	}
}

func TestHandleConnAsync(t *testing.T) {
	started := make(chan struct{}, 4)
	pool := testPool(t, nil, func(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
		started <- struct{}{}
		return json.RawMessage(`{}`), nil
	})

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		pool.HandleConn(context.Background(), server)
	}()

	request := clientRequest{
		Async:    true,
		Requests: []json.RawMessage{json.RawMessage(`{"n":1}`), json.RawMessage(`{"n":2}`)},
	}
	if err := json.NewEncoder(client).Encode(request); err != nil {
		t.Fatal(err)
	}
	var ack ackReply
	if err := json.NewDecoder(client).Decode(&ack); err != nil {
		t.Fatal(err)
	}
	client.Close()
	<-done

	if ack.Queued != 2 {
		t.Errorf("queued = %d, want 2", ack.Queued)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("async job never started")
		}
	}
}
