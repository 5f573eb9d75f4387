package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Baanaaana/labelberry/agent/queue"
	"github.com/Baanaaana/labelberry/common/logger"
	"github.com/Baanaaana/labelberry/common/protocol"
	"github.com/Baanaaana/labelberry/common/ws"
)

func newTestBusClient(t *testing.T, capacity int) (*BusClient, *queue.Queue) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DeviceID = "pi-test"
	cfg.DeviceSecret = "s3cret"
	cfg.ServerURL = "http://127.0.0.1:1"
	cfg.PrinterModel = "GK420d"

	q := queue.New(capacity)
	log := logger.New(logger.ERROR, "", "ws-client-test", 10)
	t.Cleanup(func() { log.Close() })
	worker := queue.NewWorker(q, nil, &blockedDriver{release: make(chan struct{})}, queue.DefaultRetryPolicy(), log)

	return NewBusClient(cfg, q, worker), q
}

func TestDialURLConversion(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"http://labels.example.com", "ws://labels.example.com/ws/pi"},
		{"https://labels.example.com", "wss://labels.example.com/ws/pi"},
		{"wss://labels.example.com", "wss://labels.example.com/ws/pi"},
		{"https://labels.example.com/", "wss://labels.example.com/ws/pi"},
		{"ws://10.0.0.5:8080", "ws://10.0.0.5:8080/ws/pi"},
	}
	for _, tc := range cases {
		c, _ := newTestBusClient(t, 10)
		c.cfg.ServerURL = tc.in
		got, err := c.dialURL()
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestHandleCommandPrintEnqueues(t *testing.T) {
	t.Parallel()
	c, q := newTestBusClient(t, 10)

	c.handleCommand(&protocol.Command{
		JobID:    "job-1",
		Kind:     protocol.CommandPrint,
		Payload:  &protocol.Payload{Inline: "^XA^XZ"},
		Priority: 7,
	})

	if q.Size() != 1 {
		t.Fatalf("queue size: %d", q.Size())
	}
	job := q.Dequeue()
	if job.ID != "job-1" || job.Priority != 7 || job.Source != protocol.SourceAPI {
		t.Errorf("job: %+v", job)
	}

	// intake is acknowledged immediately; offline, so it lands in the buffer
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) != 1 {
		t.Fatalf("pending events: %d", len(c.pending))
	}
	if ack := c.pending[0]; ack.JobID != "job-1" || ack.State != protocol.StateAccepted {
		t.Errorf("ack: %+v", ack)
	}
}

func TestHandleCommandTestPrint(t *testing.T) {
	t.Parallel()
	c, q := newTestBusClient(t, 10)

	c.handleCommand(&protocol.Command{JobID: "job-t", Kind: protocol.CommandTestPrint})

	job := q.Dequeue()
	if job == nil {
		t.Fatal("test print not queued")
	}
	if job.Source != protocol.SourceTest {
		t.Errorf("source: %s", job.Source)
	}
	if !strings.Contains(job.Payload.Inline, "pi-test") {
		t.Errorf("test label should name the device: %q", job.Payload.Inline)
	}
}

func TestQueueFullPublishesFailure(t *testing.T) {
	t.Parallel()
	c, _ := newTestBusClient(t, 1)

	c.handleCommand(&protocol.Command{
		JobID: "job-1", Kind: protocol.CommandPrint,
		Payload: &protocol.Payload{Inline: "^XA^XZ"},
	})
	c.handleCommand(&protocol.Command{
		JobID: "job-2", Kind: protocol.CommandPrint,
		Payload: &protocol.Payload{Inline: "^XA^XZ"},
	})

	// offline, so both the ack for job-1 and the failure for job-2 land in
	// the buffer
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) != 2 {
		t.Fatalf("pending events: %d", len(c.pending))
	}
	if ack := c.pending[0]; ack.JobID != "job-1" || ack.State != protocol.StateAccepted {
		t.Fatalf("ack: %+v", ack)
	}
	ev := c.pending[1]
	if ev.JobID != "job-2" || ev.State != protocol.StateFailed {
		t.Fatalf("event: %+v", ev)
	}
	if ev.Error == nil || ev.Error.Kind != protocol.ErrQueueFull {
		t.Errorf("error: %+v", ev.Error)
	}
}

func TestCommandWithoutPayloadFails(t *testing.T) {
	t.Parallel()
	c, q := newTestBusClient(t, 10)

	c.handleCommand(&protocol.Command{JobID: "job-1", Kind: protocol.CommandPrint})

	if q.Size() != 0 {
		t.Errorf("nothing should be queued")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) != 1 || c.pending[0].Error.Kind != protocol.ErrInvalidRequest {
		t.Errorf("pending: %+v", c.pending)
	}
}

func TestLifecycleBufferBounded(t *testing.T) {
	t.Parallel()
	c, _ := newTestBusClient(t, 10)

	for i := 0; i < maxPendingEvents+10; i++ {
		c.PublishLifecycle(protocol.Lifecycle{JobID: "job", State: protocol.StateCompleted})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) != maxPendingEvents {
		t.Errorf("pending: %d, want %d", len(c.pending), maxPendingEvents)
	}
}

// TestSessionHelloAndCommandDelivery runs a real websocket round trip: the
// fake server receives the hello and buffered events, then pushes a command
// that must land in the local queue.
func TestSessionHelloAndCommandDelivery(t *testing.T) {
	t.Parallel()

	frames := make(chan ws.Message, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Device-ID") != "pi-test" || r.Header.Get("X-Device-Secret") != "s3cret" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		conn, err := ws.UpgradeHTTP(w, r)
		if err != nil {
			return
		}
		defer conn.Close()

		// push one print command, then keep reading device frames
		cmd, _ := ws.NewMessage(protocol.TopicCommands("pi-test"), ws.TypeCommand, protocol.Command{
			JobID:    "job-remote",
			Kind:     protocol.CommandPrint,
			Payload:  &protocol.Payload{Inline: "^XA^XZ"},
			Priority: 5,
		})
		conn.WriteMessage(cmd, time.Second)

		for {
			raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg ws.Message
			if msg.UnmarshalFrom(raw) == nil {
				frames <- msg
			}
		}
	}))
	t.Cleanup(server.Close)

	c, q := newTestBusClient(t, 10)
	c.cfg.ServerURL = server.URL

	// an event raised while offline must be flushed right after connect
	c.PublishLifecycle(protocol.Lifecycle{JobID: "job-old", State: protocol.StateCompleted})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.runSession(ctx)

	var sawHello, sawFlushed, sawAck bool
	deadline := time.After(3 * time.Second)
	for !(sawHello && sawFlushed && sawAck) {
		select {
		case msg := <-frames:
			switch msg.Type {
			case ws.TypeHello:
				var caps protocol.Capabilities
				if err := msg.Decode(&caps); err != nil {
					t.Fatal(err)
				}
				if caps.PrinterModel != "GK420d" || caps.Protocol != protocol.ProtocolVersion {
					t.Errorf("capabilities: %+v", caps)
				}
				sawHello = true
			case ws.TypeLifecycle:
				var ev protocol.Lifecycle
				if err := msg.Decode(&ev); err != nil {
					t.Fatal(err)
				}
				if ev.JobID == "job-old" {
					sawFlushed = true
				}
				// the pushed command is acknowledged on intake
				if ev.JobID == "job-remote" && ev.State == protocol.StateAccepted {
					sawAck = true
				}
			}
		case <-deadline:
			t.Fatalf("hello=%v flushed=%v ack=%v", sawHello, sawFlushed, sawAck)
		}
	}

	waitForCondition(t, func() bool { return q.Size() == 1 })
	job := q.Dequeue()
	if job.ID != "job-remote" {
		t.Errorf("job: %+v", job)
	}
}
