package main

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Baanaaana/labelberry/agent/queue"
	"github.com/Baanaaana/labelberry/common/protocol"
	"github.com/Baanaaana/labelberry/common/ws"
)

const (
	busWriteTimeout  = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	// maxPendingEvents bounds the lifecycle events buffered while the
	// server is unreachable. Oldest events are dropped first; terminal
	// states for recent jobs matter more than ancient history.
	maxPendingEvents = 1000
)

// testPrintZPL is the canned label sent for test_print commands.
const testPrintZPL = "^XA^CF0,40^FO50,50^FDLabelBerry test print^FS^FO50,110^FD%s^FS^XZ"

// BusClient maintains the device's websocket session to the central server:
// it dials with the device credentials, announces capabilities, feeds incoming
// commands into the local queue, and publishes lifecycle and status frames.
// Lifecycle events raised while offline are buffered and flushed on reconnect
// so terminal job states are eventually reported.
type BusClient struct {
	cfg    *Config
	q      *queue.Queue
	worker *queue.Worker

	// OnReconfigure is invoked for reconfigure commands, after the config
	// file has been re-read.
	OnReconfigure func(*Config)

	mu      sync.Mutex
	conn    *ws.Conn
	pending []protocol.Lifecycle
}

// NewBusClient wires the client. Call Run to start it.
func NewBusClient(cfg *Config, q *queue.Queue, worker *queue.Worker) *BusClient {
	return &BusClient{cfg: cfg, q: q, worker: worker}
}

// Run dials and re-dials the server until ctx is cancelled. Reconnects use
// jittered exponential backoff so a restarting server is not stampeded.
func (c *BusClient) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		if err := c.runSession(ctx); err != nil {
			logWarn("Bus session ended", "error", err)
		}
		delay := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *BusClient) runSession(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("X-Device-ID", c.cfg.DeviceID)
	header.Set("X-Device-Secret", c.cfg.DeviceSecret)

	conn, _, err := ws.Dial(target, header, nil, handshakeTimeout)
	if err != nil {
		return err
	}
	logInfo("Connected to server", "url", target)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.sendHello(conn)
	c.flushPending(conn)

	// tear the read loop down when the agent is shutting down
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteClose(ws.CloseGoingAway, "shutting down", busWriteTimeout)
			conn.Close()
		case <-done:
		}
	}()

	return c.readLoop(conn)
}

// dialURL converts the configured server base into the bus endpoint URL.
func (c *BusClient) dialURL() (string, error) {
	parsed, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/ws/pi"
	return parsed.String(), nil
}

func (c *BusClient) sendHello(conn *ws.Conn) {
	caps := protocol.Capabilities{
		PrinterModel:  c.cfg.PrinterModel,
		LabelSize:     c.cfg.LabelSize,
		FirmwareBuild: buildVersion,
		Protocol:      protocol.ProtocolVersion,
	}
	msg, err := ws.NewMessage(protocol.TopicHello(c.cfg.DeviceID), ws.TypeHello, caps)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(msg, busWriteTimeout); err != nil {
		logWarn("Hello publish failed", "error", err)
	}
}

func (c *BusClient) readLoop(conn *ws.Conn) error {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg ws.Message
		if err := msg.UnmarshalFrom(raw); err != nil {
			logWarn("Undecodable bus frame", "error", err)
			continue
		}
		deviceID, channel, ok := protocol.ParseTopic(msg.Topic)
		if !ok || deviceID != c.cfg.DeviceID || channel != "commands" {
			logWarn("Frame outside this device's command topic", "topic", msg.Topic)
			continue
		}

		var cmd protocol.Command
		if err := msg.Decode(&cmd); err != nil {
			logWarn("Undecodable command", "error", err)
			continue
		}
		c.handleCommand(&cmd)
	}
}

func (c *BusClient) handleCommand(cmd *protocol.Command) {
	switch cmd.Kind {
	case protocol.CommandPrint:
		c.enqueuePrint(cmd, protocol.SourceAPI)

	case protocol.CommandTestPrint:
		test := *cmd
		test.Payload = &protocol.Payload{
			Inline: strings.Replace(testPrintZPL, "%s", c.cfg.DeviceID, 1),
		}
		c.enqueuePrint(&test, protocol.SourceTest)

	case protocol.CommandCancel:
		if !c.worker.Cancel(cmd.JobID) {
			logDebug("Cancel for unknown or finished job", "job_id", cmd.JobID)
		}

	case protocol.CommandPing:
		c.PublishStatus(c.statusNow())

	case protocol.CommandReconfigure:
		cfg, path, err := LoadConfig("")
		if err != nil {
			logWarn("Reconfigure failed to reload config", "error", err)
			return
		}
		logInfo("Reloaded configuration", "path", path)
		if c.OnReconfigure != nil {
			c.OnReconfigure(cfg)
		}

	default:
		logWarn("Unknown command kind", "kind", cmd.Kind, "job_id", cmd.JobID)
	}
}

func (c *BusClient) enqueuePrint(cmd *protocol.Command, source protocol.Source) {
	if cmd.Payload == nil || cmd.Payload.Validate() != nil {
		c.PublishLifecycle(protocol.Lifecycle{
			JobID: cmd.JobID,
			State: protocol.StateFailed,
			At:    time.Now().UTC(),
			Error: &protocol.WireError{Kind: protocol.ErrInvalidRequest, Detail: "command carries no usable payload"},
		})
		return
	}

	job := &queue.Job{
		ID:       cmd.JobID,
		Payload:  *cmd.Payload,
		Priority: cmd.Priority,
		Source:   source,
	}
	if _, err := c.q.Enqueue(job); err != nil {
		logWarn("Local queue rejected job", "job_id", cmd.JobID, "error", err)
		c.PublishLifecycle(protocol.Lifecycle{
			JobID: cmd.JobID,
			State: protocol.StateFailed,
			At:    time.Now().UTC(),
			Error: &protocol.WireError{Kind: protocol.ErrQueueFull, Detail: "device queue at capacity"},
		})
		return
	}
	logInfo("Job queued", "job_id", cmd.JobID, "priority", job.Priority, "source", source)

	// Acknowledge intake right away. The server uses this for liveness; it
	// is not a stored job state.
	c.PublishLifecycle(protocol.Lifecycle{
		JobID: cmd.JobID,
		State: protocol.StateAccepted,
		At:    time.Now().UTC(),
	})
}

// PublishLifecycle sends a lifecycle event, buffering it when offline.
func (c *BusClient) PublishLifecycle(ev protocol.Lifecycle) {
	msg, err := ws.NewMessage(protocol.TopicEvents(c.cfg.DeviceID), ws.TypeLifecycle, ev)
	if err != nil {
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := conn.WriteMessage(msg, busWriteTimeout); err == nil {
			return
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= maxPendingEvents {
		c.pending = c.pending[1:]
	}
	c.pending = append(c.pending, ev)
}

// flushPending replays buffered lifecycle events after a reconnect, in the
// order they were raised.
func (c *BusClient) flushPending(conn *ws.Conn) {
	c.mu.Lock()
	events := c.pending
	c.pending = nil
	c.mu.Unlock()

	for i, ev := range events {
		msg, err := ws.NewMessage(protocol.TopicEvents(c.cfg.DeviceID), ws.TypeLifecycle, ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(msg, busWriteTimeout); err != nil {
			// re-buffer what did not make it
			c.mu.Lock()
			c.pending = append(events[i:], c.pending...)
			c.mu.Unlock()
			return
		}
	}
	if len(events) > 0 {
		logInfo("Flushed buffered lifecycle events", "count", len(events))
	}
}

// PublishStatus sends a heartbeat frame. Heartbeats are not buffered: a stale
// one is worse than none.
func (c *BusClient) PublishStatus(status protocol.Status) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	msg, err := ws.NewMessage(protocol.TopicStatus(c.cfg.DeviceID), ws.TypeStatus, status)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(msg, busWriteTimeout); err != nil {
		logDebug("Status publish failed", "error", err)
	}
}

func (c *BusClient) statusNow() protocol.Status {
	return protocol.Status{
		Connected:     true,
		QueueDepth:    c.q.Depth(),
		LastError:     c.worker.LastError(),
		UptimeSeconds: int64(c.worker.Uptime().Seconds()),
	}
}
