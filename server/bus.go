package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Baanaaana/labelberry/common/protocol"
	"github.com/Baanaaana/labelberry/common/ws"
	"github.com/Baanaaana/labelberry/server/storage"
)

// Bus terminates device websocket sessions. Frames carry the topic scheme
// (labelberry/pi/<id>/...) so device traffic stays addressable even though the
// transport is a direct socket; last-will is emulated server-side by marking
// the session disconnected the moment its read loop ends.
type Bus struct {
	store        storage.Store
	registry     *Registry
	hub          *ws.Hub
	pingInterval time.Duration
}

// NewBus creates the device bus endpoint.
func NewBus(store storage.Store, registry *Registry, hub *ws.Hub, pingInterval time.Duration) *Bus {
	return &Bus{store: store, registry: registry, hub: hub, pingInterval: pingInterval}
}

// HandleConnect upgrades an authenticated device to a bus session. Devices
// present their id and shared secret; the secret is verified against the
// stored bcrypt hash.
func (b *Bus) HandleConnect(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("X-Device-ID")
	secret := r.Header.Get("X-Device-Secret")
	if deviceID == "" {
		deviceID = r.URL.Query().Get("id")
	}
	if secret == "" {
		secret = r.URL.Query().Get("token")
	}
	if deviceID == "" || secret == "" {
		http.Error(w, "missing device credentials", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	device, err := b.store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logWarn("Bus connect for unknown device", "device_id", deviceID, "remote", r.RemoteAddr)
			http.Error(w, "unknown device", http.StatusUnauthorized)
			return
		}
		logError("Bus connect device lookup failed", "device_id", deviceID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(device.SecretHash), []byte(secret)); err != nil {
		logWarn("Bus connect with bad secret", "device_id", deviceID, "remote", r.RemoteAddr)
		http.Error(w, "invalid secret", http.StatusUnauthorized)
		return
	}

	conn, err := ws.UpgradeHTTP(w, r)
	if err != nil {
		logError("Bus upgrade failed", "device_id", deviceID, "error", err)
		return
	}

	gen := b.registry.MarkConnected(deviceID, conn, protocol.Capabilities{})
	b.store.TouchDevice(context.Background(), deviceID, time.Now().UTC())

	go b.pingLoop(conn, deviceID, gen)
	b.readLoop(conn, deviceID, gen)
}

// readLoop consumes frames from one device session until it dies. Exiting the
// loop is the emulated last-will: the session is marked disconnected and a
// retained-style offline status is fanned out on the hub.
func (b *Bus) readLoop(conn *ws.Conn, deviceID string, gen uint64) {
	defer func() {
		conn.Close()
		if b.registry.MarkDisconnected(deviceID, gen) {
			if msg, err := ws.NewMessage(protocol.TopicStatus(deviceID), ws.TypeStatus,
				protocol.Status{Connected: false}); err == nil {
				b.hub.Broadcast(*msg)
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(3 * b.pingInterval))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(3 * b.pingInterval))
		b.registry.Touch(deviceID)
		return nil
	})

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
				logWarn("Device session read error", "device_id", deviceID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(3 * b.pingInterval))

		var msg ws.Message
		if err := msg.UnmarshalFrom(raw); err != nil {
			logWarn("Undecodable bus frame", "device_id", deviceID, "error", err)
			continue
		}

		msgDeviceID, channel, ok := protocol.ParseTopic(msg.Topic)
		if !ok || msgDeviceID != deviceID {
			logWarn("Bus frame outside device's topic scope", "device_id", deviceID, "topic", msg.Topic)
			continue
		}

		switch channel {
		case "hello":
			var caps protocol.Capabilities
			if err := msg.Decode(&caps); err != nil {
				logWarn("Undecodable hello", "device_id", deviceID, "error", err)
				continue
			}
			b.registry.UpdateCapabilities(deviceID, caps)
			logInfo("Device hello", "device_id", deviceID,
				"printer_model", caps.PrinterModel, "firmware", caps.FirmwareBuild)
		case "status":
			var status protocol.Status
			if err := msg.Decode(&status); err != nil {
				logWarn("Undecodable status", "device_id", deviceID, "error", err)
				continue
			}
			b.registry.UpdateStatus(deviceID, status)
			b.store.TouchDevice(context.Background(), deviceID, time.Now().UTC())
			b.hub.Broadcast(msg)
		case "events":
			b.registry.Touch(deviceID)
			b.hub.Broadcast(msg)
		default:
			logDebug("Ignoring frame on unexpected channel", "device_id", deviceID, "channel", channel)
		}
	}
}

// pingLoop keeps the session alive and lets dead peers be detected within a
// bounded window.
func (b *Bus) pingLoop(conn *ws.Conn, deviceID string, gen uint64) {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.WritePing(writeTimeout); err != nil {
			conn.Close()
			return
		}
	}
}
