package main

import (
	"context"
	"time"
)

// runHeartbeat publishes the device status on a fixed cadence. The server
// treats three missed heartbeats as the device having gone dark.
func runHeartbeat(ctx context.Context, client *BusClient, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client.PublishStatus(client.statusNow())
		}
	}
}
