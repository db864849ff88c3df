// Copyright © 2026 CyberGrid
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package agent composes the settings store and the broker connection into
// a running device agent with periodic heartbeat and measurement producers.
package agent

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/cybergrid/device-agent/config"
	"github.com/cybergrid/device-agent/mqtt"
)

// Connection is the broker connection surface the agent publishes through.
// Implemented by *mqtt.Client.
type Connection interface {
	Publish(topic string, payload []byte, qos byte, retain bool)
	PublishStatus(status string)
	RequestReconnect()
	IsConnected() bool
	Stop()
}

// Agent owns the periodic producers and the shutdown sequence
type Agent struct {
	ctx    log.Interface
	device *config.Device
	store  *config.Store
	conn   Connection

	mu       sync.Mutex
	running  bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New returns a new Agent for the given device
func New(device *config.Device, store *config.Store, conn Connection, ctx log.Interface) *Agent {
	return &Agent{
		ctx:    ctx.WithField("Component", "Agent"),
		device: device,
		store:  store,
		conn:   conn,
		done:   make(chan struct{}),
	}
}

// Start registers the settings listener and starts the heartbeat and
// measurement producers. Calling Start again has no effect.
func (a *Agent) Start() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	a.store.OnChange(a.handleSettingsChange)

	a.wg.Add(2)
	go a.heartbeat()
	go a.measure()
}

// handleSettingsChange only requests a reconnect; the connection's
// supervising loop owns the actual state transition.
func (a *Agent) handleSettingsChange(changes config.Changes) {
	if !changes.Touches(config.FieldBrokerHost, config.FieldBrokerPort) {
		return
	}
	a.ctx.Info("Broker settings changed, requesting reconnect")
	a.conn.RequestReconnect()
}

// heartbeat publishes the online status every heartbeat interval. The
// interval is re-read from the settings on every tick, so a mid-run change
// takes effect on the next tick. Ticks while disconnected are skipped.
func (a *Agent) heartbeat() {
	defer a.wg.Done()
	for {
		interval := time.Duration(a.store.Settings().App.HeartbeatInterval) * time.Second
		select {
		case <-a.done:
			return
		case <-time.After(interval):
		}
		if !a.conn.IsConnected() {
			continue
		}
		a.conn.PublishStatus("online")
	}
}

// measure publishes a simulated power reading every poll interval, with the
// same live-read and skip-while-disconnected semantics as the heartbeat.
// A missed interval is not resent.
func (a *Agent) measure() {
	defer a.wg.Done()
	for {
		interval := time.Duration(a.store.Settings().App.PollInterval) * time.Second
		select {
		case <-a.done:
			return
		case <-time.After(interval):
		}
		if !a.conn.IsConnected() {
			continue
		}
		reading := NewReading(a.device.Power)
		payload, err := json.Marshal(reading)
		if err != nil {
			a.ctx.WithError(err).Error("Could not marshal measurement")
			continue
		}
		a.conn.Publish(mqtt.MeasurementTopic(a.device.ID), payload, 0, false)
		a.ctx.WithField("Power", reading.Power).Debug("Published measurement")
	}
}

// Stop runs the ordered shutdown sequence: stop the periodic producers,
// stop the settings watch loop, then stop the broker connection (which
// publishes the offline status and releases the session). Stop is
// idempotent.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.ctx.Info("Shutting down")
		close(a.done)
		a.wg.Wait()
		a.store.Stop()
		a.conn.Stop()
		a.ctx.Info("Shutdown complete")
	})
}
