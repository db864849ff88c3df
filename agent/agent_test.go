// Copyright © 2026 CyberGrid
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package agent

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/cybergrid/device-agent/config"
)

type fakePublish struct {
	topic   string
	payload string
	qos     byte
	retain  bool
}

type fakeConnection struct {
	mu         sync.Mutex
	connected  bool
	statuses   []string
	published  []fakePublish
	reconnects int
	stops      int
}

func (f *fakeConnection) Publish(topic string, payload []byte, qos byte, retain bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, fakePublish{topic, string(payload), qos, retain})
}

func (f *fakeConnection) PublishStatus(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

func (f *fakeConnection) RequestReconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

func (f *fakeConnection) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConnection) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeConnection) setConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

func (f *fakeConnection) statusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statuses)
}

func (f *fakeConnection) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeConnection) reconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

func eventually(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

func TestAgent(t *testing.T) {
	Convey("Given a running agent", t, func(c C) {
		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		dir, err := os.MkdirTemp("", "agent")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		device := &config.Device{ID: "dev-42", Power: 100}
		settings := &config.Settings{
			MQTT: config.MQTT{Host: "localhost", Port: 1883},
			App:  config.App{PollInterval: 1, HeartbeatInterval: 1},
		}
		store := config.NewStore(filepath.Join(dir, "config.yaml"), settings, ctx)
		conn := new(fakeConnection)
		conn.setConnected(true)

		deviceAgent := New(device, store, conn, ctx)
		deviceAgent.Start()
		defer deviceAgent.Stop()

		Convey("The heartbeat producer should publish the online status", func() {
			So(eventually(3*time.Second, func() bool { return conn.statusCount() > 0 }), ShouldBeTrue)
			conn.mu.Lock()
			status := conn.statuses[0]
			conn.mu.Unlock()
			So(status, ShouldEqual, "online")
		})

		Convey("The measurement producer should publish a plausible reading", func() {
			So(eventually(3*time.Second, func() bool { return conn.publishCount() > 0 }), ShouldBeTrue)
			conn.mu.Lock()
			published := conn.published[0]
			conn.mu.Unlock()
			So(published.topic, ShouldEqual, "device/dev-42/measurement")
			So(published.qos, ShouldEqual, 0)
			So(published.retain, ShouldBeFalse)
			var reading Reading
			So(json.Unmarshal([]byte(published.payload), &reading), ShouldBeNil)
			So(reading.Power, ShouldBeBetweenOrEqual, 95.0, 105.0)
			_, err := time.Parse("2006-01-02T15:04:05Z", reading.Timestamp)
			So(err, ShouldBeNil)
		})

		Convey("When the connection is down", func() {
			conn.setConnected(false)
			before := conn.statusCount() + conn.publishCount()
			Convey("The producers should skip their ticks silently", func() {
				time.Sleep(1500 * time.Millisecond)
				So(conn.statusCount()+conn.publishCount(), ShouldEqual, before)
			})
		})

		Convey("When the settings change the broker host", func() {
			deviceAgent.handleSettingsChange(config.Changes{
				config.FieldBrokerHost: config.Change{Old: "localhost", New: "broker.local"},
			})
			Convey("The agent should request a reconnect", func() {
				So(conn.reconnectCount(), ShouldEqual, 1)
			})
		})

		Convey("When the settings change only the poll interval", func() {
			deviceAgent.handleSettingsChange(config.Changes{
				config.FieldPollInterval: config.Change{Old: 5, New: 2},
			})
			Convey("The agent should not request a reconnect", func() {
				So(conn.reconnectCount(), ShouldEqual, 0)
			})
		})

		Convey("When calling Start again", func() {
			deviceAgent.Start()
			deviceAgent.Stop()
			Convey("There should still be exactly one connection stop", func() {
				conn.mu.Lock()
				stops := conn.stops
				conn.mu.Unlock()
				So(stops, ShouldEqual, 1)
			})
		})

		Convey("When calling Stop twice", func() {
			deviceAgent.Stop()
			deviceAgent.Stop()
			Convey("The connection should be stopped exactly once", func() {
				conn.mu.Lock()
				stops := conn.stops
				conn.mu.Unlock()
				So(stops, ShouldEqual, 1)
			})
		})
	})
}
