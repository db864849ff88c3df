// Copyright © 2026 CyberGrid
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/cybergrid/device-agent/config"
)

// Backoff tunables for the connection retry loop. The delay before attempt
// k is min(BackoffBase * 2^(k-1), BackoffMax) and resets to BackoffBase the
// moment a connection succeeds.
var (
	BackoffBase = 5 * time.Second
	BackoffMax  = 60 * time.Second
)

// ConnectTimeout is the timeout for a single connection attempt
var ConnectTimeout = 10 * time.Second

// DisconnectQuiesce is the time in milliseconds given to the transport to
// flush outstanding work before the network connection is closed
var DisconnectQuiesce uint = 250

// PublishTimeout bounds the wait for the broker to ack a status publish.
// A timeout counts as a failed best-effort attempt; the supervising loop
// must never block indefinitely on an unacked publish.
var PublishTimeout = 5 * time.Second

// Topic formats for status and measurement messages
var (
	StatusTopicFormat      = "device/%s/status"
	MeasurementTopicFormat = "device/%s/measurement"
)

// StatusQoS is the delivery guarantee for status messages and the last-will
var StatusQoS byte = 1

// StatusTopic returns the status topic for the given device ID. It is also
// the last-will target.
func StatusTopic(deviceID string) string {
	return fmt.Sprintf(StatusTopicFormat, deviceID)
}

// MeasurementTopic returns the measurement topic for the given device ID
func MeasurementTopic(deviceID string) string {
	return fmt.Sprintf(MeasurementTopicFormat, deviceID)
}

// State of the broker session
type State int

// Session states
const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	}
	return "Disconnected"
}

// session is the subset of paho.Client the supervising loop needs. Tests
// substitute a fake transport through newSession.
type session interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

var newSession = func(opts *paho.ClientOptions) session {
	return paho.NewClient(opts)
}

type statusMessage struct {
	Status string `json:"status"`
}

// Client maintains at most one live session to the MQTT broker. Broker
// address and port are read from the settings store at the start of every
// connection attempt, so a reconnect picks up changed settings.
type Client struct {
	ctx      log.Interface
	store    *config.Store
	deviceID string

	mu    sync.RWMutex
	state State
	sess  session
	gen   uint64

	running   bool
	reconnect chan uint64
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New returns a new Client for the given device
func New(store *config.Store, deviceID string, ctx log.Interface) *Client {
	return &Client{
		ctx:       ctx.WithField("Component", "MQTT"),
		store:     store,
		deviceID:  deviceID,
		reconnect: make(chan uint64, 1),
		done:      make(chan struct{}),
	}
}

// Start begins the supervising loop. Calling Start again while the loop is
// running has no effect.
func (c *Client) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()
	c.wg.Add(1)
	go c.supervise()
}

// Stop requests terminal shutdown and blocks until the supervising loop has
// exited and the session, if any, has been released. Stop is idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}

// IsConnected is a non-blocking snapshot of whether the session is live
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// State is a non-blocking snapshot of the session state
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// RequestReconnect asks the supervising loop to tear the session down and
// connect again with the current settings. Safe to call from any goroutine.
// A no-op unless the session is currently connected. The request is tagged
// with the session generation it was aimed at, so a request that outlives
// its session is ignored instead of cycling the next one.
func (c *Client) RequestReconnect() {
	c.mu.RLock()
	state, gen := c.state, c.gen
	c.mu.RUnlock()
	if state != Connected {
		return
	}
	select {
	case c.reconnect <- gen:
	default:
	}
}

// Publish forwards a message to the session. When the session is not
// connected the message is dropped: there is no outbound buffering. A
// publish failure is logged and never changes the connection state.
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) {
	c.mu.RLock()
	sess, state := c.sess, c.state
	c.mu.RUnlock()
	if state != Connected || sess == nil {
		return
	}
	token := sess.Publish(topic, qos, retain, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			publishes.WithLabelValues("error").Inc()
			c.ctx.WithField("Topic", topic).WithError(err).Warn("Could not publish message")
			return
		}
		publishes.WithLabelValues("ok").Inc()
		c.ctx.WithField("Topic", topic).Debug("Published message")
	}()
}

// PublishStatus publishes `{"status":...}` to the device's status topic,
// retained, at StatusQoS.
func (c *Client) PublishStatus(status string) {
	payload, _ := json.Marshal(statusMessage{Status: status})
	c.Publish(StatusTopic(c.deviceID), payload, StatusQoS, true)
}

func (c *Client) supervise() {
	defer c.wg.Done()
	for {
		sess, lost, ok := c.connectWithRetry()
		if !ok {
			c.setSession(nil, Disconnected)
			return
		}
		c.setSession(sess, Connected)
		if err := c.publishStatusOn(sess, "online"); err != nil {
			c.ctx.WithError(err).Warn("Could not publish online status")
		}
		gen := c.sessionGen()

	connected:
		for {
			select {
			case requested := <-c.reconnect:
				if requested != gen {
					// Aimed at a session that is already gone.
					continue
				}
				reconnects.Inc()
				c.ctx.Info("Reconnect requested, releasing connection")
				c.release(sess)
				break connected
			case <-lost:
				c.ctx.Warn("Connection lost, reconnecting")
				c.setSession(nil, Disconnected)
				break connected
			case <-c.done:
				c.release(sess)
				return
			}
		}
	}
}

// connectWithRetry attempts to connect until it succeeds or shutdown is
// requested. The backoff wait is interrupted by shutdown.
func (c *Client) connectWithRetry() (session, <-chan struct{}, bool) {
	backoff := BackoffBase
	for attempt := 1; ; attempt++ {
		select {
		case <-c.done:
			return nil, nil, false
		default:
		}
		c.setSession(nil, Connecting)
		sess, lost, err := c.connect()
		if err == nil {
			return sess, lost, true
		}
		c.ctx.WithError(err).Warnf("Connection failed (attempt %d), retrying in %s", attempt, backoff)
		select {
		case <-time.After(backoff):
		case <-c.done:
			return nil, nil, false
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(delay time.Duration) time.Duration {
	delay *= 2
	if delay > BackoffMax {
		delay = BackoffMax
	}
	return delay
}

// connect performs a single connection attempt using the current settings.
// Every attempt registers the retained offline last-will with the broker.
func (c *Client) connect() (session, <-chan struct{}, error) {
	settings := c.store.Settings()
	broker := fmt.Sprintf("tcp://%s:%d", settings.MQTT.Host, settings.MQTT.Port)

	lost := make(chan struct{}, 1)
	will, _ := json.Marshal(statusMessage{Status: "offline"})

	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(c.deviceID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(ConnectTimeout)
	opts.SetBinaryWill(StatusTopic(c.deviceID), will, StatusQoS, true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.ctx.WithError(err).Warn("Disconnected")
		select {
		case lost <- struct{}{}:
		default:
		}
	})

	sess := newSession(opts)
	connectAttempts.Inc()
	token := sess.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, nil, err
	}
	c.ctx.WithField("Broker", broker).Info("Connected")
	return sess, lost, nil
}

// release best-effort-publishes the offline status and then tears the
// session down. The last-will obligation passes to the broker on a dirty
// drop, so a failed offline publish is logged, not fatal.
func (c *Client) release(sess session) {
	if err := c.publishStatusOn(sess, "offline"); err != nil {
		c.ctx.WithError(err).Warn("Could not publish offline status")
	}
	sess.Disconnect(DisconnectQuiesce)
	c.setSession(nil, Disconnected)
}

// publishStatusOn publishes a status message synchronously on the given
// session, bypassing the connectivity snapshot. Used by the supervising
// loop for the online/offline announcements around the session lifecycle.
func (c *Client) publishStatusOn(sess session, status string) error {
	payload, _ := json.Marshal(statusMessage{Status: status})
	token := sess.Publish(StatusTopic(c.deviceID), StatusQoS, true, payload)
	if !token.WaitTimeout(PublishTimeout) {
		publishes.WithLabelValues("error").Inc()
		return fmt.Errorf("publish of %q status not acked within %s", status, PublishTimeout)
	}
	if err := token.Error(); err != nil {
		publishes.WithLabelValues("error").Inc()
		return err
	}
	publishes.WithLabelValues("ok").Inc()
	return nil
}

func (c *Client) sessionGen() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

func (c *Client) setSession(sess session, state State) {
	c.mu.Lock()
	c.sess = sess
	c.state = state
	c.gen++
	c.mu.Unlock()
	if state == Connected {
		connectedGauge.Set(1)
	} else {
		connectedGauge.Set(0)
	}
}
