// Copyright © 2026 CyberGrid
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/deckarep/golang-set"
)

// Field names used in Changes. Listeners compare against these.
const (
	FieldBrokerHost        = "mqtt.host"
	FieldBrokerPort        = "mqtt.port"
	FieldPollInterval      = "app.poll_interval"
	FieldHeartbeatInterval = "app.heartbeat_interval"
)

// MQTT holds the broker connection settings from the "mqtt" section.
type MQTT struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// App holds the application settings from the "app" section. Intervals are
// in seconds.
type App struct {
	PollInterval      int `yaml:"poll_interval"`
	HeartbeatInterval int `yaml:"heartbeat_interval"`
}

// Settings is the full runtime settings record. The Store replaces it as a
// whole on every successful reload; it is never mutated in place, so a
// snapshot is always fully-old or fully-new.
type Settings struct {
	MQTT MQTT `yaml:"mqtt"`
	App  App  `yaml:"app"`
}

// DefaultSettings returns the settings in effect before the first reload.
func DefaultSettings() *Settings {
	return &Settings{
		MQTT: MQTT{Host: "localhost", Port: 1883},
		App:  App{PollInterval: 5, HeartbeatInterval: 30},
	}
}

func (s *Settings) validate() error {
	if s.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host must not be empty")
	}
	if s.MQTT.Port < 1 || s.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port %d out of range", s.MQTT.Port)
	}
	if s.App.PollInterval < 1 {
		return fmt.Errorf("app.poll_interval must be positive")
	}
	if s.App.HeartbeatInterval < 1 {
		return fmt.Errorf("app.heartbeat_interval must be positive")
	}
	return nil
}

// Change is the (old, new) pair of one settings field.
type Change struct {
	Old interface{}
	New interface{}
}

// Changes maps changed field names to their old and new values. It is
// produced by Store.Reload and consumed once by listeners.
type Changes map[string]Change

// Fields returns the set of changed field names.
func (c Changes) Fields() mapset.Set {
	fields := mapset.NewSet()
	for field := range c {
		fields.Add(field)
	}
	return fields
}

// Touches reports whether any of the given fields changed.
func (c Changes) Touches(fields ...string) bool {
	set := c.Fields()
	for _, field := range fields {
		if set.Contains(field) {
			return true
		}
	}
	return false
}

// String renders a field-by-field old → new summary for logging.
func (c Changes) String() string {
	fields := make([]string, 0, len(c))
	for field := range c {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		change := c[field]
		parts = append(parts, fmt.Sprintf("%s: %v → %v", field, change.Old, change.New))
	}
	return strings.Join(parts, ", ")
}

// diff compares two settings records field by field. Unknown keys in the
// source document can never show up here: the comparison is explicit.
func diff(old, next *Settings) Changes {
	changes := make(Changes)
	if old.MQTT.Host != next.MQTT.Host {
		changes[FieldBrokerHost] = Change{Old: old.MQTT.Host, New: next.MQTT.Host}
	}
	if old.MQTT.Port != next.MQTT.Port {
		changes[FieldBrokerPort] = Change{Old: old.MQTT.Port, New: next.MQTT.Port}
	}
	if old.App.PollInterval != next.App.PollInterval {
		changes[FieldPollInterval] = Change{Old: old.App.PollInterval, New: next.App.PollInterval}
	}
	if old.App.HeartbeatInterval != next.App.HeartbeatInterval {
		changes[FieldHeartbeatInterval] = Change{Old: old.App.HeartbeatInterval, New: next.App.HeartbeatInterval}
	}
	return changes
}
