// Copyright © 2026 CyberGrid
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package mqtt owns the agent's single outbound session to the MQTT broker.
//
// The Client runs one supervising goroutine that establishes the session,
// retries failed attempts with bounded exponential backoff and tears the
// session down on shutdown or when a reconnect is requested (typically
// because the broker settings changed). All state transitions happen on
// that goroutine; other goroutines only publish, read the connectivity
// snapshot or request a reconnect.
//
// Liveness is announced on the "device/[device-id]/status" topic as a
// retained QoS 1 JSON document (`{"status":"online"}`). Every connection
// attempt registers a last-will with the broker that publishes the matching
// `{"status":"offline"}` document if the session drops without a clean
// disconnect, so observers eventually see "offline" even on a crash or a
// network partition.
package mqtt
