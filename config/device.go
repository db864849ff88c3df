// Copyright © 2026 CyberGrid
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Errors returned by LoadDevice. Both are fatal at startup.
var (
	ErrDeviceNotFound  = errors.New("config: device file not found")
	ErrDeviceMalformed = errors.New("config: device file malformed")
)

// Device is the immutable identity of this device. It is loaded once at
// startup and never changes for the lifetime of the process.
type Device struct {
	ID    string  `json:"device_id"`
	Power float64 `json:"power"`
}

// LoadDevice reads the device identity file at the given path.
func LoadDevice(path string) (*Device, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceMalformed, path, err)
	}
	device := new(Device)
	if err := json.Unmarshal(contents, device); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceMalformed, path, err)
	}
	if device.ID == "" {
		return nil, fmt.Errorf("%w: %s: missing device_id", ErrDeviceMalformed, path)
	}
	if device.Power < 0 {
		return nil, fmt.Errorf("%w: %s: power must not be negative", ErrDeviceMalformed, path)
	}
	return device, nil
}
