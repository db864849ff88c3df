// Copyright © 2026 CyberGrid
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package agent

import (
	"math"
	"math/rand"
	"time"
)

// MeasurementJitter is the maximum relative deviation of a simulated
// reading from the device's rated power
var MeasurementJitter = 0.05

// Reading is one simulated power measurement
type Reading struct {
	Timestamp string  `json:"timestamp"`
	Power     float64 `json:"power"`
}

// NewReading simulates a power reading: the rated power varied by up to
// ±MeasurementJitter, rounded to one decimal, stamped with the current UTC
// time at second precision.
func NewReading(ratedPower float64) Reading {
	jitter := (rand.Float64()*2 - 1) * MeasurementJitter
	power := math.Round(ratedPower*(1+jitter)*10) / 10
	return Reading{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		Power:     power,
	}
}
