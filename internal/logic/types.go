// Package logic contains the pure decision logic of the controller.
// This package has NO external dependencies (no sensor, GPIO, network or
// time.Sleep). Time is always injectable via time.Time parameters.
package logic

import "time"

// Action is the state derived from comparing the room temperature with
// the setpoint.
type Action string

const (
	ActionUnknown Action = "Unknown"
	ActionHeating Action = "Heating"
	ActionCooling Action = "Cooling"
	ActionStable  Action = "Stable"
)

// Input is one cycle's worth of readings.
type Input struct {
	// Room is the primary (room) temperature in °C.
	Room float64
	// Enclosure is the secondary temperature compared with the alert threshold.
	Enclosure float64
	// Setpoint is the desired room temperature in whole °C.
	Setpoint int
	Time     time.Time
}

// Decision is the outcome of one cycle.
type Decision struct {
	Time            time.Time
	Action          Action
	RoomTemperature int
	Alert           bool
	// FanOn is the actuator command for the cycle.
	FanOn bool
}

// ActionCounts tracks how many cycles ended in each action since startup.
type ActionCounts struct {
	Heating int
	Cooling int
	Stable  int
}
