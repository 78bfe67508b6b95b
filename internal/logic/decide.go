package logic

import "time"

// DefaultAlertThreshold is the enclosure temperature above which telemetry
// is flagged.
const DefaultAlertThreshold = 69.0

// RoomTemperature truncates a reading to whole degrees toward zero.
func RoomTemperature(room float64) int {
	return int(room)
}

// Derive compares the truncated room temperature with the setpoint.
func Derive(room float64, setpoint int) Action {
	t := RoomTemperature(room)
	switch {
	case t < setpoint:
		return ActionHeating
	case t > setpoint:
		return ActionCooling
	default:
		return ActionStable
	}
}

// Alert reports whether the enclosure temperature is strictly above threshold.
func Alert(enclosure, threshold float64) bool {
	return enclosure > threshold
}

// Decider turns readings into decisions and keeps per-action counts.
type Decider struct {
	threshold float64
	startTime time.Time
	last      Decision
	counts    ActionCounts
}

// NewDecider creates a Decider with the given alert threshold.
// The startTime is used for calculating uptime.
func NewDecider(threshold float64, startTime time.Time) *Decider {
	return &Decider{
		threshold: threshold,
		startTime: startTime,
		last:      Decision{Action: ActionUnknown},
	}
}

// Decide processes one cycle's input.
func (d *Decider) Decide(in Input) Decision {
	action := Derive(in.Room, in.Setpoint)
	dec := Decision{
		Time:            in.Time,
		Action:          action,
		RoomTemperature: RoomTemperature(in.Room),
		Alert:           Alert(in.Enclosure, d.threshold),
		FanOn:           action == ActionHeating,
	}

	switch action {
	case ActionHeating:
		d.counts.Heating++
	case ActionCooling:
		d.counts.Cooling++
	case ActionStable:
		d.counts.Stable++
	}
	d.last = dec
	return dec
}

// Last returns the most recent decision, with ActionUnknown before the first.
func (d *Decider) Last() Decision {
	return d.last
}

// Counts returns the per-action cycle counts.
func (d *Decider) Counts() ActionCounts {
	return d.counts
}

// Uptime returns the time elapsed since startTime.
func (d *Decider) Uptime(now time.Time) time.Duration {
	return now.Sub(d.startTime)
}
