package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Action          string           `json:"action"`
	Setpoint        int              `json:"setpoint"`
	RoomTemperature *int             `json:"room_temperature,omitempty"`
	Fan             bool             `json:"fan"`
	Alert           bool             `json:"alert"`
	UptimeSeconds   int64            `json:"uptime_seconds"`
	StartTime       string           `json:"start_time"`
	Timestamp       string           `json:"timestamp"`
	Connection      ConnectionJSON   `json:"connection"`
	Sample          *SampleJSON      `json:"sample,omitempty"`
	Counts          CountsJSON       `json:"action_counts"`
	Telemetry       TelemetryJSON    `json:"telemetry"`
	Transitions     []TransitionJSON `json:"transitions"`
	Config          ConfigJSON       `json:"config"`
}

// ConnectionJSON reports the connection state machine.
type ConnectionJSON struct {
	Connected            bool   `json:"connected"`
	State                string `json:"state"`
	Reason               string `json:"reason,omitempty"`
	CredentialsRemaining int    `json:"credentials_remaining"`
	Terminal             string `json:"terminal,omitempty"`
	Host                 string `json:"host"`
}

// SampleJSON is the JSON representation of the last sensor sample.
type SampleJSON struct {
	Time           string  `json:"time"`
	MessageID      int64   `json:"message_id"`
	Temperature    float64 `json:"temperature"`
	CPUTemperature float64 `json:"cpu_temperature"`
	Pressure       float64 `json:"pressure"`
	Humidity       float64 `json:"humidity"`
	Altitude       float64 `json:"altitude"`
}

// CountsJSON is the JSON representation of per-action cycle counts.
type CountsJSON struct {
	Heating int `json:"heating"`
	Cooling int `json:"cooling"`
	Stable  int `json:"stable"`
}

// TelemetryJSON is the JSON representation of telemetry outcomes.
type TelemetryJSON struct {
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// TransitionJSON is one connection transition.
type TransitionJSON struct {
	Time   string `json:"time"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// ConfigJSON is the JSON representation of controller config.
type ConfigJSON struct {
	DeviceID       string  `json:"device_id"`
	Transport      string  `json:"transport"`
	IntervalMs     int64   `json:"interval_ms"`
	FanPin         int     `json:"fan_pin"`
	AlertThreshold float64 `json:"alert_threshold"`
	HTTPAddr       string  `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Action:        string(snap.Decision.Action),
		Setpoint:      snap.Setpoint,
		Fan:           snap.Decision.FanOn,
		Alert:         snap.Decision.Alert,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Connection: ConnectionJSON{
			Connected:            snap.Connected(),
			State:                string(snap.Connection.State),
			Reason:               string(snap.Connection.Reason),
			CredentialsRemaining: snap.CredentialsRemaining,
			Terminal:             snap.Terminal,
			Host:                 snap.Config.Host,
		},
		Counts: CountsJSON{
			Heating: snap.Counts.Heating,
			Cooling: snap.Counts.Cooling,
			Stable:  snap.Counts.Stable,
		},
		Telemetry: TelemetryJSON{
			Sent:    snap.Telemetry.Sent,
			Skipped: snap.Telemetry.Skipped,
			Failed:  snap.Telemetry.Failed,
		},
		Transitions: make([]TransitionJSON, 0, len(snap.Transitions)),
		Config: ConfigJSON{
			DeviceID:       snap.Config.DeviceID,
			Transport:      snap.Config.Transport,
			IntervalMs:     snap.Config.IntervalMs,
			FanPin:         snap.Config.FanPin,
			AlertThreshold: snap.Config.AlertThreshold,
			HTTPAddr:       snap.Config.HTTPAddr,
		},
	}
	if inner.Action == "" {
		inner.Action = "Unknown"
	}

	if s := snap.Sample; s != nil {
		room := snap.Decision.RoomTemperature
		inner.RoomTemperature = &room
		inner.Sample = &SampleJSON{
			Time:           s.Time.UTC().Format(time.RFC3339),
			MessageID:      s.MessageID,
			Temperature:    s.Temperature,
			CPUTemperature: s.CPUTemperature,
			Pressure:       s.Pressure,
			Humidity:       s.Humidity,
			Altitude:       s.Altitude,
		}
	}

	inner.Transitions = append(inner.Transitions, transitionsJSON(snap.Transitions)...)
	return inner
}

func transitionsJSON(trs []Transition) []TransitionJSON {
	out := make([]TransitionJSON, 0, len(trs))
	for _, tr := range trs {
		out = append(out, TransitionJSON{
			Time:   tr.Time.UTC().Format(time.RFC3339),
			State:  string(tr.Status.State),
			Reason: string(tr.Status.Reason),
		})
	}
	return out
}

// ConnectionHistoryJSON is the body of the connection history endpoint.
type ConnectionHistoryJSON struct {
	Connection  ConnectionJSON   `json:"connection"`
	Transitions []TransitionJSON `json:"transitions"`
}

// FormatConnectionJSON returns the current connection and the recorded
// transitions, newest last.
func FormatConnectionJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	data, _ := json.MarshalIndent(ConnectionHistoryJSON{
		Connection:  inner.Connection,
		Transitions: inner.Transitions,
	}, "", "  ")
	return data
}

// FormatJSON returns the JSON status for the web endpoint.
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}
