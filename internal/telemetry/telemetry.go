// Package telemetry builds the device-to-cloud telemetry message.
package telemetry

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/sweeney/thermo-controller/internal/hub"
	"github.com/sweeney/thermo-controller/internal/sensor"
)

// PropertyAlert is the message property flagging an enclosure over-temperature.
const PropertyAlert = "temperatureAlert"

// IDLayout formats the capture time carried in the payload id.
const IDLayout = "20060102150405"

// Payload is the telemetry message body.
type Payload struct {
	CPUTemperature float64 `json:"cpuTemperature"`
	Temperature    float64 `json:"temperature"`
	ID             string  `json:"id"`
	MessageID      int64   `json:"messageId"`
	DeviceID       string  `json:"deviceId"`
	Altitude       float64 `json:"altitude"`
	Pressure       float64 `json:"pressure"`
	Humidity       float64 `json:"humidity"`
}

// NewPayload builds the payload for a sample.
func NewPayload(s sensor.Sample, deviceID string) Payload {
	return Payload{
		CPUTemperature: s.CPUTemperature,
		Temperature:    s.Temperature,
		ID:             s.Time.UTC().Format(IDLayout),
		MessageID:      s.MessageID,
		DeviceID:       deviceID,
		Altitude:       s.Altitude,
		Pressure:       s.Pressure,
		Humidity:       s.Humidity,
	}
}

// FormatPayload creates the JSON body for a sample.
func FormatPayload(s sensor.Sample, deviceID string) ([]byte, error) {
	return json.Marshal(NewPayload(s, deviceID))
}

// NewMessage builds the outbound message for a sample with the alert property set.
func NewMessage(s sensor.Sample, deviceID string, alert bool) (*hub.Message, error) {
	body, err := FormatPayload(s, deviceID)
	if err != nil {
		return nil, err
	}
	return &hub.Message{
		ID:              strconv.FormatInt(s.MessageID, 10),
		Body:            body,
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		Properties:      map[string]string{PropertyAlert: strconv.FormatBool(alert)},
	}, nil
}

// ParseID parses a payload id back into its capture time.
func ParseID(id string) (time.Time, error) {
	return time.ParseInLocation(IDLayout, id, time.UTC)
}
