package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/thermo-controller/internal/sensor"
)

func TestFormatPayloadKeys(t *testing.T) {
	s := sensor.Sample{
		Time:           time.Date(2026, 2, 2, 22, 18, 12, 0, time.FixedZone("CET", 3600)),
		MessageID:      7,
		Temperature:    25,
		CPUTemperature: 70,
		Pressure:       1002.5,
		Humidity:       41.2,
		Altitude:       90.13,
	}

	body, err := FormatPayload(s, "thermo-1")
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"cpuTemperature": 70,
		"temperature": 25,
		"id": "20260202211812",
		"messageId": 7,
		"deviceId": "thermo-1",
		"altitude": 90.13,
		"pressure": 1002.5,
		"humidity": 41.2
	}`, string(body))
}

func TestNewMessageAlertProperty(t *testing.T) {
	s := sensor.Sample{Time: time.Now(), MessageID: 3}

	msg, err := NewMessage(s, "d", true)
	require.NoError(t, err)
	assert.Equal(t, "true", msg.Properties[PropertyAlert])
	assert.Equal(t, "3", msg.ID)
	assert.Equal(t, "application/json", msg.ContentType)

	msg, err = NewMessage(s, "d", false)
	require.NoError(t, err)
	assert.Equal(t, "false", msg.Properties[PropertyAlert])

	var p Payload
	require.NoError(t, json.Unmarshal(msg.Body, &p))
	assert.Equal(t, "d", p.DeviceID)
}

func TestParseID(t *testing.T) {
	at := time.Date(2026, 10, 19, 8, 30, 5, 0, time.UTC)
	got, err := ParseID(NewPayload(sensor.Sample{Time: at}, "d").ID)
	require.NoError(t, err)
	assert.True(t, at.Equal(got))
}
