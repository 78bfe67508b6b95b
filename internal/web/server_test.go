package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/thermo-controller/internal/hub"
	"github.com/sweeney/thermo-controller/internal/logic"
	"github.com/sweeney/thermo-controller/internal/sensor"
	"github.com/sweeney/thermo-controller/internal/status"
)

func newTestServer(t *testing.T) (*httptest.Server, *status.Tracker) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		DeviceID:       "thermo-1",
		Host:           "hub.example.net",
		Transport:      "mqtt",
		IntervalMs:     24000,
		FanPin:         16,
		AlertThreshold: 69,
		HTTPAddr:       ":80",
	}
	tr := status.NewTracker(start, cfg)
	srv := New(":0", tr)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, tr
}

func getJSON(t *testing.T, url string) status.StatusJSON {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return sj
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.UpdateCycle(
		sensor.Sample{MessageID: 4, Temperature: 25.3, CPUTemperature: 70.2},
		logic.Decision{Action: logic.ActionCooling, RoomTemperature: 25, Alert: true},
		logic.ActionCounts{Cooling: 5, Stable: 2},
	)
	tr.SetSetpoint(21)
	tr.RecordConnection(time.Now(), hub.Status{State: hub.Connected}, 1, nil)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}

	if sj.Status.Action != "Cooling" {
		t.Errorf("Action: got %q, want Cooling", sj.Status.Action)
	}
	if sj.Status.Setpoint != 21 {
		t.Errorf("Setpoint: got %d, want 21", sj.Status.Setpoint)
	}
	if !sj.Status.Alert {
		t.Error("expected Alert=true")
	}
	if !sj.Status.Connection.Connected {
		t.Error("expected Connection.Connected=true")
	}
	if sj.Status.Connection.Host != "hub.example.net" {
		t.Errorf("Connection.Host: got %q, want hub.example.net", sj.Status.Connection.Host)
	}
	if sj.Status.Counts.Cooling != 5 {
		t.Errorf("Counts.Cooling: got %d, want 5", sj.Status.Counts.Cooling)
	}
	if sj.Status.Config.IntervalMs != 24000 {
		t.Errorf("Config.IntervalMs: got %d, want 24000", sj.Status.Config.IntervalMs)
	}
}

func TestJSONUnknownActionBeforeFirstCycle(t *testing.T) {
	ts, _ := newTestServer(t)

	sj := getJSON(t, ts.URL+"/index.json")

	if sj.Status.Action != "Unknown" {
		t.Errorf("Action before first cycle: got %q, want Unknown", sj.Status.Action)
	}
	if sj.Status.Connection.State != "Disconnected" {
		t.Errorf("Connection.State: got %q, want Disconnected", sj.Status.Connection.State)
	}
	if sj.Status.Sample != nil {
		t.Error("expected no sample before first cycle")
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.UpdateCycle(
		sensor.Sample{Temperature: 19.8, CPUTemperature: 71},
		logic.Decision{Action: logic.ActionHeating, RoomTemperature: 19, Alert: true, FanOn: true},
		logic.ActionCounts{Heating: 1},
	)
	tr.RecordConnection(time.Now(), hub.Status{State: hub.Disconnected, Reason: hub.ReasonDeviceDisabled}, 1, hub.ErrDeviceDisabled)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}

	body, _ := io.ReadAll(resp.Body)
	page := string(body)
	for _, want := range []string{`class="heating">Heating`, "ALERT", "Disconnected/DeviceDisabled", "Stopped"} {
		if !strings.Contains(page, want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestHTMLEndpointIndexHTML(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/index.html")
	if err != nil {
		t.Fatalf("GET /index.html: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr := newTestServer(t)

	sj1 := getJSON(t, ts.URL+"/index.json")
	if sj1.Status.Connection.Connected {
		t.Error("expected disconnected initially")
	}

	tr.RecordConnection(time.Now(), hub.Status{State: hub.Connected}, 1, nil)
	tr.UpdateCycle(sensor.Sample{}, logic.Decision{Action: logic.ActionStable, RoomTemperature: 21}, logic.ActionCounts{Stable: 1})

	sj2 := getJSON(t, ts.URL+"/index.json")
	if !sj2.Status.Connection.Connected {
		t.Error("expected connected after update")
	}
	if sj2.Status.Action != "Stable" {
		t.Errorf("Action: got %q, want Stable", sj2.Status.Action)
	}
	if len(sj2.Status.Transitions) != 1 {
		t.Errorf("Transitions: got %d, want 1", len(sj2.Status.Transitions))
	}
}

func TestIndexServesJSONWhenAsked(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.SetSetpoint(19)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "application/json, text/html;q=0.5")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}
	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if sj.Status.Setpoint != 19 {
		t.Errorf("Setpoint: got %d, want 19", sj.Status.Setpoint)
	}
}

func TestIndexServesHTMLToBrowsers(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}
}

func TestConnectionEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.RecordConnection(base, hub.Status{State: hub.Connected}, 2, nil)
	tr.RecordConnection(base.Add(time.Minute), hub.Status{State: hub.Disconnected, Reason: hub.ReasonBadCredential}, 1, nil)

	resp, err := http.Get(ts.URL + "/connection.json")
	if err != nil {
		t.Fatalf("GET /connection.json: %v", err)
	}
	defer resp.Body.Close()

	var body status.ConnectionHistoryJSON
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Connection.State != "Disconnected" || body.Connection.Reason != "BadCredential" {
		t.Errorf("Connection: got %+v", body.Connection)
	}
	if body.Connection.CredentialsRemaining != 1 {
		t.Errorf("CredentialsRemaining: got %d, want 1", body.Connection.CredentialsRemaining)
	}
	if len(body.Transitions) != 2 {
		t.Fatalf("Transitions: got %d, want 2", len(body.Transitions))
	}
	if body.Transitions[1].Reason != "BadCredential" {
		t.Errorf("last transition reason: got %q", body.Transitions[1].Reason)
	}
}

func TestWritesAreRejected(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{"/", "/index.json", "/connection.json"} {
		resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: got %d, want 405", path, resp.StatusCode)
		}
		if allow := resp.Header.Get("Allow"); allow != "GET, HEAD" {
			t.Errorf("POST %s: Allow %q", path, allow)
		}
	}
}
