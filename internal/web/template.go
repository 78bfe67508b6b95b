package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/thermo-controller/internal/hub"
	"github.com/sweeney/thermo-controller/internal/logic"
	"github.com/sweeney/thermo-controller/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"actionClass": func(a logic.Action) string {
		switch a {
		case logic.ActionHeating:
			return "heating"
		case logic.ActionCooling:
			return "cooling"
		case logic.ActionStable:
			return "stable"
		}
		return "unknown"
	},
	"actionOrUnknown": func(a logic.Action) string {
		if a == "" {
			return string(logic.ActionUnknown)
		}
		return string(a)
	},
	"stateClass": func(s hub.ConnectionState) string {
		switch s {
		case hub.Connected:
			return "connected"
		case hub.DisconnectedRetrying:
			return "retrying"
		}
		return "disconnected"
	},
	"utc": func(t time.Time) string {
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="30">
<title>Thermo Controller</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.heating { color: #c60; font-weight: bold; }
.cooling { color: #06c; font-weight: bold; }
.stable { color: green; }
.unknown { color: orange; }
.connected { color: green; }
.retrying { color: orange; }
.disconnected { color: red; }
.alert { color: red; font-weight: bold; }
</style>
</head>
<body>
<h1>Thermo Controller</h1>

<h2>Room</h2>
<table>
<tr><th>Action</th><td id="action" class="{{actionClass .Decision.Action}}">{{actionOrUnknown .Decision.Action}}</td></tr>
<tr><th>Setpoint</th><td>{{.Setpoint}}&deg;C</td></tr>
{{if .Sample}}<tr><th>Room temperature</th><td>{{.Decision.RoomTemperature}}&deg;C ({{.Sample.Temperature}})</td></tr>
<tr><th>CPU temperature</th><td{{if .Decision.Alert}} class="alert"{{end}}>{{.Sample.CPUTemperature}}&deg;C{{if .Decision.Alert}} ALERT{{end}}</td></tr>
<tr><th>Pressure</th><td>{{.Sample.Pressure}} hPa</td></tr>
<tr><th>Humidity</th><td>{{.Sample.Humidity}}%</td></tr>
<tr><th>Last sample</th><td>#{{.Sample.MessageID}} at {{utc .Sample.Time}}</td></tr>{{end}}
<tr><th>Fan</th><td>{{if .Decision.FanOn}}on{{else}}off{{end}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>Hub</th><td id="connection" class="{{stateClass .Connection.State}}">{{.Connection}}</td></tr>
<tr><th>Host</th><td>{{.Config.Host}} ({{.Config.Transport}})</td></tr>
<tr><th>Device</th><td>{{.Config.DeviceID}}</td></tr>
<tr><th>Credentials left</th><td>{{.CredentialsRemaining}}</td></tr>
{{if .Terminal}}<tr><th>Stopped</th><td class="alert">{{.Terminal}}</td></tr>{{end}}
<tr><th>Telemetry</th><td>{{.Telemetry.Sent}} sent, {{.Telemetry.Skipped}} skipped, {{.Telemetry.Failed}} failed</td></tr>
</table>

{{if .Transitions}}<h2>Recent transitions</h2>
<table>
{{range .Transitions}}<tr><th>{{utc .Time}}</th><td class="{{stateClass .Status.State}}">{{.Status}}</td></tr>
{{end}}</table>{{end}}

<h2>Cycle Counts</h2>
<table>
<tr><th>Heating</th><td>{{.Counts.Heating}}</td></tr>
<tr><th>Cooling</th><td>{{.Counts.Cooling}}</td></tr>
<tr><th>Stable</th><td>{{.Counts.Stable}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{utc .StartTime}}</td></tr>
<tr><th>Interval</th><td>{{.Config.IntervalMs}}ms</td></tr>
<tr><th>Fan pin</th><td>{{.Config.FanPin}}</td></tr>
<tr><th>Alert above</th><td>{{.Config.AlertThreshold}}&deg;C</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
