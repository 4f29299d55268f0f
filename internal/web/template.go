package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/mesraekuiti/ozone-machine/internal/status"
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
	"seconds": func(d time.Duration) string {
		return fmt.Sprintf("%.0fs", d.Seconds())
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Ozone Machine</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.active { color: green; font-weight: bold; }
.idle { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Ozone Machine</h1>

<h2>Treatment</h2>
<table>
{{if .Active}}
<tr><th>State</th><td class="active">{{.Kind}}</td></tr>
<tr><th>Remaining</th><td>{{seconds .Remaining}}</td></tr>
{{else}}
<tr><th>State</th><td class="idle">IDLE</td></tr>
{{end}}
</table>

<h2>Counters</h2>
<table>
<tr><th>Basic</th><td>{{.Counters.Basic}}</td></tr>
<tr><th>Standard</th><td>{{.Counters.Standard}}</td></tr>
<tr><th>Premium</th><td>{{.Counters.Premium}}</td></tr>
<tr><th>Reset epoch</th><td>{{.ResetEpoch}}</td></tr>
</table>

<h2>Backend</h2>
<table>
<tr><th>Device</th><td>{{if .Assigned}}{{.DeviceID}}{{else}}unassigned{{end}}</td></tr>
<tr><th>Sync</th><td class="{{if .Sync.Online}}connected{{else}}disconnected{{end}}">{{if .Sync.Online}}online{{else}}offline{{end}}</td></tr>
<tr><th>Event queue</th><td>{{.EventBytes}} bytes</td></tr>
<tr><th>Command queue</th><td>{{.CommandBytes}} bytes</td></tr>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Firmware</th><td>{{.Firmware}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Input poll</th><td>{{.Config.InputPollMs}}ms</td></tr>
<tr><th>Debounce</th><td>{{.Config.DebounceMs}}ms</td></tr>
<tr><th>Stop hold</th><td>{{.Config.HoldMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
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
