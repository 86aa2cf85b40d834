package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/transfer-switch/internal/status"
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
	"orUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
	"reading": func(v *float64, unit string) string {
		if v == nil {
			return "n/a"
		}
		return fmt.Sprintf("%.1f%s", *v, unit)
	},
	"multiplier": func(v *float64) string {
		if v == nil {
			return "n/a"
		}
		return fmt.Sprintf("%.3f", *v)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Transfer Switch</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.generator { color: #b35900; font-weight: bold; }
.grid { color: green; font-weight: bold; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Transfer Switch{{if .Config.WSBroker}}<span id="live-dot" class="live-dot pending" title="connecting"></span>{{end}}</h1>

<h2>Switch</h2>
<table>
<tr><th>State</th><td id="switch-state">{{orUnknown (printf "%s" .Switch.State)}}</td></tr>
<tr><th>Input</th><td>{{if .Switch.Service}}{{.Switch.Service}}{{else}}not found{{end}}</td></tr>
<tr><th>Applied profile</th><td id="applied" class="{{if eq (printf "%s" .Switch.Applied) "GENERATOR"}}generator{{else if eq (printf "%s" .Switch.Applied) "GRID"}}grid{{else}}unknown{{end}}">{{orUnknown (printf "%s" .Switch.Applied)}}</td></tr>
<tr><th>Swaps to generator</th><td>{{.Switch.Counts.ToGenerator}}</td></tr>
<tr><th>Swaps to grid</th><td>{{.Switch.Counts.ToGrid}}</td></tr>
</table>

<h2>Inverter</h2>
<table>
<tr><th>Device</th><td>{{if .Inverter.Service}}{{.Inverter.Model}} ({{.Inverter.Service}}){{else}}not found{{end}}</td></tr>
<tr><th>AC inputs</th><td>{{.Inverter.AcInputs}}</td></tr>
<tr><th>Switch on input</th><td>{{if .Inverter.Location}}AC{{.Inverter.Location}}{{else}}n/a{{end}}</td></tr>
<tr><th>Remote generator selected</th><td>{{if lt .Inverter.RemoteGeneratorSelected 0}}n/a{{else}}{{.Inverter.RemoteGeneratorSelected}}{{end}}</td></tr>
</table>

<h2>Generator Current</h2>
<table>
<tr><th>Auto current</th><td id="auto-mode">{{orUnknown (printf "%s" .Generator.Mode)}}</td></tr>
<tr><th>Outdoor</th><td>{{reading .Generator.OutdoorTempF " °F"}}</td></tr>
<tr><th>Altitude</th><td>{{reading .Generator.AltitudeFt " ft"}}</td></tr>
<tr><th>Generator</th><td>{{reading .Generator.GeneratorTempF " °F"}}</td></tr>
<tr><th>Multiplier</th><td>{{multiplier .Generator.Multiplier}}</td></tr>
<tr><th>Derated limit</th><td id="derated">{{reading .Generator.DeratedAmps " A"}}</td></tr>
<tr><th>Generator limit setting</th><td>{{reading .Generator.StoredLimit " A"}}</td></tr>
<tr><th>AC input limit</th><td>{{reading .Generator.ACLimit " A"}}</td></tr>
{{if .Generator.Skip}}<tr><th>Note</th><td class="unknown">{{.Generator.Skip}}</td></tr>{{end}}
</table>

<h2>Connectivity</h2>
<table>
<tr><th>Bus</th><td>{{.Config.Transport}}</td></tr>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{if .Config.Broker}}{{.Config.Broker}}{{else}}disabled{{end}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Switch interval</th><td>{{.Config.SwitchIntervalMs}}ms</td></tr>
<tr><th>Monitor interval</th><td>{{.Config.MonitorIntervalMs}}ms</td></tr>
<tr><th>Debounce</th><td>{{.Config.DebounceMs}}ms</td></tr>
<tr><th>Settings</th><td>{{.Config.SettingsStore}}</td></tr>
<tr><th>Heartbeat</th><td>{{if .Config.Heartbeat}}{{.Config.Heartbeat}}{{else}}disabled{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
{{if .Config.WSBroker}}
<script src="https://unpkg.com/mqtt@5/dist/mqtt.min.js"></script>
<script>
(function() {
  var broker = "{{.Config.WSBroker}}";
  var topic = "{{.EventsTopic}}";
  var dot = document.getElementById("live-dot");
  var stateEl = document.getElementById("switch-state");
  var appliedEl = document.getElementById("applied");
  var modeEl = document.getElementById("auto-mode");
  var deratedEl = document.getElementById("derated");

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  var client = mqtt.connect(broker, { reconnectPeriod: 5000 });

  client.on("connect", function() {
    setDot("ok", "live");
    client.subscribe(topic);
  });
  client.on("reconnect", function() { setDot("pending", "reconnecting"); });
  client.on("offline", function() { setDot("err", "offline"); });
  client.on("error", function() { setDot("err", "error"); });

  client.on("message", function(t, payload) {
    try {
      var ev = JSON.parse(payload.toString()).transferSwitch;
      if (!ev) { return; }
      switch (ev.event) {
      case "TO_GENERATOR":
      case "TO_GRID":
        appliedEl.textContent = ev.source;
        appliedEl.className = ev.source === "GENERATOR" ? "generator" : "grid";
        stateEl.textContent = "BOUND_" + ev.source;
        break;
      case "SWITCH_LOST":
        stateEl.textContent = "UNBOUND";
        break;
      case "AUTO_MODE":
        modeEl.textContent = ev.mode;
        break;
      case "DERATED_LIMIT":
        deratedEl.textContent = ev.amps.toFixed(1) + " A";
        break;
      }
    } catch (e) {}
  });
})();
</script>
{{end}}
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot, eventsTopic string) {
	data := struct {
		status.Snapshot
		Uptime      time.Duration
		EventsTopic string
	}{
		Snapshot:    snap,
		Uptime:      snap.Uptime(),
		EventsTopic: eventsTopic,
	}
	indexTmpl.Execute(w, data)
}
