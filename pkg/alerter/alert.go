package alerter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// Alert names understood by the receiving Alertmanager.
const (
	AlertConnectError        = "XROOTDRESTART_CONNECT_ERROR"
	AlertRestartError        = "XROOTDRESTART_RESTART_ERROR"
	AlertInsufficientServers = "XROOTDRESTART_INSUFFICIENT_SERVERS"
)

// alertNames lists every alert kind this program owns.
var alertNames = []string{AlertConnectError, AlertRestartError, AlertInsufficientServers}

// Alert is the wire form of an Alertmanager v2 alert. Fields the program
// doesn't use are dropped when an active alert is read back and re-posted;
// Alertmanager identifies alerts by their label set so this is lossless for
// our purposes.
type Alert struct {
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	StartsAt     string            `json:"startsAt,omitempty"`
	EndsAt       string            `json:"endsAt,omitempty"`
	GeneratorURL string            `json:"generatorURL,omitempty"`
}

// Name returns the alertname label.
func (a Alert) Name() string {
	return a.Labels["alertname"]
}

// Node returns the node label, empty for cluster-wide alerts.
func (a Alert) Node() string {
	return a.Labels["node"]
}

func newAlert(name, node, summary, description string) Alert {
	a := Alert{
		Labels: map[string]string{
			"alertname": name,
			"severity":  "critical",
		},
		Annotations: map[string]string{
			"summary":     summary,
			"description": description,
		},
		StartsAt: rfc3339Now(),
	}
	if node != "" {
		a.Labels["node"] = node
	}
	return a
}

func rfc3339Now() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// activeAlerts returns the alerts currently firing on the Alertmanager whose
// alertname is in names. Sink errors are logged and yield an empty list; the
// sink is the source of truth and there is no local cache to fall back on.
func (a *Alerter) activeAlerts(names ...string) []Alert {
	if !a.alertsOn {
		return nil
	}
	url := a.alertURL + "/api/v2/alerts"
	log.Debugf("Requesting alerts from %s", url)

	resp, err := a.client.Get(url)
	if err != nil {
		log.Errorf("Error fetching active alerts: %s", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Errorf("Error fetching active alerts: %s returned %s", url, resp.Status)
		return nil
	}

	var all []Alert
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		log.Errorf("Error decoding active alerts: %s", err)
		return nil
	}

	var matched []Alert
	for _, alert := range all {
		for _, name := range names {
			if alert.Name() == name {
				matched = append(matched, alert)
				break
			}
		}
	}
	log.Debugf("%d alerts read", len(matched))
	return matched
}

// findAlert returns the active alert of the given name for node, or nil. An
// empty node matches the first alert of that name.
func (a *Alerter) findAlert(name, node string) *Alert {
	for _, alert := range a.activeAlerts(name) {
		if node == "" || alert.Node() == node {
			alert := alert
			return &alert
		}
	}
	return nil
}

// sendAlert posts a single alert to the Alertmanager.
func (a *Alerter) sendAlert(alert Alert) {
	if !a.alertsOn {
		return
	}
	url := a.alertURL + "/api/v2/alerts"
	log.Debugf("Sending alert to %s: %s", url, alert.Name())

	body, err := json.Marshal([]Alert{alert})
	if err != nil {
		log.Errorf("Error encoding alert %s: %s", alert.Name(), err)
		return
	}
	resp, err := a.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Errorf("Error sending alert %s: %s", alert.Name(), err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(resp.Body)
		log.Errorf("Failed to send alert %s: %s %s", alert.Name(), resp.Status, text)
		return
	}
	log.Debug("Alert sent successfully")
}

// raiseAlert posts a new alert unless an equal one is already active.
func (a *Alerter) raiseAlert(name, node, summary, description string) {
	if !a.alertsOn {
		return
	}
	if a.findAlert(name, node) != nil {
		log.Debugf("Alert %s for %q already active, not re-raising", name, node)
		return
	}
	a.sendAlert(newAlert(name, node, summary, description))
}

// endAlert sets the end time of an active alert and posts it back.
func (a *Alerter) endAlert(alert Alert) {
	log.Infof("Ending alert: %s node=%q", alert.Name(), alert.Node())
	alert.EndsAt = rfc3339Now()
	a.sendAlert(alert)
}

// clearAlert ends the active alert of the given name for node, if any.
func (a *Alerter) clearAlert(name, node string) {
	if !a.alertsOn {
		return
	}
	if alert := a.findAlert(name, node); alert != nil {
		a.endAlert(*alert)
	}
}

// RemoveActiveAlerts ends every alert owned by this program that is active on
// the Alertmanager. The uninstall flow uses it to leave a clean sink behind.
func (a *Alerter) RemoveActiveAlerts() {
	for _, alert := range a.activeAlerts(alertNames...) {
		a.endAlert(alert)
	}
}

// connectSummary builds the summary line for a connect alert.
func connectSummary(node string) string {
	return fmt.Sprintf("XRootDRestart is unable to connect to %s", node)
}

// restartSummary builds the summary line for a restart alert.
func restartSummary(node string) string {
	return fmt.Sprintf("Unable to restart the services on %s", node)
}
