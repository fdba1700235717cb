package alerter

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gridpp/xrootdrestart/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	log "github.com/sirupsen/logrus"
)

// HeartbeatInterval is how often the heartbeat gauge is refreshed.
const HeartbeatInterval = 5 * time.Second

const (
	nodeLabel    = "node"
	clusterLabel = "cluster"
)

// Alerter owns the metric registry and the alert lifecycle. It translates
// supervisor events into Alertmanager calls and gauge/histogram updates.
// The registry is safe for concurrent use; the Alertmanager holds the
// authoritative alert state.
type Alerter struct {
	registry *prometheus.Registry
	client   *http.Client
	pusher   *push.Pusher

	alertURL string
	cluster  string
	hostname string
	pushMode bool
	alertsOn bool

	heartbeat         *prometheus.GaugeVec
	restartActive     *prometheus.GaugeVec
	startTime         *prometheus.GaugeVec
	restartAlertState *prometheus.GaugeVec
	connectAlertState *prometheus.GaugeVec
	insufficientState *prometheus.GaugeVec
	restartDuration   *prometheus.HistogramVec
}

// New builds an Alerter from the config. Histogram buckets are sized from
// cmsd_wait and service_timeout so a normal restart lands mid-range.
func New(cfg *config.Config) *Alerter {
	a := &Alerter{
		registry: prometheus.NewRegistry(),
		client:   &http.Client{Timeout: 10 * time.Second},
		alertURL: cfg.AlertURL,
		cluster:  cfg.ClusterID,
		hostname: cfg.Hostname,
		pushMode: cfg.MetricsMethod == config.Push,
		alertsOn: cfg.AlertURL != "",
	}
	log.Infof("Alerts are %s", map[bool]string{true: "enabled", false: "disabled"}[a.alertsOn])

	labels := []string{nodeLabel}
	if a.pushMode {
		labels = []string{nodeLabel, clusterLabel}
		a.pusher = push.New(cfg.PushGwURL, "xrootdrestart").Gatherer(a.registry)
	}
	a.createMetrics(labels, durationBuckets(cfg.CmsdWait, cfg.ServiceTimeout))

	a.insufficientState.With(a.labels(a.hostname)).Set(0)
	return a
}

// durationBuckets covers cmsd_wait up to cmsd_wait plus two service timeouts
// in 15 second steps.
func durationBuckets(cmsdWait, serviceTimeout int) []float64 {
	const size = 15
	start := (cmsdWait / size) * size
	end := ((cmsdWait + 2*serviceTimeout + size) / size) * size
	var buckets []float64
	for b := start; b < end; b += size {
		buckets = append(buckets, float64(b))
	}
	return buckets
}

func (a *Alerter) createMetrics(labels []string, buckets []float64) {
	factory := promauto.With(a.registry)
	a.heartbeat = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xrootdrestart_heartbeat",
		Help: fmt.Sprintf("xrootdrestart heartbeat generated every %d seconds", int(HeartbeatInterval.Seconds())),
	}, labels)
	a.restartActive = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xrootdrestart_restart_active",
		Help: "State of the service restart on an XRootD node. 1=Restart Active, 0=Idle",
	}, labels)
	a.startTime = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xrootdrestart_start_time",
		Help: "Time when xrootdrestart started restarting a server",
	}, labels)
	a.restartAlertState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xrootdrestart_restart_alert_state",
		Help: "State of the restart alert for a node. 1=Alert, 0=No Alert",
	}, labels)
	a.connectAlertState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xrootdrestart_connect_alert_state",
		Help: "Unable to connect alert state. 1=Alert, 0=No Alert",
	}, labels)
	a.insufficientState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xrootdrestart_insufficient_alert_state",
		Help: "State of the alert indicating there are insufficient servers to allow restarting to continue. 1=Alert, 0=No Alert",
	}, labels)
	a.restartDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xrootdrestart_restart_duration_seconds",
		Help:    "How long it took to restart a server",
		Buckets: buckets,
	}, labels)
}

// labels returns the label set for a metric sample. PUSH mode carries the
// cluster id so samples from different clusters don't collide in the gateway.
func (a *Alerter) labels(node string) prometheus.Labels {
	l := prometheus.Labels{nodeLabel: node}
	if a.pushMode {
		l[clusterLabel] = a.cluster
	}
	return l
}

// Registry exposes the metric registry, mainly for tests.
func (a *Alerter) Registry() *prometheus.Registry {
	return a.registry
}

// Handler returns the scrape handler for PULL mode.
func (a *Alerter) Handler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

// RestartBegin marks a node restart as in progress.
func (a *Alerter) RestartBegin(node string) {
	a.restartActive.With(a.labels(node)).Set(1)
}

// RestartEnd marks a node restart as finished.
func (a *Alerter) RestartEnd(node string) {
	a.restartActive.With(a.labels(node)).Set(0)
}

// SetRestartTime records when the last restart of node began.
func (a *Alerter) SetRestartTime(node string) {
	a.startTime.With(a.labels(node)).SetToCurrentTime()
}

// ObserveRestartDuration records the wall time of one full restart attempt.
func (a *Alerter) ObserveRestartDuration(node string, seconds float64) {
	a.restartDuration.With(a.labels(node)).Observe(seconds)
}

// SetHeartbeat sets the heartbeat gauge to the current time and, in PUSH
// mode, pushes the registry to the gateway. The returned error is non-nil
// only for push failures.
func (a *Alerter) SetHeartbeat() error {
	log.Debug("heartbeat")
	a.heartbeat.With(a.labels(a.hostname)).SetToCurrentTime()
	if !a.pushMode {
		return nil
	}
	if err := a.pusher.Push(); err != nil {
		return fmt.Errorf("pushing metrics: %w", err)
	}
	return nil
}

// CantConnect raises the connect alert for node and sets its gauge.
func (a *Alerter) CantConnect(node, description string) {
	log.Debugf("Sending %s alert for %s", AlertConnectError, node)
	a.raiseAlert(AlertConnectError, node, connectSummary(node), description)
	a.connectAlertState.With(a.labels(node)).Set(1)
}

// ClearConnectAlert ends the connect alert for node and clears its gauge.
func (a *Alerter) ClearConnectAlert(node string) {
	log.Debugf("Clearing %s alert for %s", AlertConnectError, node)
	a.clearAlert(AlertConnectError, node)
	a.connectAlertState.With(a.labels(node)).Set(0)
}

// RestartFailure raises the restart alert for node and sets its gauge.
func (a *Alerter) RestartFailure(node, description string) {
	log.Debugf("Sending %s alert for %s", AlertRestartError, node)
	a.raiseAlert(AlertRestartError, node, restartSummary(node), description)
	a.restartAlertState.With(a.labels(node)).Set(1)
}

// ClearRestartAlert ends the restart alert for node and clears its gauge.
func (a *Alerter) ClearRestartAlert(node string) {
	log.Debugf("Clearing %s alert for %s", AlertRestartError, node)
	a.clearAlert(AlertRestartError, node)
	a.restartAlertState.With(a.labels(node)).Set(0)
}

// RaiseInsufficient raises the availability-floor alert. The node label is
// the supervisor host since the condition is cluster-wide.
func (a *Alerter) RaiseInsufficient(description string) {
	a.raiseAlert(AlertInsufficientServers, "", "Too many servers down", description)
	a.insufficientState.With(a.labels(a.hostname)).Set(1)
}

// ClearInsufficient ends the availability-floor alert.
func (a *Alerter) ClearInsufficient() {
	log.Debugf("Clearing %s alert", AlertInsufficientServers)
	a.clearAlert(AlertInsufficientServers, "")
	a.insufficientState.With(a.labels(a.hostname)).Set(0)
}

// ResetAlerts primes the per-node alert gauges from the alerts active on the
// Alertmanager, recovering observable state across supervisor restarts.
func (a *Alerter) ResetAlerts(node string) {
	set := func(g *prometheus.GaugeVec, active bool) {
		v := 0.0
		if active {
			v = 1.0
		}
		g.With(a.labels(node)).Set(v)
	}
	set(a.connectAlertState, a.findAlert(AlertConnectError, node) != nil)
	set(a.restartAlertState, a.findAlert(AlertRestartError, node) != nil)
}
