package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridpp/xrootdrestart/pkg/admin"
	"github.com/gridpp/xrootdrestart/pkg/alerter"
	"github.com/gridpp/xrootdrestart/pkg/config"
	"github.com/gridpp/xrootdrestart/pkg/remote"
	"github.com/gridpp/xrootdrestart/pkg/ring"
	log "github.com/sirupsen/logrus"
)

// Process exit codes. ExitKeyCreated is produced by the setup flow, not the
// supervisor loop.
const (
	ExitClean      = 0
	ExitKeyCreated = 1
	ExitError      = 2
	ExitSignal     = 3
)

// tickPoll is the granularity at which the scheduler loop wakes up to check
// for the next tick or a shutdown signal.
const tickPoll = 5 * time.Second

// Supervisor wires the config, alerter, dialer and ring together and runs
// the periodic restart scheduler plus the heartbeat task.
type Supervisor struct {
	cfg     *config.Config
	alerter *alerter.Alerter
	dialer  remote.Dialer
	ring    *ring.Ring
	token   *remote.Token

	poll              time.Duration
	heartbeatInterval time.Duration
}

// Option adjusts a Supervisor, mainly for tests.
type Option func(*Supervisor)

// WithDialer substitutes the ssh dialer.
func WithDialer(d remote.Dialer) Option {
	return func(s *Supervisor) { s.dialer = d }
}

// WithPollInterval shortens the scheduler poll for tests.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.poll = d }
}

// WithHeartbeatInterval shortens the heartbeat cadence for tests.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.heartbeatInterval = d }
}

// New builds the supervisor: alerter, ssh dialer, and one ring node per
// configured server, each primed from the alert sink.
func New(cfg *config.Config, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{
		cfg:               cfg,
		token:             &remote.Token{},
		poll:              tickPoll,
		heartbeatInterval: alerter.HeartbeatInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	log.Info("Starting Alerter")
	s.alerter = alerter.New(cfg)

	if s.dialer == nil {
		dialer, err := remote.NewSSHDialer(cfg.SSHUser, cfg.PrivateKeyFile(),
			time.Duration(cfg.ServiceTimeout)*time.Second)
		if err != nil {
			return nil, err
		}
		s.dialer = dialer
	}

	s.ring = ring.New(cfg.MinOK, s.alerter)
	for _, host := range cfg.Servers {
		// Prime the alert gauges from what was active on the last run.
		s.alerter.ResetAlerts(host)
		node := remote.NewNode(host, s.dialer, s.alerter, s.token,
			cfg.CmsdSvc, cfg.XrootdSvc,
			time.Duration(cfg.CmsdWait)*time.Second, s.ring.AdjustOK)
		s.ring.Add(node)
	}
	return s, nil
}

// Interval is the time between successive restarts across the ring, chosen
// so every node is restarted once per cmsd_period.
func (s *Supervisor) Interval() time.Duration {
	return time.Duration(s.cfg.CmsdPeriod) * time.Second / time.Duration(s.ring.Len())
}

// Alerter exposes the alerter, mainly for tests.
func (s *Supervisor) Alerter() *alerter.Alerter {
	return s.alerter
}

// Stop requests a graceful shutdown, exactly as a termination signal would:
// an in-flight restart rolls back and Run returns ExitSignal.
func (s *Supervisor) Stop() {
	s.token.Set()
}

// Run drives the restart scheduler until a signal or a fatal condition, and
// returns the process exit code. The first restart happens immediately; the
// following ones every Interval.
func (s *Supervisor) Run() int {
	if s.ring.Len() == 0 {
		log.Info("No servers specified.  Program exit")
		return ExitClean
	}

	log.Infof("Processing server list: %s", s.ring)
	interval := s.Interval()
	log.Infof("A server will be restarted every %s", interval)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)
	go func() {
		sig, ok := <-stop
		if !ok {
			return
		}
		log.Infof("Signal %s received. Setting flag to abort the restart process..", sig)
		s.token.Set()
	}()

	if s.cfg.MetricsMethod == config.Pull {
		go admin.StartServer(fmt.Sprintf(":%d", s.cfg.MetricsPort), s.alerter.Handler())
	}

	log.Info("Starting heartbeat")
	hbStop := make(chan struct{})
	defer close(hbStop)
	go s.heartbeat(hbStop)

	next := time.Now()
	for {
		if s.token.Interrupted() {
			log.Info("Program terminating")
			return ExitSignal
		}

		if !time.Now().Before(next) {
			err := s.ring.RestartNext()
			switch {
			case errors.Is(err, remote.ErrTerminate):
				log.Info("Program terminating")
				return ExitSignal
			case errors.Is(err, ring.ErrInsufficientServers):
				// The alert was raised by the ring before the error
				// surfaced, so the final scrape can observe the breach.
				log.Errorf("Program terminating because of an exception: %s", err)
				return ExitError
			}
			next = time.Now().Add(interval)
		}

		wait := time.Until(next)
		if wait > s.poll {
			wait = s.poll
		}
		if wait > 0 {
			time.Sleep(wait)
		}
	}
}

// heartbeat refreshes the heartbeat gauge (and pushes it in PUSH mode) until
// stopped. A push failure disables the heartbeat but not the supervisor.
func (s *Supervisor) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		if err := s.alerter.SetHeartbeat(); err != nil {
			log.Errorf("Error generating the heartbeat: %s", err)
			log.Error("Heartbeat disabled")
			return
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}
