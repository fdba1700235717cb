package remote

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrTerminate aborts an in-flight restart when the process is shutting
// down. It must propagate to the supervisor; every other restart failure is
// recorded on the node and swallowed.
var ErrTerminate = errors.New("program termination detected")

// Token is a cooperative cancellation flag shared between the supervisor's
// signal task and the restart primitives, which consult it before every
// remote command and during the inter-stop wait.
type Token struct {
	flag int32
}

// Set marks the token as interrupted.
func (t *Token) Set() {
	atomic.StoreInt32(&t.flag, 1)
}

// Interrupted reports whether the token has been set.
func (t *Token) Interrupted() bool {
	return atomic.LoadInt32(&t.flag) != 0
}

// Status of a node as seen by the ring.
type Status string

const (
	StatusOK  Status = "OK"
	StatusErr Status = "ERR"
)

// ErrorKind identifies which error condition a node is in.
type ErrorKind int

const (
	// ConnectErr marks a failure to establish the ssh channel.
	ConnectErr ErrorKind = iota + 1
	// RestartErr marks a failure while stopping, starting or verifying a
	// service.
	RestartErr
)

// Events is the subset of the alerter the node drives. Split out as an
// interface so the state machine is testable without a metrics registry.
type Events interface {
	RestartBegin(node string)
	RestartEnd(node string)
	SetRestartTime(node string)
	ObserveRestartDuration(node string, seconds float64)
	CantConnect(node, description string)
	ClearConnectAlert(node string)
	RestartFailure(node, description string)
	ClearRestartAlert(node string)
}

// Node drives the restart state machine for one storage node.
type Node struct {
	Name string

	dialer    Dialer
	events    Events
	token     *Token
	onStatus  func(delta int)
	cmsdSvc   string
	xrootdSvc string
	cmsdWait  time.Duration

	status Status
	errs   map[ErrorKind]bool
}

// NewNode builds a node in status OK. Both error conditions start set: the
// first successful pass then clears any alerts left over from a previous
// supervisor run, and if the node was fine all along the clears are no-ops
// at the sink. onStatus is called with +1/-1 on every OK/ERR transition.
func NewNode(name string, dialer Dialer, events Events, token *Token, cmsdSvc, xrootdSvc string, cmsdWait time.Duration, onStatus func(delta int)) *Node {
	return &Node{
		Name:      name,
		dialer:    dialer,
		events:    events,
		token:     token,
		onStatus:  onStatus,
		cmsdSvc:   cmsdSvc,
		xrootdSvc: xrootdSvc,
		cmsdWait:  cmsdWait,
		status:    StatusOK,
		errs:      map[ErrorKind]bool{ConnectErr: true, RestartErr: true},
	}
}

// Status returns the node's health as last determined by a restart attempt.
func (n *Node) Status() Status {
	return n.status
}

// HasError reports whether the given error condition is currently set.
func (n *Node) HasError(kind ErrorKind) bool {
	return n.errs[kind]
}

func (n *Node) setStatus(status Status) {
	if status == n.status {
		return
	}
	log.Debugf("Setting status for %s to %s", n.Name, status)
	n.status = status
	if status == StatusOK {
		n.onStatus(1)
	} else {
		n.onStatus(-1)
	}
}

// Restart runs one full restart attempt: stop cmsd, wait, stop xrootd,
// start xrootd, start cmsd. Connect and command failures are recorded on the
// node and reported through the alerter; only ErrTerminate is returned.
func (n *Node) Restart() error {
	log.Infof("Restarting %s", n.Name)

	n.events.RestartBegin(n.Name)
	n.events.SetRestartTime(n.Name)
	start := time.Now()

	err := n.doRestart()

	n.events.ObserveRestartDuration(n.Name, time.Since(start).Seconds())
	n.events.RestartEnd(n.Name)

	if errors.Is(err, ErrTerminate) {
		return err
	}
	if err != nil {
		log.Errorf("Exception restarting %s: %s", n.Name, err)
	}
	return nil
}

// restartState tracks which services the current attempt has stopped so a
// termination mid-attempt can roll them back.
type restartState struct {
	cmsdStopped   bool
	xrootdStopped bool
}

func (n *Node) doRestart() error {
	ch, err := n.dialer.Dial(n.Name)
	if err != nil {
		log.Errorf("Error connecting to %s", n.Name)
		log.Errorf("ERROR:%s", err)
		n.errs[ConnectErr] = true
		n.setStatus(StatusErr)
		n.events.CantConnect(n.Name, err.Error())
		return nil
	}
	if n.errs[ConnectErr] {
		n.events.ClearConnectAlert(n.Name)
		n.errs[ConnectErr] = false
	}

	var st restartState
	err = n.restartSequence(ch, &st)

	switch {
	case err == nil:
		n.closeChannel(ch)
		n.setStatus(StatusOK)
		if n.errs[RestartErr] {
			n.events.ClearRestartAlert(n.Name)
			n.errs[RestartErr] = false
		}
		log.Infof("Restarting %s complete", n.Name)
		return nil

	case errors.Is(err, ErrTerminate):
		n.rollback(ch, st)
		return err

	default:
		log.Errorf("Error restarting %s", n.Name)
		log.Errorf("ERROR:%s", err)
		n.setStatus(StatusErr)
		n.errs[RestartErr] = true
		n.events.RestartFailure(n.Name, err.Error())
		n.closeChannel(ch)
		return nil
	}
}

func (n *Node) restartSequence(ch Channel, st *restartState) error {
	if err := n.stopService(ch, n.cmsdSvc, true); err != nil {
		return err
	}
	st.cmsdStopped = true

	log.Infof("Pausing for %s before stopping xrootd", n.cmsdWait)
	n.pause()

	if err := n.stopService(ch, n.xrootdSvc, true); err != nil {
		return err
	}
	st.xrootdStopped = true

	if err := n.startService(ch, n.xrootdSvc, true); err != nil {
		return err
	}
	st.xrootdStopped = false

	if err := n.startService(ch, n.cmsdSvc, true); err != nil {
		return err
	}
	st.cmsdStopped = false

	return nil
}

// rollback starts whatever the interrupted attempt stopped, in reverse stop
// order, without consulting the token again, then closes the channel.
// Rollback errors are logged and do not mask the termination.
func (n *Node) rollback(ch Channel, st restartState) {
	log.Infof("Restarting services as needed and closing the connection to %s", n.Name)

	var err error
	if st.xrootdStopped && err == nil {
		err = n.startService(ch, n.xrootdSvc, false)
	}
	if st.cmsdStopped && err == nil {
		err = n.startService(ch, n.cmsdSvc, false)
	}
	if err != nil {
		log.Errorf("Error while resolving termination of server restart: %s", err)
		log.Infof("Please verify the state of %s is ok", n.Name)
	}
	n.closeChannel(ch)
}

// pause waits cmsdWait between stopping cmsd and stopping xrootd, polling
// the token at 1Hz. It returns early when the token is set; the following
// stopService call then raises ErrTerminate.
func (n *Node) pause() {
	remaining := n.cmsdWait
	for remaining > 0 {
		if n.token.Interrupted() {
			log.Debug("cmsd wait terminated because a signal has been set")
			return
		}
		step := time.Second
		if remaining < step {
			step = remaining
		}
		time.Sleep(step)
		remaining -= step
	}
}

// run executes a remote command, treating any stderr output as a failure.
func (n *Node) run(ch Channel, command string) (string, error) {
	log.Debugf("Executing command (%s): %s", n.Name, command)
	stdout, stderr, err := ch.Exec(command)
	if err != nil {
		return "", err
	}
	log.Debugf("stdout: %s", stdout)
	log.Debugf("stderr: %s", stderr)
	if stderr != "" {
		return "", fmt.Errorf("error running command: %s", stderr)
	}
	return stdout, nil
}

func (n *Node) stopService(ch Channel, service string, checkToken bool) error {
	if checkToken && n.token.Interrupted() {
		return fmt.Errorf("%w: exiting restart", ErrTerminate)
	}

	start := time.Now()
	log.Infof("Stopping service %s on %s", service, n.Name)
	if _, err := n.run(ch, "sudo systemctl stop "+service); err != nil {
		return fmt.Errorf("error stopping %s: %w", service, err)
	}

	log.Infof("Checking the state of %s", service)
	state, err := n.run(ch, "sudo systemctl is-active "+service)
	if err != nil {
		return fmt.Errorf("error stopping %s: %w", service, err)
	}
	if state == "active" {
		return fmt.Errorf("%s failed to stop", service)
	}

	log.Infof("%s stopped successfully", service)
	log.Debugf("Stopping %s took %s", service, time.Since(start))
	return nil
}

func (n *Node) startService(ch Channel, service string, checkToken bool) error {
	if checkToken && n.token.Interrupted() {
		return fmt.Errorf("%w: exiting restart", ErrTerminate)
	}

	start := time.Now()
	log.Infof("Starting service %s on %s", service, n.Name)

	// A service that is already active here means something else started it
	// behind our back; treat it as an inconsistency rather than a success.
	state, err := n.run(ch, "sudo systemctl is-active "+service)
	if err != nil {
		return fmt.Errorf("error starting %s: %w", service, err)
	}
	if state == "active" {
		return fmt.Errorf("%s already active before starting", service)
	}

	if _, err := n.run(ch, "sudo systemctl start "+service); err != nil {
		return fmt.Errorf("error starting %s: %w", service, err)
	}

	log.Infof("Checking the state of %s", service)
	state, err = n.run(ch, "sudo systemctl is-active "+service)
	if err != nil {
		return fmt.Errorf("error starting %s: %w", service, err)
	}
	if state == "inactive" {
		return fmt.Errorf("%s failed to start", service)
	}

	log.Infof("%s started successfully", service)
	log.Debugf("Starting %s took %s", service, time.Since(start))
	return nil
}

func (n *Node) closeChannel(ch Channel) {
	log.Infof("Closing connection to %s", n.Name)
	if err := ch.Close(); err != nil {
		log.Errorf("Error closing connection to %s: %s", n.Name, err)
	}
}
