package ring

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gridpp/xrootdrestart/pkg/remote"
	log "github.com/sirupsen/logrus"
)

// ErrInsufficientServers is returned by RestartNext when the healthy count
// is below the availability floor. The supervisor treats it as fatal.
var ErrInsufficientServers = errors.New("insufficient servers running")

// Alerts is the slice of the alerter the ring drives.
type Alerts interface {
	RaiseInsufficient(description string)
	ClearInsufficient()
}

// Ring holds the ordered list of nodes, tracks how many are healthy and
// selects the next node to restart. All methods run on the supervisor's main
// goroutine; no locking is needed.
type Ring struct {
	nodes   []*remote.Node
	current int
	numOK   int
	minOK   int
	alerts  Alerts

	// alertActive starts true so the first recovery above the floor clears
	// a possibly stale insufficient alert on the sink.
	alertActive bool
}

// New returns an empty ring with the given availability floor.
func New(minOK int, alerts Alerts) *Ring {
	log.Debug("Creating server list")
	return &Ring{minOK: minOK, alerts: alerts, alertActive: true}
}

// Add appends a node to the ring. Nodes are created healthy, so the healthy
// count grows with each one.
func (r *Ring) Add(node *remote.Node) {
	log.Debugf("Adding server %s", node.Name)
	r.nodes = append(r.nodes, node)
	r.numOK++
}

// Len returns the number of nodes in the ring.
func (r *Ring) Len() int {
	return len(r.nodes)
}

// NumOK returns the number of healthy nodes.
func (r *Ring) NumOK() int {
	return r.numOK
}

// String lists the node names in ring order.
func (r *Ring) String() string {
	names := make([]string, len(r.nodes))
	for i, n := range r.nodes {
		names[i] = n.Name
	}
	return strings.Join(names, ",")
}

// next advances the cursor, wrapping, and returns the selected node.
func (r *Ring) next() *remote.Node {
	r.current++
	if r.current >= len(r.nodes) {
		r.current = 0
	}
	return r.nodes[r.current]
}

// RestartNext restarts the node at the next cursor position. The floor is
// checked at the start of the tick, not after the previous restart, so the
// scrape window between a failing restart and termination captures the
// breach. On a breach the alert is re-raised before the error is returned.
func (r *Ring) RestartNext() error {
	if r.numOK < r.minOK {
		log.Infof("There are %d servers ok.  There are insufficient to continue restarting servers", r.numOK)
		r.alerts.RaiseInsufficient(insufficientMessage(r.numOK))
		return ErrInsufficientServers
	}
	log.Debug("Doing next server")
	return r.next().Restart()
}

// AdjustOK mutates the healthy count on a node status transition. Crossing
// below the floor raises the insufficient alert; recovering clears it.
func (r *Ring) AdjustOK(delta int) {
	r.numOK += delta
	log.Debugf("Adjusting num_ok in server list by: %d num_ok now %d.  min_ok=%d", delta, r.numOK, r.minOK)
	if r.numOK < r.minOK {
		log.Infof("Number of working servers (%d) dropped below the minimum (%d)", r.numOK, r.minOK)
		r.alertActive = true
		r.alerts.RaiseInsufficient(insufficientMessage(r.numOK))
	} else if r.alertActive {
		r.alertActive = false
		r.alerts.ClearInsufficient()
	}
}

func insufficientMessage(numOK int) string {
	return fmt.Sprintf("Insufficient servers running.  There are %d servers ok. No more servers will be restarted", numOK)
}
