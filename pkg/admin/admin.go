package admin

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"

	log "github.com/sirupsen/logrus"
)

type handler struct {
	promHandler http.Handler
}

// NewServer returns an admin server serving scrapable metrics, liveness
// probes and pprof endpoints on the given address.
func NewServer(addr string, metrics http.Handler) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: &handler{promHandler: metrics},
	}
}

// StartServer starts an admin server listening on a given address. Intended
// to be run on its own goroutine; a listen failure is logged, not fatal.
func StartServer(addr string, metrics http.Handler) {
	log.Infof("starting admin server on %s", addr)
	if err := NewServer(addr, metrics).ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("admin server on %s failed: %s", addr, err)
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	debugPathPrefix := "/debug/pprof/"
	switch req.URL.Path {
	case "/metrics":
		h.promHandler.ServeHTTP(w, req)
	case "/ping":
		h.servePing(w)
	case "/ready":
		h.serveReady(w)
	case fmt.Sprintf("%scmdline", debugPathPrefix):
		pprof.Cmdline(w, req)
	case fmt.Sprintf("%sprofile", debugPathPrefix):
		pprof.Profile(w, req)
	case fmt.Sprintf("%strace", debugPathPrefix):
		pprof.Trace(w, req)
	case fmt.Sprintf("%ssymbol", debugPathPrefix):
		pprof.Symbol(w, req)
	default:
		if strings.HasPrefix(req.URL.Path, debugPathPrefix) {
			pprof.Index(w, req)
		} else {
			http.NotFound(w, req)
		}
	}
}

func (h *handler) servePing(w http.ResponseWriter) {
	w.Write([]byte("pong\n"))
}

func (h *handler) serveReady(w http.ResponseWriter) {
	w.Write([]byte("ok\n"))
}
