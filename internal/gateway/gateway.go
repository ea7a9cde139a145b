// Package gateway accepts relay connections over websocket, and events
// from the trusted publisher over plain http, on a single listener.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/RamadhanIbnu/wsrelay/internal/chanstats"
	"github.com/RamadhanIbnu/wsrelay/internal/metrics"
	"github.com/RamadhanIbnu/wsrelay/internal/router"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jinzhu/copier"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

// Gateway owns the connections it accepts for their lifetime
type Gateway struct {
	config  Config
	started time.Time
}

// New returns a Gateway, filling in any missing collaborators from the default config
func New(config Config) *Gateway {

	d := NewDefaultConfig()

	if config.Registry == nil {
		config.Registry = d.Registry
		config.Router = d.Router
	}

	if config.Router == nil {
		config.Router = router.New(config.Registry)
	}

	if config.DenyStore == nil {
		config.DenyStore = d.DenyStore
	}

	return &Gateway{
		config:  config,
		started: time.Now(),
	}
}

// Handler returns the http routes. Connections accepted through it
// are closed when closed is closed.
func (g *Gateway) Handler(closed <-chan struct{}) http.Handler {

	r := mux.NewRouter()

	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		if websocket.IsWebSocketUpgrade(req) {
			g.serveWs(closed, w, req)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ws server"))
	}).Methods("GET")

	r.HandleFunc("/publish", g.restricted(g.handlePublish)).Methods("POST")
	r.HandleFunc("/status", g.restricted(g.handleStatus)).Methods("GET")
	r.HandleFunc("/deny", g.restricted(g.handleDeny)).Methods("POST")
	r.HandleFunc("/deny", g.restricted(g.handleDenyList)).Methods("GET")
	r.HandleFunc("/deny/{userId}", g.restricted(g.handleLift)).Methods("DELETE")
	r.HandleFunc("/healthz", g.handleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	return r
}

// Serve listens on the configured port until closed is closed
func Serve(closed <-chan struct{}, parentwg *sync.WaitGroup, config Config) {

	defer parentwg.Done()

	g := New(config)

	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Listen))

	l, err := net.Listen("tcp", addr)

	if err != nil {
		log.WithFields(log.Fields{"addr": addr, "error": err.Error()}).Error("Could not listen")
		return
	}

	if config.MaxConnections > 0 {
		l = netutil.LimitListener(l, config.MaxConnections)
	}

	h := &http.Server{Handler: g.Handler(closed)}

	go func() {
		log.WithField("addr", addr).Info("Gateway listening")
		if err := h.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("error", err.Error()).Error("Gateway stopped serving")
		}
	}()

	<-closed

	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()

	// hijacked websocket connections are not tracked by Shutdown; their
	// write pumps close them when they see closed
	if err := h.Shutdown(ctx); err != nil {
		log.WithField("error", err.Error()).Warn("Gateway shutdown incomplete")
	}

	log.Trace("Gateway done")
}

// Kick closes every connection held by userID with code, returning how many were closed
func (g *Gateway) Kick(userID string, code int, reason string) int {

	n := 0

	for _, c := range g.config.Registry.ConnectionsFor(userID) {
		if client, ok := c.(*Client); ok {
			client.Kick(code, reason)
			n++
		}
	}

	log.WithFields(log.Fields{"user_id": userID, "connections": n, "code": code}).Info("Kicked user")

	return n
}

// Reports returns a report on every live connection
func (g *Gateway) Reports() []ClientReport {

	reports := []ClientReport{}

	for _, c := range g.config.Registry.All() {

		client, ok := c.(*Client)

		if !ok {
			continue
		}

		var report ClientReport

		if err := copier.Copy(&report, &client.info); err != nil {
			log.WithField("error", err.Error()).Error("Could not copy connection info")
			continue
		}

		report.Connected = client.info.ConnectedAt.String()
		report.Stats = *chanstats.NewReport(client.stats)

		reports = append(reports, report)
	}

	return reports
}

// ID returns the connection id
func (c *Client) ID() string {
	return c.info.ID
}

// Send queues data for the write pump. It never blocks; if the
// connection is closed or its buffer is full, the data is not sent.
func (c *Client) Send(data []byte) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnectionClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		return errBufferFull
	}
}

// Kick asks the write pump to close the connection with code
func (c *Client) Kick(code int, reason string) {
	c.kickOnce.Do(func() {
		log.WithFields(log.Fields{"connection_id": c.info.ID, "code": code, "reason": reason}).Debug("Kicking connection")
		c.kick <- closeFrame{code: code, reason: reason}
	})
}

// unregister removes the client from the registry and closes its send
// channel. It is safe to call more than once.
func (c *Client) unregister() {
	c.unregisterOnce.Do(func() {

		err := c.gateway.config.Registry.Unregister(c.info.UserID, c)

		if err != nil {
			log.WithFields(log.Fields{"connection_id": c.info.ID, "error": err.Error()}).Error("Could not unregister")
		}

		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()

		metrics.Connections.Dec()

		log.WithFields(log.Fields{
			"connection_id": c.info.ID,
			"user_id":       c.info.UserID,
			"duration":      time.Since(c.info.ConnectedAt).Round(time.Millisecond).String(),
		}).Info("Connection closed")
	})
}
