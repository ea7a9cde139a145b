package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/RamadhanIbnu/wsrelay/internal/chanstats"
	"github.com/RamadhanIbnu/wsrelay/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// clients are browsers on the web application's origin, which differs from ours;
	// the token is what authorises the connection
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveWs handles websocket requests from clients.
func (g *Gateway) serveWs(closed <-chan struct{}, w http.ResponseWriter, r *http.Request) {

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("error", err).Error("serveWs failed to upgrade to websocket")
		metrics.Handshakes.WithLabelValues(metrics.Failed).Inc()
		return
	}

	log.Trace("upgraded to ws") //Cannot return any http responses from here on

	// set once the client is in the registry
	var registered *Client

	defer func() {
		if p := recover(); p != nil {
			log.WithField("panic", fmt.Sprintf("%v", p)).Error("Handshake fault")
			metrics.Handshakes.WithLabelValues(metrics.Failed).Inc()
			if registered != nil {
				registered.unregister()
			}
			refuse(conn, CloseServerError, "internal error")
		}
	}()

	if g.config.Authenticator == nil {
		log.Error("No authenticator configured")
		metrics.Handshakes.WithLabelValues(metrics.Failed).Inc()
		refuse(conn, CloseServerError, "internal error")
		return
	}

	identity, err := g.config.Authenticator.Verify(r.URL.Query().Get("token"))

	if err != nil {
		// the client is told only that it is unauthorized
		log.WithFields(log.Fields{"error": err.Error(), "remote_addr": remoteAddr(r)}).Warn("Unauthorized")
		metrics.Handshakes.WithLabelValues(metrics.Unauthorized).Inc()
		refuse(conn, CloseUnauthorized, "unauthorized")
		return
	}

	if g.config.DenyStore.IsDenied(identity.UserID) {
		log.WithField("user_id", identity.UserID).Warn("Unauthorized - denied")
		metrics.Handshakes.WithLabelValues(metrics.Denied).Inc()
		refuse(conn, CloseUnauthorized, "unauthorized")
		return
	}

	stats := chanstats.New()

	client := &Client{
		gateway: g,
		conn:    conn,
		info: Info{
			ID:          uuid.New().String(),
			UserID:      identity.UserID,
			RemoteAddr:  remoteAddr(r),
			UserAgent:   r.UserAgent(),
			ConnectedAt: stats.ConnectedAt,
		},
		send:  make(chan []byte, sendBufferSize),
		kick:  make(chan closeFrame, 1),
		stats: stats,
	}

	if err := g.config.Registry.Register(identity.UserID, client); err != nil {
		log.WithFields(log.Fields{"user_id": identity.UserID, "error": err.Error()}).Error("Could not register")
		metrics.Handshakes.WithLabelValues(metrics.Failed).Inc()
		refuse(conn, CloseServerError, "internal error")
		return
	}

	metrics.Connections.Inc()

	registered = client

	// a denial made while we were registering would have missed this client
	if g.config.DenyStore.IsDenied(identity.UserID) {
		log.WithField("user_id", identity.UserID).Warn("Unauthorized - denied")
		metrics.Handshakes.WithLabelValues(metrics.Denied).Inc()
		client.unregister()
		refuse(conn, CloseUnauthorized, "unauthorized")
		return
	}

	metrics.Handshakes.WithLabelValues(metrics.Accepted).Inc()

	log.WithFields(log.Fields{
		"connection_id": client.info.ID,
		"user_id":       client.info.UserID,
		"remote_addr":   client.info.RemoteAddr,
	}).Info("Connection accepted")

	go client.writePump(closed)
	go client.readPump()
}

// refuse closes a connection before its pumps have started
func refuse(conn *websocket.Conn, code int, reason string) {

	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.WithField("error", err.Error()).Debug("Could not send close frame")
	}

	conn.Close()
}

// remoteAddr prefers the address reported by a reverse proxy
func remoteAddr(r *http.Request) string {
	if f := r.Header.Get("X-Forwarded-For"); f != "" {
		return f
	}
	return r.RemoteAddr
}
