package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"
)

// restricted admits only loopback callers, when so configured
func (g *Gateway) restricted(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.config.LoopbackOnly && !isLoopback(r) {
			log.WithFields(log.Fields{"path": r.URL.Path, "remote_addr": remoteAddr(r)}).Warn("Refused non-loopback caller")
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// isLoopback is false for anything that came through a proxy,
// because the proxy itself may be on loopback
func isLoopback(r *http.Request) bool {

	if r.Header.Get("X-Forwarded-For") != "" {
		return false
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)

	if err != nil {
		return false
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

func (g *Gateway) handlePublish(w http.ResponseWriter, r *http.Request) {

	if g.config.PublishSecret != "" {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(g.config.PublishSecret)) != 1 {
			log.Warn("Publish refused - bad secret")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPublishSize))

	if err != nil {
		log.WithField("error", err.Error()).Warn("Publish body unreadable")
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	res, err := g.config.Router.Publish(body)

	if err != nil {
		log.WithFields(log.Fields{"error": err.Error(), "size": len(body)}).Warn("Publish refused")
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	log.WithFields(log.Fields{"sent": res.Sent, "failed": res.Failed}).Debug("Published")

	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.Reports())
}

func (g *Gateway) handleDeny(w http.ResponseWriter, r *http.Request) {

	var req DenyRequest

	d := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishSize))

	if err := d.Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if req.UserID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}

	if req.ExpiresAt < g.config.DenyStore.Now() {
		http.Error(w, "exp is in the past", http.StatusBadRequest)
		return
	}

	g.config.DenyStore.Deny(req.UserID, req.ExpiresAt)

	n := g.Kick(req.UserID, CloseUnauthorized, "unauthorized")

	log.WithFields(log.Fields{"user_id": req.UserID, "exp": req.ExpiresAt, "closed": n}).Info("Denied user")

	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleDenyList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DenyList{UserIDs: g.config.DenyStore.GetDenyList()})
}

func (g *Gateway) handleLift(w http.ResponseWriter, r *http.Request) {

	userID := mux.Vars(r)["userId"]

	g.config.DenyStore.Lift(userID)

	log.WithField("user_id", userID).Info("Lifted denial")

	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {

	users, conns := g.config.Registry.Count()

	h := Health{
		Status:      "ok",
		Connections: conns,
		Users:       users,
		Uptime:      time.Since(g.started).Round(time.Second).String(),
		Goroutines:  runtime.NumGoroutine(),
	}

	rss, err := residentMemory()

	if err != nil {
		log.WithField("error", err.Error()).Debug("Could not read process memory")
	}

	h.RSS = rss

	writeJSON(w, http.StatusOK, h)
}

func residentMemory() (uint64, error) {

	p, err := process.NewProcess(int32(os.Getpid()))

	if err != nil {
		return 0, err
	}

	m, err := p.MemoryInfo()

	if err != nil {
		return 0, err
	}

	return m.RSS, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {

	b, err := json.Marshal(v)

	if err != nil {
		log.WithField("error", err.Error()).Error("Could not marshal response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
