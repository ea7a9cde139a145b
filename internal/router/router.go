// Package router decides which connections receive an event and delivers it
package router

import (
	"encoding/json"
	"fmt"

	"github.com/RamadhanIbnu/wsrelay/internal/event"
	"github.com/RamadhanIbnu/wsrelay/internal/metrics"
	"github.com/RamadhanIbnu/wsrelay/internal/registry"
	log "github.com/sirupsen/logrus"
)

// Router delivers events to the connections held in a registry.
// It keeps no state of its own.
type Router struct {
	registry *registry.Registry
}

// Result summarises the delivery of one event
type Result struct {
	Sent   int
	Failed int
}

// New returns a Router that reads destinations from r
func New(r *registry.Registry) *Router {
	return &Router{registry: r}
}

// Inbound routes a frame received on conn, which belongs to userID.
// Frames that cannot be parsed are logged and dropped.
func (r *Router) Inbound(conn registry.Conn, userID string, data []byte) Result {

	e, err := event.Parse(data)

	if err != nil {
		log.WithFields(log.Fields{
			"user_id":       userID,
			"connection_id": conn.ID(),
			"size":          len(data),
			"error":         err.Error(),
		}).Warn("Dropping unparseable frame")
		metrics.Dropped.WithLabelValues("malformed").Inc()
		return Result{}
	}

	metrics.Events.WithLabelValues(metrics.SourceClient, metrics.TypeLabel(e.Type())).Inc()

	return r.Route(e, conn, userID)
}

// Publish routes a payload from the trusted publisher. An error is returned only
// if the payload cannot be parsed; delivery itself is best effort.
func (r *Router) Publish(data []byte) (Result, error) {

	e, err := event.Parse(data)

	if err != nil {
		metrics.Dropped.WithLabelValues("malformed").Inc()
		return Result{}, fmt.Errorf("parsing published event: %w", err)
	}

	metrics.Events.WithLabelValues(metrics.SourcePublish, metrics.TypeLabel(e.Type())).Inc()

	return r.Route(e, nil, ""), nil
}

// Route delivers e. When the event came from a client, from is its connection and
// userID its authenticated identity; published events have neither.
func (r *Router) Route(e event.Event, from registry.Conn, userID string) Result {

	switch v := e.(type) {

	case event.Ping:
		if from == nil {
			log.Debug("Ignoring published ping")
			metrics.Dropped.WithLabelValues("ping_without_connection").Inc()
			return Result{}
		}
		return r.deliver([]registry.Conn{from}, event.Pong(), e.Type())

	case event.Presence:
		if userID != "" {
			v = v.WithUser(userID)
		}
		return r.broadcast(v)

	case event.Typing:
		if userID != "" {
			v = v.WithUser(userID)
		}
		return r.direct(v, v.Destination(), v.Origin())

	case event.ReactionCreated,
		event.ReactionRemoved,
		event.MessageCreated,
		event.ConversationRead,
		event.Application:
		origin := e.Origin()
		if userID != "" {
			origin = userID
		}
		return r.direct(e, e.Destination(), origin)

	default:
		log.WithField("type", fmt.Sprintf("%T", e)).Error("No route for event variant")
		return Result{}
	}
}

// direct sends e to every connection of destination and of origin, once per
// connection. Without a destination, e is broadcast.
func (r *Router) direct(e event.Event, destination, origin string) Result {

	if destination == "" {
		return r.broadcast(e)
	}

	conns := r.registry.ConnectionsFor(destination)

	if origin != "" && origin != destination {
		seen := make(map[string]bool, len(conns))
		for _, c := range conns {
			seen[c.ID()] = true
		}
		for _, c := range r.registry.ConnectionsFor(origin) {
			if !seen[c.ID()] {
				conns = append(conns, c)
			}
		}
	}

	log.WithFields(log.Fields{
		"type":        e.Type(),
		"destination": destination,
		"origin":      origin,
		"connections": len(conns),
	}).Debug("Routing directed event")

	if len(conns) == 0 {
		metrics.Dropped.WithLabelValues("offline").Inc()
		return Result{}
	}

	payload, err := json.Marshal(e)

	if err != nil {
		log.WithFields(log.Fields{"type": e.Type(), "error": err.Error()}).Error("Could not marshal event")
		return Result{}
	}

	return r.deliver(conns, payload, e.Type())
}

func (r *Router) broadcast(e event.Event) Result {

	conns := r.registry.All()

	log.WithFields(log.Fields{
		"type":        e.Type(),
		"connections": len(conns),
	}).Debug("Broadcasting event")

	if len(conns) == 0 {
		return Result{}
	}

	payload, err := json.Marshal(e)

	if err != nil {
		log.WithFields(log.Fields{"type": e.Type(), "error": err.Error()}).Error("Could not marshal event")
		return Result{}
	}

	return r.deliver(conns, payload, e.Type())
}

// deliver sends the same payload to each connection. A failure on one
// connection does not prevent delivery to the others.
func (r *Router) deliver(conns []registry.Conn, payload []byte, typ string) Result {

	result := Result{}

	for _, c := range conns {

		if err := send(c, payload); err != nil {
			log.WithFields(log.Fields{
				"connection_id": c.ID(),
				"type":          typ,
				"error":         err.Error(),
			}).Warn("Could not send to connection")
			metrics.Deliveries.WithLabelValues("failed").Inc()
			result.Failed++
			continue
		}

		metrics.Deliveries.WithLabelValues("sent").Inc()
		result.Sent++
	}

	return result
}

func send(c registry.Conn, payload []byte) (err error) {

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic sending: %v", r)
		}
	}()

	return c.Send(payload)
}
