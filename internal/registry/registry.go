// Package registry tracks which live connections belong to which user
package registry

import (
	"errors"
	"sync"
)

// Conn is a live connection that can be sent a message.
// ID must be unique amongst all connections held by a Registry.
type Conn interface {
	ID() string
	Send(data []byte) error
}

// Registry maps a user id to the set of connections that user currently owns.
// A user id is only present while it has at least one connection.
type Registry struct {
	*sync.RWMutex

	// connectionsByUser holds each user's connections, keyed by connection id
	connectionsByUser map[string]map[string]Conn
}

// New returns an empty Registry
func New() *Registry {
	return &Registry{
		&sync.RWMutex{},
		make(map[string]map[string]Conn),
	}
}

// Register adds conn to the set of connections for userID.
// Registering the same pair twice has no further effect.
func (r *Registry) Register(userID string, conn Conn) error {

	if userID == "" {
		return errors.New("no user")
	}
	if conn == nil {
		return errors.New("no connection")
	}

	r.Lock()
	defer r.Unlock()

	if _, ok := r.connectionsByUser[userID]; !ok {
		r.connectionsByUser[userID] = make(map[string]Conn)
	}

	r.connectionsByUser[userID][conn.ID()] = conn

	return nil
}

// Unregister removes conn from the set of connections for userID, removing
// the user entirely once they have no connections left. Unregistering a
// connection that is not registered is not an error.
func (r *Registry) Unregister(userID string, conn Conn) error {

	if userID == "" {
		return errors.New("no user")
	}
	if conn == nil {
		return errors.New("no connection")
	}

	r.Lock()
	defer r.Unlock()

	conns, ok := r.connectionsByUser[userID]

	if !ok {
		return nil // already gone
	}

	delete(conns, conn.ID())

	if len(conns) == 0 {
		delete(r.connectionsByUser, userID)
	}

	return nil
}

// ConnectionsFor returns a snapshot of the connections owned by userID,
// which is empty if the user has none. The caller may iterate it while
// the registry is modified.
func (r *Registry) ConnectionsFor(userID string) []Conn {
	r.RLock()
	defer r.RUnlock()

	conns := r.connectionsByUser[userID]

	s := make([]Conn, 0, len(conns))

	for _, c := range conns {
		s = append(s, c)
	}

	return s
}

// All returns a snapshot of every registered connection
func (r *Registry) All() []Conn {
	r.RLock()
	defer r.RUnlock()

	s := []Conn{}

	for _, conns := range r.connectionsByUser {
		for _, c := range conns {
			s = append(s, c)
		}
	}

	return s
}

// Users returns the ids of the users that have at least one connection
func (r *Registry) Users() []string {
	r.RLock()
	defer r.RUnlock()

	u := []string{}

	for k := range r.connectionsByUser {
		u = append(u, k)
	}

	return u
}

// Count returns the number of users, and the total number of connections
func (r *Registry) Count() (users, connections int) {
	r.RLock()
	defer r.RUnlock()

	for _, conns := range r.connectionsByUser {
		connections += len(conns)
	}

	return len(r.connectionsByUser), connections
}
