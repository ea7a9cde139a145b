// Package deny keeps the list of users who may not hold relay connections
package deny

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Store holds denied user ids, each with an expiry time
type Store struct {
	sync.Mutex

	// user ids currently denied, with expiry time
	denyList map[string]int64

	// Now is a function for getting the time - useful for mocking in test
	// note time is in int64 format
	Now func() int64 `json:"-" yaml:"-"`
}

// New returns an empty Store
func New() *Store {
	return &Store{
		sync.Mutex{},
		make(map[string]int64),
		SystemNow,
	}
}

// SetNowFunc replaces the clock
func (s *Store) SetNowFunc(nf func() int64) {
	s.Now = nf
}

// SystemNow returns the current unix time
func SystemNow() int64 {
	return time.Now().Unix()
}

// Deny refuses userID until expiresAt, replacing any earlier expiry
func (s *Store) Deny(userID string, expiresAt int64) {
	s.Lock()
	defer s.Unlock()

	s.denyList[userID] = expiresAt
}

// Lift removes any denial of userID
func (s *Store) Lift(userID string) {
	s.Lock()
	defer s.Unlock()

	delete(s.denyList, userID)
}

// IsDenied reports whether userID is denied now. Expired entries
// are not denied even if they have not been pruned yet.
func (s *Store) IsDenied(userID string) bool {
	s.Lock()
	defer s.Unlock()

	exp, ok := s.denyList[userID]

	return ok && exp >= s.Now()
}

// GetDenyList returns the denied user ids in sorted order
func (s *Store) GetDenyList() []string {
	s.Lock()
	defer s.Unlock()
	d := []string{}
	for k := range s.denyList {
		d = append(d, k)
	}
	sort.Strings(d)
	return d
}

// Prune removes stale entries from the deny list
func (s *Store) Prune() {
	s.Lock()
	defer s.Unlock()

	s.prune()
}

// prune is for internal usage only as does not take the lock
func (s *Store) prune() {

	now := s.Now()

	stale := []string{}

	for k, v := range s.denyList {
		if v < now {
			stale = append(stale, k)
		}
	}

	for _, ID := range stale {
		delete(s.denyList, ID)
	}

	if len(stale) > 0 {
		log.WithField("count", len(stale)).Debug("Pruned expired denials")
	}
}

// Run prunes the store every interval until closed is closed
func (s *Store) Run(closed <-chan struct{}, every time.Duration) {

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			s.Prune()
		}
	}
}
