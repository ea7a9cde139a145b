/*
   chanstats calculates statistics for relay connections
   Copyright (C) 2019 Timothy Drysdale <timothy.d.drysdale@gmail.com>

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package chanstats

import (
	"sync"
	"time"

	"github.com/eclesh/welford"
)

// ChanStats represents recorded statistics for one connection.
// Rx and Tx may be recorded from different goroutines.
type ChanStats struct {
	ConnectedAt time.Time
	Rx          *Messages
	Tx          *Messages
}

// Messages represents statistics for messages in one direction
type Messages struct {
	mu    sync.Mutex
	Last  time.Time
	Bytes *welford.Stats
	Dt    *welford.Stats
}

// Report represents overall statistics for a connection
type Report struct {
	Connected string  `json:"connected"`
	Tx        Details `json:"tx"`
	Rx        Details `json:"rx"`
}

// Details represents detailed statistics
type Details struct {
	Last  string       `json:"last"` //how long ago, or never
	Bytes WelfordStats `json:"bytes"`
	Dt    WelfordStats `json:"dt"`
}

// WelfordStats represents statistical values
type WelfordStats struct {
	Count    uint64  `json:"count"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Stddev   float64 `json:"stddev"`
	Variance float64 `json:"variance"`
}

// New returns a pointer to new ChanStats struct with statistics initialised
func New() *ChanStats {
	c := &ChanStats{}
	c.ConnectedAt = time.Now() //expect user to update if appropriate
	c.Rx = &Messages{Bytes: welford.New(), Dt: welford.New()}
	c.Tx = &Messages{Bytes: welford.New(), Dt: welford.New()}
	return c
}

// Record adds a message of size bytes seen at t. The first interval is
// measured from connectedAt.
func (m *Messages) Record(connectedAt, t time.Time, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Dt.Count() > 0 {
		m.Dt.Add(t.Sub(m.Last).Seconds())
	} else {
		m.Dt.Add(t.Sub(connectedAt).Seconds())
	}

	m.Last = t
	m.Bytes.Add(float64(size))
}

// RecordRx records a received message
func (c *ChanStats) RecordRx(size int) {
	c.Rx.Record(c.ConnectedAt, time.Now(), size)
}

// RecordTx records a sent message
func (c *ChanStats) RecordTx(size int) {
	c.Tx.Record(c.ConnectedAt, time.Now(), size)
}

// NewReport represents a new report on connection statistics
func NewReport(s *ChanStats) *Report {
	return newReport(s, time.Now())
}

func newReport(s *ChanStats, now time.Time) *Report {
	r := &Report{
		Connected: s.ConnectedAt.String(),
		Rx:        *NewDetails(s.Rx, now),
		Tx:        *NewDetails(s.Tx, now),
	}
	return r
}

// NewDetails holds detailed information on statistics in one direction
func NewDetails(m *Messages, now time.Time) *Details {
	m.mu.Lock()
	defer m.mu.Unlock()

	last := "never"

	if !m.Last.IsZero() {
		last = now.Sub(m.Last).Round(time.Millisecond).String()
	}

	d := &Details{
		Last:  last,
		Bytes: *NewWelford(m.Bytes),
		Dt:    *NewWelford(m.Dt),
	}
	return d
}

// NewWelford initialises a new statistics structure
func NewWelford(w *welford.Stats) *WelfordStats {
	r := &WelfordStats{
		Count:    w.Count(),
		Min:      w.Min(),
		Max:      w.Max(),
		Mean:     w.Mean(),
		Stddev:   w.Stddev(),
		Variance: w.Variance(),
	}
	return r

}
