/*
   reconws is websocket client that automatically reconnects
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

package reconws

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

// CloseUnauthorized is the close code the relay uses to refuse a token
const CloseUnauthorized = 4001

// ErrUnauthorized is returned by Dial when the relay refused the token
var ErrUnauthorized = errors.New("unauthorized")

// WsMessage represents a websocket message
type WsMessage struct {
	Data []byte
	Type int
}

// ReconWs represents a websocket client that will reconnect if the connection is closed
// connects (retrying/reconnecting if necessary) to websocket server at url
type ReconWs struct {
	sync.Mutex
	Connected       chan struct{} // allow notification of successful connection, helps with testing
	ConnectedAt     time.Time
	ForwardIncoming bool
	In              chan WsMessage
	Out             chan WsMessage
	Retry           RetryConfig
	ID              string

	// closeCode is the code in the last close frame received, if any
	closeCode int
}

// RetryConfig represents the parameters for when to retry to connect
type RetryConfig struct {
	Factor  float64
	Jitter  bool
	Min     time.Duration
	Max     time.Duration
	Timeout time.Duration
}

// New returns a pointer to a new reconnecting websocket client ReconWs
func New() *ReconWs {
	r := &ReconWs{
		Connected: make(chan struct{}),
		// don't initialise connectedAt; set when connected
		In:              make(chan WsMessage),
		Out:             make(chan WsMessage),
		ForwardIncoming: true,
		Retry: RetryConfig{Factor: 2,
			Min:     1 * time.Second,
			Max:     10 * time.Second,
			Timeout: 1 * time.Second,
			Jitter:  false},
		ID: uuid.New().String()[0:6],
	}
	return r
}

// CloseCode returns the code from the last close frame received from the server,
// or zero if the server has not sent one
func (r *ReconWs) CloseCode() int {
	r.Lock()
	defer r.Unlock()
	return r.closeCode
}

// Reconnect sets URL to connect to, and runs the client
// run this in a separate goroutine so that the connection can be
// ended from where it was initialised, by cancelling the context
func (r *ReconWs) Reconnect(ctx context.Context, url string) {

	r.ReconnectToken(ctx, url, nil)
}

// ReconnectToken reconnects to a relay that expects a token in the query.
// Connection tokens are short lived, so getToken is called before every
// attempt. Reconnection stops if the relay refuses the token.
// A nil getToken dials url unchanged.
func (r *ReconWs) ReconnectToken(ctx context.Context, urlStr string, getToken func(context.Context) (string, error)) {

	id := "reconws.ReconnectToken(" + r.ID + ")"

	boff := &backoff.Backoff{
		Min:    r.Retry.Min,
		Max:    r.Retry.Max,
		Factor: r.Retry.Factor,
		Jitter: r.Retry.Jitter,
	}

	waitBeforeDial := false

	for {

		if waitBeforeDial {
			select {
			case <-ctx.Done():
				return
			case <-time.After(boff.Duration()):
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		waitBeforeDial = true

		dialURL := urlStr

		if getToken != nil {

			tokenCtx, cancel := context.WithTimeout(ctx, r.Retry.Timeout)
			token, err := getToken(tokenCtx)
			cancel()

			if err != nil {
				log.WithField("error", err.Error()).Warnf("%s: failed to get token", id)
				continue
			}

			dialURL, err = WithToken(urlStr, token)

			if err != nil {
				log.WithField("error", err.Error()).Errorf("%s: bad url", id)
				return
			}
		}

		dialCtx, cancel := context.WithCancel(ctx)

		err := r.Dial(dialCtx, dialURL)
		cancel()

		if errors.Is(err, ErrUnauthorized) {
			log.Warnf("%s: relay refused token; not reconnecting", id)
			return
		}

		if err == nil {
			boff.Reset()
			log.Tracef("%s: dial finished successfully, resetting timeout to zero", id)
		} else {
			log.WithField("error", err).Tracef("%s: Dial finished with error, increasing timeout", id)
		}
	}
}

// WithToken returns urlStr with the token query parameter set
func WithToken(urlStr, token string) (string, error) {

	u, err := url.Parse(urlStr)

	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Dial the websocket server once.
// If dial fails then return immediately
// If dial succeeds then handle message traffic until
// the context is cancelled or the server closes the connection
func (r *ReconWs) Dial(ctx context.Context, urlStr string) error {

	id := "reconws.Dial(" + r.ID + ")"

	var err error

	if urlStr == "" {
		log.Errorf("%s: Can't dial an empty Url", id)
		return errors.New("Can't dial an empty Url")
	}

	// parse to check, dial with original string
	u, err := url.Parse(urlStr)

	if err != nil {
		log.Errorf("%s: error with url because %s:", id, err.Error())
		return err
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		log.Errorf("%s: Url needs to start with ws or wss", id)
		return errors.New("Url needs to start with ws or wss")
	}

	if u.User != nil {
		log.Errorf("%s: Url can't contain user name and password", id)
		return errors.New("Url can't contain user name and password")
	}

	// start dialing ....

	// don't log the query, it holds the token
	log.WithField("host", u.Host).Tracef("%s: connecting", id)

	//assume our context has been given a deadline if needed
	c, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, nil)

	if err != nil {
		log.WithField("error", err).Errorf("%s: dialing error because %s", id, err.Error())
		return err
	}

	r.Lock()
	r.ConnectedAt = time.Now()
	r.closeCode = 0
	close(r.Connected) //signal that we've connected
	r.Unlock()

	defer func() {
		r.Lock()
		r.Connected = make(chan struct{}) //reset for next time
		r.Unlock()
	}()

	log.WithField("host", u.Host).Tracef("%s: connected", id)
	// handle our reading tasks

	readClosed := make(chan struct{})
	var readErr error

	go func() {
		defer close(readClosed)
		for {
			mt, data, err := c.ReadMessage()

			// Check for errors, e.g. caused by writing task closing conn
			// because we've been instructed to exit
			// log as info since we expect an error here on a normal exit
			if err != nil {
				log.WithField("error", err).Infof("%s: error reading from conn; closing", id)
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					r.Lock()
					r.closeCode = ce.Code
					r.Unlock()
					if ce.Code == CloseUnauthorized {
						readErr = ErrUnauthorized
					}
				}
				return
			}

			// optionally forward messages
			if r.ForwardIncoming {
				select {
				case r.In <- WsMessage{Data: data, Type: mt}:
					log.Tracef("%s: received %d-byte message", id, len(data))
				case <-ctx.Done():
					return
				}
			} else {
				log.Tracef("%s: ignored %d-byte message", id, len(data))
			}
		}
	}()

	// handle our writing tasks
LOOPWRITING:
	for {
		select {
		case <-readClosed:
			err = readErr // nil error resets the backoff
			break LOOPWRITING
		case msg := <-r.Out:

			err := c.WriteMessage(msg.Type, msg.Data)
			if err != nil {
				log.WithField("error", err).Infof("%s: error writing to conn; closing", id)
				break LOOPWRITING
			}
			log.Tracef("%s: sent %d-byte message", id, len(msg.Data))

		case <-ctx.Done(): // context has finished, either timeout or cancel
			// Cleanly close the connection by sending a close message
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.WithField("error", err).Infof("%s: error sending close message; closing", id)
			} else {
				log.Infof("%s: connection closed", id)
			}
			break LOOPWRITING
		}
	}

	c.Close()

	log.Tracef("%s: done", id)
	return err

}
