package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/RamadhanIbnu/wsrelay/internal/auth"
	"github.com/RamadhanIbnu/wsrelay/internal/chanstats"
	"github.com/RamadhanIbnu/wsrelay/internal/deny"
	"github.com/RamadhanIbnu/wsrelay/internal/registry"
	"github.com/RamadhanIbnu/wsrelay/internal/router"
	"github.com/gorilla/websocket"
)

// Close codes sent to clients
const (
	// CloseUnauthorized refuses a connection whose token did not verify,
	// or whose user is denied
	CloseUnauthorized = 4001

	// CloseServerError reports an unexpected fault during the handshake
	CloseServerError = websocket.CloseInternalServerErr
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Maximum body accepted on the publish endpoint
	maxPublishSize = 1024 * 1024

	// Number of outbound messages buffered per connection
	sendBufferSize = 256

	// Time allowed for the http server to finish when closing
	shutdownWait = 5 * time.Second
)

var (
	errConnectionClosed = errors.New("connection closed")
	errBufferFull       = errors.New("send buffer full")
)

// Config represents configuration options for a gateway instance
// Use this struct to pass configuration as argument during testing
type Config struct {

	// Host is the interface to listen on; empty means all interfaces
	Host string

	// Listen is the listening port
	Listen int

	// MaxConnections limits concurrently accepted tcp connections; zero is unlimited
	MaxConnections int

	// PublishSecret, if set, must be presented as a bearer token on publish
	PublishSecret string

	// LoopbackOnly restricts publish, status and deny to loopback callers
	LoopbackOnly bool

	// Authenticator checks connection tokens
	Authenticator *auth.Authenticator

	// DenyStore holds deny-listed user ids
	DenyStore *deny.Store

	// Registry holds the live connections
	Registry *registry.Registry

	// Router delivers events
	Router *router.Router
}

// NewDefaultConfig returns a pointer to a Config struct with default parameters
// and a fresh registry, router and deny store
func NewDefaultConfig() *Config {
	r := registry.New()
	c := &Config{
		Listen:       6789,
		LoopbackOnly: true,
		DenyStore:    deny.New(),
		Registry:     r,
		Router:       router.New(r),
	}
	return c
}

// WithListen specifies which (int) port to listen on
func (c *Config) WithListen(listen int) *Config {
	c.Listen = listen
	return c
}

// WithHost specifies which interface to listen on
func (c *Config) WithHost(host string) *Config {
	c.Host = host
	return c
}

// WithSecret sets the secret used to verify connection tokens
func (c *Config) WithSecret(secret string) *Config {
	c.Authenticator = auth.New(secret)
	return c
}

// WithAuthenticator replaces the authenticator
func (c *Config) WithAuthenticator(a *auth.Authenticator) *Config {
	c.Authenticator = a
	return c
}

// WithPublishSecret requires publishers to present secret
func (c *Config) WithPublishSecret(secret string) *Config {
	c.PublishSecret = secret
	return c
}

// WithLoopbackOnly sets whether admin and publish routes are restricted to loopback
func (c *Config) WithLoopbackOnly(loopbackOnly bool) *Config {
	c.LoopbackOnly = loopbackOnly
	return c
}

// WithMaxConnections limits the number of concurrent tcp connections
func (c *Config) WithMaxConnections(n int) *Config {
	c.MaxConnections = n
	return c
}

// Client is a middleperson between the websocket connection and the router.
type Client struct {
	gateway *Gateway

	// The websocket connection.
	conn *websocket.Conn

	info Info

	// Buffered channel of outbound messages.
	send chan []byte

	// mu guards closed and the closing of send
	mu     sync.Mutex
	closed bool

	// kick carries the close frame when the gateway ends the connection
	kick     chan closeFrame
	kickOnce sync.Once

	unregisterOnce sync.Once

	stats *chanstats.ChanStats
}

type closeFrame struct {
	code   int
	reason string
}

// Info describes a connection
type Info struct {
	ID          string
	UserID      string
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time
}

// ClientReport represents information about a client's connection and statistics
type ClientReport struct {
	ID string `json:"id"`

	UserID string `json:"userId"`

	Connected string `json:"connected"`

	RemoteAddr string `json:"remoteAddr"`

	UserAgent string `json:"userAgent"`

	Stats chanstats.Report `json:"stats"`
}

// DenyRequest is the body of a POST to /deny
type DenyRequest struct {
	UserID    string `json:"userId"`
	ExpiresAt int64  `json:"exp"`
}

// DenyList is the body returned by a GET to /deny
type DenyList struct {
	UserIDs []string `json:"userIds"`
}

// Health is the body returned by /healthz
type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
	Uptime      string `json:"uptime"`
	Goroutines  int    `json:"goroutines"`
	RSS         uint64 `json:"rss"`
}
