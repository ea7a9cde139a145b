// Package relay wires the components of a relay instance together
package relay

import (
	"sync"
	"time"

	"github.com/RamadhanIbnu/wsrelay/internal/auth"
	"github.com/RamadhanIbnu/wsrelay/internal/deny"
	"github.com/RamadhanIbnu/wsrelay/internal/gateway"
	"github.com/RamadhanIbnu/wsrelay/internal/registry"
	"github.com/RamadhanIbnu/wsrelay/internal/router"
	log "github.com/sirupsen/logrus"
)

// Config represents the settings for a relay instance
type Config struct {
	Host           string
	Port           int
	Secret         string
	Purpose        string
	PublishSecret  string
	LoopbackOnly   bool
	MaxConnections int
	PruneEvery     time.Duration
}

// Relay runs a websocket relay until closed is closed. Each call has its own
// registry, so connections do not survive a restart.
func Relay(closed <-chan struct{}, parentwg *sync.WaitGroup, config Config) {

	var wg sync.WaitGroup

	reg := registry.New()
	ds := deny.New()

	a := auth.New(config.Secret)

	if config.Purpose != "" {
		a = a.WithPurpose(config.Purpose)
	}

	if config.PruneEvery > 0 {
		go ds.Run(closed, config.PruneEvery)
	}

	gatewayConfig := gateway.Config{
		Host:           config.Host,
		Listen:         config.Port,
		MaxConnections: config.MaxConnections,
		PublishSecret:  config.PublishSecret,
		LoopbackOnly:   config.LoopbackOnly,
		Authenticator:  a,
		DenyStore:      ds,
		Registry:       reg,
		Router:         router.New(reg),
	}

	log.WithFields(log.Fields{
		"host":            config.Host,
		"port":            config.Port,
		"purpose":         a.Purpose(),
		"loopback_only":   config.LoopbackOnly,
		"publish_secret":  config.PublishSecret != "",
		"max_connections": config.MaxConnections,
	}).Info("Relay starting")

	wg.Add(1)
	go gateway.Serve(closed, &wg, gatewayConfig)

	wg.Wait()
	parentwg.Done()
	log.Trace("Relay done")
}
