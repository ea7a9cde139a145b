package cmd

import (
	"fmt"
	"net/http"
	_ "net/http/pprof" //ok in production https://medium.com/google-cloud/continuous-profiling-of-go-programs-96d4416af77b
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/RamadhanIbnu/wsrelay/internal/relay"
	log "github.com/sirupsen/logrus"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the relay",
	Long: `Run the relay. Set parameters with environment variables, for example:

export JWT_SECRET=somesecret
export WS_HOST=
export WS_LOG_FILE=/var/log/wsrelay/wsrelay.log
export WS_LOG_FORMAT=json
export WS_LOG_LEVEL=warn
export WS_MAX_CONNECTIONS=10000
export WS_PORT=6789
export WS_PORT_PROFILE=6061
export WS_PROFILE=false
export WS_PUBLISH_LOOPBACK_ONLY=true
export WS_PUBLISH_SECRET=
export WS_PURPOSE=ws
export WS_TIDY_EVERY=5m
wsrelay serve

Notes:
JWT_SECRET must match the secret the web application signs tokens with
WS_PUBLISH_SECRET, if set, must be sent by the publisher as a bearer token
WS_TIDY_EVERY is an optional tuning parameter that can safely be left at the default value
Send SIGHUP to reopen WS_LOG_FILE after it has been rotated

`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("WS")
		viper.AutomaticEnv()

		// the secret is shared with the web application under this name
		if err := viper.BindEnv("secret", "JWT_SECRET"); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		viper.SetDefault("host", "")
		viper.SetDefault("log_file", "stdout")
		viper.SetDefault("log_format", "json")
		viper.SetDefault("log_level", "warn")
		viper.SetDefault("max_connections", 0)
		viper.SetDefault("port", 6789)
		viper.SetDefault("port_profile", 6061)
		viper.SetDefault("profile", false)
		viper.SetDefault("publish_loopback_only", true)
		viper.SetDefault("publish_secret", "")
		viper.SetDefault("purpose", "ws")
		viper.SetDefault("secret", "") //so we can check it's been provided
		viper.SetDefault("tidy_every", "5m")

		host := viper.GetString("host")
		logFile := viper.GetString("log_file")
		logFormat := viper.GetString("log_format")
		logLevel := viper.GetString("log_level")
		maxConnections := viper.GetInt("max_connections")
		port := viper.GetInt("port")
		portProfile := viper.GetInt("port_profile")
		profile := viper.GetBool("profile")
		loopbackOnly := viper.GetBool("publish_loopback_only")
		publishSecret := viper.GetString("publish_secret")
		purpose := viper.GetString("purpose")
		secret := viper.GetString("secret")
		tidyEveryStr := viper.GetString("tidy_every")

		// Sanity checks
		ok := true

		if secret == "" {
			fmt.Println("You must set JWT_SECRET")
			ok = false
		}

		if purpose == "" {
			fmt.Println("WS_PURPOSE must not be empty")
			ok = false
		}

		if maxConnections < 0 {
			fmt.Println("WS_MAX_CONNECTIONS must not be negative")
			ok = false
		}

		if !ok {
			os.Exit(1)
		}

		// parse durations

		tidyEvery, err := time.ParseDuration(tidyEveryStr)

		if err != nil {
			fmt.Print("cannot parse duration in WS_TIDY_EVERY=" + tidyEveryStr)
			os.Exit(1)
		}

		// set up logging
		fw, err := configureLogging(logLevel, logFormat, logFile)

		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Report useful info
		log.Infof("wsrelay version: %s", versionString())
		log.Infof("Host: [%s]", host)
		log.Infof("Log file: [%s]", logFile)
		log.Infof("Log format: [%s]", logFormat)
		log.Infof("Log level: [%s]", logLevel)
		log.Infof("Max connections: [%d]", maxConnections)
		log.Infof("Port: [%d]", port)
		log.Infof("Port for profile: [%d]", portProfile)
		log.Infof("Profiling is on: [%t]", profile)
		log.Infof("Publish loopback only: [%t]", loopbackOnly)
		log.Infof("Publish secret set: [%t]", publishSecret != "")
		log.Infof("Purpose: [%s]", purpose)
		log.Debugf("Secret: [%s]", redact(secret))
		log.Infof("Tidy every: [%s]", tidyEvery)

		// Optionally start the profiling server
		if profile {
			go func() {
				url := "localhost:" + strconv.Itoa(portProfile)
				err := http.ListenAndServe(url, nil)
				if err != nil {
					log.Errorf("profile server: %v", err)
				}
			}()
		}

		if fw != nil {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			go func() {
				for range hup {
					if err := fw.Reopen(); err != nil {
						fmt.Fprintf(os.Stderr, "cannot reopen log file %s: %s\n", logFile, err.Error())
					}
				}
			}()
		}

		var wg sync.WaitGroup

		closed := make(chan struct{})

		c := make(chan os.Signal, 1)

		signal.Notify(c, os.Interrupt, syscall.SIGTERM)

		go func() {
			for range c {
				close(closed)
				wg.Wait()
				os.Exit(0)
			}
		}()

		wg.Add(1)

		config := relay.Config{
			Host:           host,
			Port:           port,
			Secret:         secret,
			Purpose:        purpose,
			PublishSecret:  publishSecret,
			LoopbackOnly:   loopbackOnly,
			MaxConnections: maxConnections,
			PruneEvery:     tidyEvery,
		}

		go relay.Relay(closed, &wg, config)

		wg.Wait()

	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
