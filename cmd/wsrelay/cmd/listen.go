package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/RamadhanIbnu/wsrelay/internal/event"
	"github.com/RamadhanIbnu/wsrelay/internal/reconws"
	"github.com/gorilla/websocket"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// ListenOpts configures the listen command from LISTEN_<var>
type ListenOpts struct {
	URL       string        `envconfig:"URL" default:"ws://127.0.0.1:6789/"`
	Token     string        `envconfig:"TOKEN" required:"true"`
	PingEvery time.Duration `envconfig:"PING_EVERY" default:"30s"`
	LogLevel  string        `envconfig:"LOG_LEVEL" default:"warn"`
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "connect to a relay and print what it sends",
	Long: `Connect to a relay as a client and print every frame received, one per line.
Lines typed on stdin are sent to the relay. Set parameters with environment
variables, for example:

export LISTEN_URL=ws://127.0.0.1:6789/
export LISTEN_TOKEN=$(wsrelay token)
export LISTEN_PING_EVERY=30s
wsrelay listen

The token is reused for reconnecting, so reconnection stops once it expires.
`,
	Run: func(cmd *cobra.Command, args []string) {

		var opts ListenOpts

		// load configuration from environment variables LISTEN_<var>
		if err := envconfig.Process("listen", &opts); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		if _, err := configureLogging(opts.LogLevel, "text", "stdout"); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)

		go func() {
			<-c
			cancel()
		}()

		r := reconws.New()

		go r.ReconnectToken(ctx, opts.URL, func(context.Context) (string, error) {
			return opts.Token, nil
		})

		go stdinLines(ctx, r)

		if err := listen(ctx, r, opts.PingEvery, os.Stdout); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

// listen prints each frame from r on its own line, pinging every pingEvery
func listen(ctx context.Context, r *reconws.ReconWs, pingEvery time.Duration, out *os.File) error {

	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-r.In:
			if _, err := fmt.Fprintln(out, string(msg.Data)); err != nil {
				return err
			}
		case <-ticker.C:
			select {
			case r.Out <- reconws.WsMessage{Data: []byte(`{"type":"` + event.TypePing + `"}`), Type: websocket.TextMessage}:
			default:
				log.Debug("Not connected; skipping ping")
			}
		}
	}
}

func stdinLines(ctx context.Context, r *reconws.ReconWs) {

	lines := make(chan string)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			select {
			case r.Out <- reconws.WsMessage{Data: []byte(line), Type: websocket.TextMessage}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(listenCmd)
}
