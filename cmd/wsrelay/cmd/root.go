package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "wsrelay",
	Short: "realtime messaging and presence relay",
	Long: `wsrelay keeps websocket connections open to the users of a web
application, and relays messages, reactions, typing indicators, presence
and read receipts to them. Clients authenticate with a short-lived token
minted by the application; the application publishes events to the relay
over http after storing them.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

// initConfig - no config file; use ENV variables where available e.g. export WS_PORT=6789
func initConfig() {
	viper.SetEnvPrefix("WS")
	viper.AutomaticEnv() // read in environment variables that match
}
