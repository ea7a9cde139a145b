package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/RamadhanIbnu/wsrelay/internal/permission"
	"github.com/ory/viper"
	"github.com/spf13/cobra"
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "wsrelay token generates a new token for connecting to a relay",
	Long: `Generate a connection token the same way the web application does,
for testing a relay by hand. Set the operating parameters with environment
variables, for example

export JWT_SECRET=somesecret
export WS_TOKEN_USER_ID=42
export WS_TOKEN_LIFETIME=60
export WS_TOKEN_PURPOSE=ws
token=$(wsrelay token)
`,

	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("WS_TOKEN")
		viper.AutomaticEnv()

		if err := viper.BindEnv("secret", "JWT_SECRET"); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		viper.SetDefault("lifetime", 60)
		viper.SetDefault("purpose", permission.DefaultPurpose)

		lifetime := viper.GetInt64("lifetime")
		secret := viper.GetString("secret")
		userID := viper.GetString("user_id")
		purpose := viper.GetString("purpose")

		// check inputs

		if lifetime <= 0 {
			fmt.Println("WS_TOKEN_LIFETIME must be positive")
			os.Exit(1)
		}
		if secret == "" {
			fmt.Println("JWT_SECRET not set")
			os.Exit(1)
		}
		if userID == "" {
			fmt.Println("WS_TOKEN_USER_ID not set")
			os.Exit(1)
		}
		if purpose == "" {
			fmt.Println("WS_TOKEN_PURPOSE not set")
			os.Exit(1)
		}

		iat := time.Now().Unix() - 1 //ensure immediately usable
		exp := iat + lifetime

		bearer, err := permission.NewToken(userID, purpose, iat, exp).Sign(secret)

		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		fmt.Println(bearer)
		os.Exit(0)

	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

}
