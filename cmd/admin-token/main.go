// Command admin-token mints a bearer token for the admin dashboard. It signs
// with the same JWT_PRIVATE_KEY_PATH the server uses.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"volunteer-auth-service/internal/config"
	"volunteer-auth-service/internal/session"
	"volunteer-auth-service/internal/util"
)

func main() {
	subject := flag.String("subject", "", "admin identifier recorded as the actor on every admin action")
	flag.Parse()

	cfg := config.LoadConfig()
	logger := util.Init(cfg.Environment, cfg.Logging.Level, "console")
	defer util.Sync()

	if cfg.JWT.PrivateKeyPath == "" {
		util.Fatal("JWT_PRIVATE_KEY_PATH must be set; an ephemeral key would not match the server's")
	}

	tokens, err := session.NewManager(cfg, logger)
	if err != nil {
		util.Fatal("Failed to load signing key", util.ErrorField(err))
	}

	token, expiresAt, err := tokens.IssueAdminToken(*subject)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
}
