// Command issue-token mints a bearer token for the /v1 endpoints.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"panelsync.org/internal/auth"
	"panelsync.org/internal/config"
	"panelsync.org/internal/obs"
)

func main() {
	config.LoadEnvFiles()
	log := obs.Component("issue-token")

	subject := flag.String("sub", "", "token subject, e.g. an operator email")
	roles := flag.String("roles", auth.RoleViewer, "comma separated roles (operator, viewer)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if strings.TrimSpace(*subject) == "" {
		log.Fatal().Msg("-sub is required")
	}
	tokens, err := auth.NewTokens(os.Getenv("PANEL_AUTH_SECRET"))
	if err != nil {
		log.Fatal().Err(err).Msg("PANEL_AUTH_SECRET")
	}
	token, err := tokens.Issue(*subject, strings.Split(*roles, ","), *ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("issue token")
	}
	fmt.Println(token)
}
