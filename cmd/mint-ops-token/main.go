// mint-ops-token mints a service JWT for the /internal/* ops endpoints.
// There is no user store in this service; tokens are minted offline and
// handed to the scheduler job or an operator.
//
// Usage:
//   API_SECRET=... TOKEN_HOUR_LIFESPAN=24 go run ./cmd/mint-ops-token --subject ops@harborlight
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/harborlightlabs/billsync_backend/utils"
)

func main() {
	subject := flag.String("subject", "", "Required: who the token acts as (shows up in audit logs)")
	role := flag.String("role", "ops", "Role claim")
	flag.Parse()

	if strings.TrimSpace(*subject) == "" {
		fmt.Fprintln(os.Stderr, "--subject is required")
		os.Exit(1)
	}

	token, err := utils.JwtGenerate(*subject, *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to mint token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
