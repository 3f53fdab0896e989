// Command sentineld runs the license verification and enforcement
// server: the machine-facing verification endpoint plus the dashboard
// management API.
package main

import (
	"fmt"
	"os"

	"sentineld/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentineld: %v\n", err)
		os.Exit(1)
	}
	if err := application.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "sentineld: %v\n", err)
		os.Exit(1)
	}
}
