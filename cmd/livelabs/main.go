// LiveLabs
//
// Interactive lab sessions: step-by-step tracks with validation scripts,
// a sandboxed shell and an app window for every learner.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
	learnerID string
)

var rootCmd = &cobra.Command{
	Use:   "livelabs",
	Short: "LiveLabs - interactive lab sessions",
	Long: `LiveLabs runs hands-on tracks: learners work through steps in a sandbox,
validation scripts check their work and an app window runs beside them.

  livelabs serve                                 Start the server
  livelabs track import ./tracks                 Import track definitions
  livelabs enroll intro-git --env GIT_USER=ada   Enroll in a track
  livelabs status <id>                           Show progress
  livelabs exec <id> 2                           Validate step 2
  livelabs app start <id>                        Start the app container`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("LIVELABS_SERVER", "http://localhost:7080"), "LiveLabs server URL")
	rootCmd.PersistentFlags().StringVar(&learnerID, "learner", os.Getenv("LIVELABS_LEARNER"), "Learner id sent as X-Learner-ID")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
