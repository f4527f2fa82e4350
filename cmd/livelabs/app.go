package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jxucoder/livelabs/internal/appstate"
)

var appCmd = &cobra.Command{
	Use:   "app",
	Short: "Inspect and control an enrollment's app window",
	Long: `Inspect and control the app shown beside a track's instructions.

  livelabs app status <id>     Derive the app state (starts initialization when due)
  livelabs app init <id>       Run or retry the initialization script
  livelabs app start <id>      Start the app container
  livelabs app restart <id>    Restart the app container
  livelabs app stop <id>       Stop and remove the app container
  livelabs app watch <id>      Follow app state changes`,
}

func appActionCmd(use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap appstate.Snapshot
			if err := call("POST", "/api/enrollments/"+args[0]+"/app/"+action, nil, &snap); err != nil {
				return err
			}
			printSnapshot(&snap)
			return nil
		},
	}
}

var appStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show the app state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var snap appstate.Snapshot
		if err := call("GET", "/api/enrollments/"+args[0]+"/app", nil, &snap); err != nil {
			return err
		}
		printSnapshot(&snap)
		return nil
	},
}

var appWatchCmd = &cobra.Command{
	Use:   "watch ID",
	Short: "Follow app state changes until the state settles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return stream(ctx, "/api/enrollments/"+args[0]+"/app/events", func(ev sseEvent) bool {
			var e struct {
				Data string `json:"data"`
			}
			var snap appstate.Snapshot
			if json.Unmarshal([]byte(ev.Data), &e) != nil || json.Unmarshal([]byte(e.Data), &snap) != nil {
				return true
			}
			printSnapshot(&snap)
			fmt.Println()
			return !snap.State.Terminal()
		})
	},
}

func init() {
	appCmd.AddCommand(appStatusCmd)
	appCmd.AddCommand(appActionCmd("init", "Run or retry the initialization script", "init"))
	appCmd.AddCommand(appActionCmd("start", "Start the app container", "start"))
	appCmd.AddCommand(appActionCmd("restart", "Restart the app container", "restart"))
	appCmd.AddCommand(appActionCmd("stop", "Stop the app container", "stop"))
	appCmd.AddCommand(appWatchCmd)
	rootCmd.AddCommand(appCmd)
}

func printSnapshot(s *appstate.Snapshot) {
	fmt.Printf("State:    %s\n", s.State)
	if !s.HasApp {
		return
	}
	fmt.Printf("Type:     %s\n", s.Type)
	if s.URL != "" {
		fmt.Printf("URL:      %s\n", s.URL)
	}
	if len(s.Ports) > 0 {
		ports := make([]string, 0, len(s.Ports))
		for c, h := range s.Ports {
			ports = append(ports, fmt.Sprintf("%d->%d", h, c))
		}
		sort.Strings(ports)
		fmt.Printf("Ports:    %s\n", strings.Join(ports, ", "))
	}
	if s.StartedAt != nil {
		fmt.Printf("Started:  %s\n", humanize.Time(*s.StartedAt))
	}
	if s.Type == appstate.TypeContainer {
		fmt.Printf("Restarts: %d of %d\n", s.RestartCount, s.MaxRestarts)
	}
	if s.Error != "" {
		fmt.Printf("Error:    %s\n", s.Error)
	}
	if s.Diagnostic != "" {
		fmt.Printf("Output:   %s\n", s.Diagnostic)
	}

	var actions []string
	if s.CanStart {
		actions = append(actions, "start")
	}
	if s.CanRestart {
		actions = append(actions, "restart")
	}
	if s.CanRetry {
		actions = append(actions, "init")
	}
	if len(actions) > 0 {
		fmt.Printf("Actions:  %s\n", strings.Join(actions, ", "))
	}
}
