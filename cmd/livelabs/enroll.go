package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jxucoder/livelabs/pkg/model"
)

// enrollment mirrors the server's enrollment response.
type enrollment struct {
	model.Enrollment
	TrackSlug  string `json:"track_slug"`
	TotalSteps int    `json:"total_steps"`
}

// stepView mirrors the server's classified step.
type stepView struct {
	model.Step
	Status        model.StepStatus `json:"status"`
	HasSetup      bool             `json:"has_setup"`
	HasValidation bool             `json:"has_validation"`
}

var (
	enrollEnv  []string
	scriptType string
)

var enrollCmd = &cobra.Command{
	Use:   "enroll TRACK",
	Short: "Enroll in a track",
	Long: `Enroll the learner given by --learner in a track. Required environment
variables of the track are passed with --env:

  livelabs enroll intro-git --learner ada --env GIT_USER=ada --env EDITOR=vim`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if learnerID == "" {
			return fmt.Errorf("--learner (or LIVELABS_LEARNER) is required")
		}
		env, err := parseEnv(enrollEnv)
		if err != nil {
			return err
		}
		var en enrollment
		body := map[string]any{"learner_id": learnerID, "track": args[0], "environment": env}
		if err := call("POST", "/api/enrollments", body, &en); err != nil {
			return err
		}
		fmt.Printf("Enrollment %s created for %s in %s (%d steps)\n", en.ID, en.LearnerID, en.TrackSlug, en.TotalSteps)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrollments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/enrollments"
		if learnerID != "" {
			path += "?learner=" + learnerID
		}
		var list []model.Enrollment
		if err := call("GET", path, nil, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No enrollments.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tLEARNER\tTRACK\tSTEP\tSTARTED\tLAST ACTIVE")
		for _, e := range list {
			step := strconv.Itoa(e.CurrentStep)
			if e.CompletedAt != nil {
				step = "done"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.LearnerID, e.TrackID, step,
				humanize.Time(e.StartedAt), humanize.Time(e.LastActivityAt))
		}
		return w.Flush()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show an enrollment's progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		var en enrollment
		if err := call("GET", "/api/enrollments/"+id, nil, &en); err != nil {
			return err
		}
		var steps []stepView
		if err := call("GET", "/api/enrollments/"+id+"/steps", nil, &steps); err != nil {
			return err
		}

		fmt.Printf("Enrollment:  %s\n", en.ID)
		fmt.Printf("Learner:     %s\n", en.LearnerID)
		fmt.Printf("Track:       %s\n", en.TrackSlug)
		fmt.Printf("Started:     %s\n", humanize.Time(en.StartedAt))
		if en.CompletedAt != nil {
			fmt.Printf("Completed:   %s\n", humanize.Time(*en.CompletedAt))
		} else {
			fmt.Printf("Progress:    step %d of %d\n", en.CurrentStep, en.TotalSteps)
		}
		if len(en.Environment) > 0 {
			fmt.Printf("Environment: %s\n", strings.Join(sortedPairs(en.Environment), " "))
		}
		fmt.Println()
		for _, s := range steps {
			fmt.Printf("  %s %d. %s\n", stepMarker(s.Status), s.Order, s.Title)
		}
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec ID STEP",
	Short: "Run a step's setup or validation script",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		order, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("step must be a number: %q", args[1])
		}
		if _, err := model.ParseScriptType(scriptType); err != nil {
			return err
		}

		var res model.ExecutionResult
		path := fmt.Sprintf("/api/enrollments/%s/steps/%d/execute", args[0], order)
		if err := call("POST", path, map[string]string{"script_type": scriptType}, &res); err != nil {
			return err
		}
		printResult(&res)
		if !res.Success {
			os.Exit(2)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history ID STEP",
	Short: "Show past script runs for a step",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var history []model.Execution
		if err := call("GET", fmt.Sprintf("/api/enrollments/%s/steps/%s/history", args[0], args[1]), nil, &history); err != nil {
			return err
		}
		if len(history) == 0 {
			fmt.Println("No runs yet.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tTRIGGER\tSTATUS\tEXIT\tDURATION\tSTARTED")
		for _, x := range history {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", x.ID, x.ScriptType, x.Trigger, x.Status,
				x.ExitCode, x.Duration.Round(time.Millisecond), humanize.Time(x.StartedAt))
		}
		return w.Flush()
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events ID",
	Short: "Stream an enrollment's events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return stream(ctx, "/api/enrollments/"+args[0]+"/events", func(ev sseEvent) bool {
			var e model.Event
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				return true
			}
			fmt.Printf("%s  %-9s  %s\n", e.CreatedAt.Local().Format("15:04:05"), e.Type, e.Data)
			return true
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete an enrollment and stop its sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call("DELETE", "/api/enrollments/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Printf("Enrollment %s deleted\n", args[0])
		return nil
	},
}

func init() {
	enrollCmd.Flags().StringArrayVar(&enrollEnv, "env", nil, "Environment variable KEY=VALUE (repeatable)")
	execCmd.Flags().StringVar(&scriptType, "type", string(model.ScriptValidation), "Script to run: setup or validation")

	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(deleteCmd)
}

func printResult(res *model.ExecutionResult) {
	if out := strings.TrimRight(res.Stdout, "\n"); out != "" {
		fmt.Println(out)
	}
	if errOut := strings.TrimRight(res.Stderr, "\n"); errOut != "" {
		fmt.Fprintln(os.Stderr, errOut)
	}
	switch {
	case res.TimedOut:
		fmt.Printf("Timed out after %s\n", res.Duration.Round(time.Second))
	case res.Success:
		fmt.Printf("Passed in %s\n", res.Duration.Round(time.Millisecond))
	default:
		fmt.Printf("Failed with exit code %d\n", res.ExitCode)
	}
	for i, h := range res.Hints {
		fmt.Printf("Hint %d: %s\n", i+1, h)
	}
	switch {
	case res.Completed && res.Advanced:
		fmt.Println("Track completed!")
	case res.Advanced:
		fmt.Printf("Advanced to step %d\n", res.CurrentStep)
	}
}

func stepMarker(s model.StepStatus) string {
	switch s {
	case model.StepCompleted:
		return "[x]"
	case model.StepCurrent:
		return "[>]"
	}
	return "[ ]"
}

func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q: use KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

func sortedPairs(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
