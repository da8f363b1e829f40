// PatchPilot
//
// Automated code changes: give it a repository URL and a request in plain
// language, get back a pull request.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/patchpilot/patchpilot"
	"github.com/patchpilot/patchpilot/internal/config"
	"github.com/patchpilot/patchpilot/pkg/model"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "patchpilot",
	Short: "PatchPilot - automated code changes",
	Long: `PatchPilot turns a natural language request into a pull request.

  patchpilot serve                                        Start the API server
  patchpilot run "fix the bug" --repo <url> --apply       Run one change end to end
  patchpilot run "what would change?" --repo <url>        Dry run (plan only)`,
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the PatchPilot API server",
	RunE:  runServe,
}

var (
	runRepo  string
	runApply bool
)

var runCmd = &cobra.Command{
	Use:   "run \"<request>\"",
	Short: "Run a single change request and stream its progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runRepo, "repo", "", "repository clone URL (required)")
	runCmd.Flags().BoolVar(&runApply, "apply", false, "apply the plan and open a PR (default: dry run)")
	runCmd.MarkFlagRequired("repo")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildApp() (*patchpilot.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return patchpilot.NewBuilder().WithConfig(cfg).Build()
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := buildApp()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Start(ctx)
}

func runOnce(cmd *cobra.Command, args []string) error {
	app, err := buildApp()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := app.Engine()
	eng.Start(ctx)
	defer eng.Stop()

	run, err := eng.StartRun(runRepo, args[0], runApply)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s started\n", run.ID)

	ch := eng.Bus().Subscribe(run.ID)
	defer eng.Bus().Unsubscribe(run.ID, ch)

	// Replay anything emitted before the subscription.
	var lastID int64
	if events, err := eng.Store().GetEvents(run.ID, 0); err == nil {
		for _, e := range events {
			lastID = e.ID
			if done := printEvent(e); done {
				return exitCode(e)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			eng.CancelRun(run.ID)
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if e.ID <= lastID {
				continue
			}
			if done := printEvent(e); done {
				return exitCode(e)
			}
		}
	}
}

// printEvent prints one event and reports whether it was terminal.
func printEvent(e *model.Event) bool {
	switch e.Stage {
	case "done", "error":
		var result model.TerminalResult
		if err := json.Unmarshal([]byte(e.Message), &result); err != nil {
			fmt.Printf("[%s] %s\n", e.Stage, e.Message)
			return true
		}
		fmt.Printf("[%s] status=%s", e.Stage, result.Status)
		if result.Kind != "" {
			fmt.Printf(" kind=%s", result.Kind)
		}
		if result.Message != "" {
			fmt.Printf(" %s", result.Message)
		}
		fmt.Println()
		if pr := result.PullRequest; pr != nil {
			if pr.URL != "" {
				fmt.Printf("Pull request: %s (%d files)\n", pr.URL, pr.FilesChanged)
			} else if pr.Branch != "" {
				fmt.Printf("Branch pushed: %s (%d files, no PR)\n", pr.Branch, pr.FilesChanged)
			}
		}
		for _, step := range result.FailedSteps {
			fmt.Printf("Failed step: %s %s (%s)\n", step.Action, step.File, step.Reason)
		}
		return true
	default:
		fmt.Printf("[%s] %s\n", e.Stage, e.Message)
		return false
	}
}

func exitCode(e *model.Event) error {
	if e.Stage == "error" {
		return fmt.Errorf("run failed")
	}
	return nil
}
