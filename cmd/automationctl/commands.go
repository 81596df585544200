package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/medofficehq/automation/pkg/automation"
	"github.com/medofficehq/automation/pkg/common/config"
	"github.com/spf13/cobra"
)

type cliApp struct {
	cfg    *config.Config
	client *automation.Client
}

func (a *cliApp) init(cfg *config.Config) error {
	client, err := automation.NewClientFromConfig(cfg)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.client = client
	return nil
}

// signalContext ends on Ctrl-C so watches stop cleanly.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readJSONFile(path string, v interface{}) error {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func parseRules(raw string) []automation.RuleNumber {
	var rules []automation.RuleNumber
	for _, part := range strings.Split(raw, ",") {
		if n := automation.ParseRuleNumber(part); n != "" {
			rules = append(rules, n)
		}
	}
	return rules
}

func progressLine(snap automation.Snapshot) string {
	parts := make([]string, 0, len(snap.Rules))
	for _, r := range snap.Rules {
		parts = append(parts, fmt.Sprintf("rule %s %s %.0f%% (%d/%d)", r.RuleNumber, r.Status, r.Percentage, r.PatientsProcessed, r.TotalPatients))
	}
	return fmt.Sprintf("[%d] %s | %s", snap.Seq, snap.Status, strings.Join(parts, " | "))
}

func (a *cliApp) submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a batch of patients and rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			watch, _ := cmd.Flags().GetBool("watch")

			var batch automation.Batch
			if err := readJSONFile(file, &batch); err != nil {
				return err
			}
			batch, err := a.client.AssignProjectID(cmd.Context(), batch)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: no project id assigned: %v\n", err)
			}

			if !watch {
				handle, err := a.client.Submit(cmd.Context(), batch)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"execution_id": string(handle),
					"project_id":   batch.ProjectID,
				})
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			runner := automation.NewRunner(a.client, automation.RunnerConfigFrom(a.cfg))
			defer runner.Close()

			run, err := runner.Start(ctx, batch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "submitted %s (project %s)\n", run.Handle, run.ProjectID)

			go func() {
				<-ctx.Done()
				runner.Stop(run.Handle)
			}()

			outcome, err := run.Wait(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), progressLine(outcome.Progress))
			return printJSON(cmd.OutOrStdout(), outcome)
		},
	}
	cmd.Flags().String("file", "", "Batch JSON file (project_name, patients, rules)")
	cmd.Flags().Bool("watch", false, "Poll until the run resolves and print the outcome")
	cmd.MarkFlagRequired("file")
	return cmd
}

func (a *cliApp) progressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress <execution-id>",
		Short: "Follow the progress of an execution until it completes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawRules, _ := cmd.Flags().GetString("rules")
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			out := cmd.OutOrStdout()
			poller, err := a.client.Watch(ctx, automation.ExecutionHandle(args[0]), parseRules(rawRules), automation.PollOptions{
				Interval:       a.cfg.PollInterval,
				RequestTimeout: a.cfg.PollRequestTimeout,
				OnUpdate: func(snap automation.Snapshot) {
					fmt.Fprintln(out, progressLine(snap))
				},
			})
			if err != nil {
				return err
			}
			defer poller.Stop()

			snap, err := poller.Wait(context.Background())
			if err != nil {
				return err
			}
			if snap.Status == automation.StatusError {
				return fmt.Errorf("execution %s finished with an error", args[0])
			}
			return nil
		},
	}
	cmd.Flags().String("rules", "", "Comma separated rule numbers of the execution")
	cmd.MarkFlagRequired("rules")
	return cmd
}

func (a *cliApp) resultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results <execution-id>",
		Short: "Print the reconciled results of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := a.client.Results(cmd.Context(), automation.ExecutionHandle(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
}

func (a *cliApp) rollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back one rule for a list of patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, _ := cmd.Flags().GetString("rule")
			file, _ := cmd.Flags().GetString("file")

			var patients []automation.PatientRecord
			if err := readJSONFile(file, &patients); err != nil {
				return err
			}
			if err := a.client.Rollback(cmd.Context(), automation.ParseRuleNumber(rule), patients); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back rule %s for %d patients\n", automation.ParseRuleNumber(rule), len(patients))
			return nil
		},
	}
	cmd.Flags().String("rule", "", "Rule number to roll back")
	cmd.Flags().String("file", "", "Patients JSON file")
	cmd.MarkFlagRequired("rule")
	cmd.MarkFlagRequired("file")
	return cmd
}

func (a *cliApp) reapplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reapply <execution-id> <appointment-id>",
		Short: "Submit one appointment's rules again as a new run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := a.client.Results(cmd.Context(), automation.ExecutionHandle(args[0]))
			if err != nil {
				return err
			}
			rec, ok := automation.FindRecord(records, args[1])
			if !ok {
				return fmt.Errorf("appointment %s in run %s: %w", args[1], args[0], automation.ErrRunNotFound)
			}

			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				name = "Reapply " + rec.AppointmentID
			}
			handle, err := a.client.Reapply(cmd.Context(), name, rec)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"execution_id": handle.String()})
		},
	}
	cmd.Flags().String("name", "", "Project name of the new run")
	return cmd
}

func (a *cliApp) rulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the rule catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := a.client.ListRules(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rules)
		},
	}
}

func (a *cliApp) runsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List the backend run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := a.client.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"runs":            runs,
				"next_project_id": automation.NextProjectID(runs),
			})
		},
	}
}

func (a *cliApp) archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <run-id>",
		Short: "Archive a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.ArchiveRun(cmd.Context(), automation.RunID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %s\n", args[0])
			return nil
		},
	}
}

func (a *cliApp) patientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patients",
		Short: "List encounters in a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawFrom, _ := cmd.Flags().GetString("from")
			rawTo, _ := cmd.Flags().GetString("to")
			from, err := automation.ParseDate(rawFrom)
			if err != nil {
				return err
			}
			to, err := automation.ParseDate(rawTo)
			if err != nil {
				return err
			}
			patients, err := a.client.ListPatients(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), patients)
		},
	}
	cmd.Flags().String("from", "", "First appointment date")
	cmd.Flags().String("to", "", "Last appointment date")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

func (a *cliApp) projectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "project <project-id>",
		Short: "Print the reconciled results of a historic project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, records, err := a.client.ProjectResults(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"project_id":   project.ProjectID,
				"project_name": project.ProjectName,
				"results":      records,
			})
		},
	}
}
