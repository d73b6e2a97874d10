package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aristath/taskcore/internal/orchestrator"
	"github.com/aristath/taskcore/internal/planner"
	"github.com/aristath/taskcore/internal/tui"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	var (
		strategy string
		id       string
		watch    bool
		metrics  bool
	)

	cmd := &cobra.Command{
		Use:   "run [request...]",
		Short: "Plan, execute and audit a request",
		Long: `Decompose the request into a task graph, execute it and print a report.
Use "-" to read the request from stdin.`,
		Example: `  taskcore run "fetch A, fetch B, merge, export PDF"
  taskcore run --strategy rule_based --json "fetch A then respond done"
  echo "fetch A, merge" | taskcore run -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := requestText(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			req := planner.Request{ID: id, Text: text}
			if strategy != "" {
				if req.Strategy, err = planner.ParseStrategy(strategy); err != nil {
					return err
				}
			}

			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			// The live view owns the terminal, so logs are buffered and
			// printed once it exits.
			var logBuf bytes.Buffer
			var logOut io.Writer = cmd.ErrOrStderr()
			if watch {
				logOut = &logBuf
			}
			logger, err := newLogger(cfg, logOut)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			// Kill oracle subprocesses as soon as the run is interrupted.
			go func() {
				<-ctx.Done()
				_ = a.procs.KillAll()
			}()

			var program *tea.Program
			programDone := make(chan error, 1)
			if watch {
				program = tea.NewProgram(tui.New(a.bus).WithQuitOnFinish(),
					tea.WithAltScreen(), tea.WithContext(ctx), tea.WithOutput(cmd.ErrOrStderr()))
				go func() {
					_, err := program.Run()
					programDone <- err
				}()
			}

			report, runErr := a.runner.Run(ctx, req)

			if program != nil {
				// Planning may fail before the graph finishes.
				program.Quit()
				if err := <-programDone; err != nil && !isTeaShutdown(err) {
					logger.Warn("live view exited with error", "error", err)
				}
				_, _ = io.Copy(cmd.ErrOrStderr(), &logBuf)
			}

			if report != nil {
				if err := printReport(cmd.OutOrStdout(), report, v.GetBool("json")); err != nil {
					return err
				}
			}
			if metrics {
				if err := writeMetrics(cmd.ErrOrStderr(), a); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if report.Outcome != nil && report.Outcome.Status != orchestrator.GraphCompleted {
				return fmt.Errorf("request %s finished %s", report.RequestID, report.Outcome.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", "rule_based, oracle or hybrid (default from config)")
	cmd.Flags().StringVar(&id, "id", "", "request id (default random)")
	cmd.Flags().BoolVar(&watch, "watch", false, "show a live view while the graph runs")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "print Prometheus metrics to stderr after the run")
	return cmd
}

func requestText(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading request from stdin: %w", err)
		}
		args = []string{string(data)}
	}
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return "", fmt.Errorf("empty request")
	}
	return text, nil
}

func printReport(w io.Writer, r *orchestrator.Report, asJSON bool) error {
	if asJSON {
		return writeJSONReport(w, r)
	}
	return writeTextReport(w, r)
}

// writeMetrics dumps the run's collectors in the Prometheus text format.
func writeMetrics(w io.Writer, a *app) error {
	families, err := a.gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func isTeaShutdown(err error) bool {
	return errors.Is(err, tea.ErrProgramKilled) || errors.Is(err, tea.ErrInterrupted)
}
