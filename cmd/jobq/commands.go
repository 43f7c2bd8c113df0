package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/machpc/jobq/internal/log"
	"github.com/machpc/jobq/internal/model"
	"github.com/machpc/jobq/internal/service"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
)

var (
	flagSubmitName    string
	flagSubmitTimeout string
	flagSubmitEnv     []string
	flagSubmitDir     string
	flagSubmitShell   bool

	flagJSON   bool
	flagStderr bool

	flagWaitInterval time.Duration
)

func init() {
	// everything after the command name belongs to the job
	submitCmd.Flags().SetInterspersed(false)
	submitCmd.Flags().StringVar(&flagSubmitName, "name", "", "job name, defaults to the command")
	submitCmd.Flags().StringVar(&flagSubmitTimeout, "timeout", "", "kill the job after this duration, 0 means no limit (default from config)")
	submitCmd.Flags().StringArrayVar(&flagSubmitEnv, "env", nil, "set KEY=VALUE in job environment, can be repeated")
	submitCmd.Flags().StringVar(&flagSubmitDir, "dir", "", "working directory of the job")
	submitCmd.Flags().BoolVar(&flagSubmitShell, "shell", false, "run the arguments as a single shell command line")

	listCmd.Flags().BoolVar(&flagJSON, "json", false, "print job records as JSON")
	infoCmd.Flags().BoolVar(&flagJSON, "json", false, "print the job record as JSON")
	logsCmd.Flags().BoolVar(&flagStderr, "stderr", false, "print captured standard error instead of standard output")
	waitCmd.Flags().DurationVar(&flagWaitInterval, "interval", time.Second, "how often to check the job state")

	runCmd.Flags().Int("max-running", 0, "maximum number of concurrently running jobs (default from config)")
	runCmd.Flags().String("poll-interval", "", "scheduler tick interval (default from config)")
}

var submitCmd = &cobra.Command{
	Use:   "submit [flags] command [args...]",
	Short: "submit adds a command to the queue and prints the job id",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doSubmit,
}

var listCmd = &cobra.Command{
	Use:   "list [state]",
	Short: "list prints jobs in submission order",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doList,
}

var infoCmd = &cobra.Command{
	Use:   "info id",
	Short: "info prints the full job record",
	Args:  cobra.ExactArgs(1),
	RunE:  doInfo,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel id",
	Short: "cancel asks the daemon to stop a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  doCancel,
}

var logsCmd = &cobra.Command{
	Use:   "logs id",
	Short: "logs prints captured output of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  doLogs,
}

var waitCmd = &cobra.Command{
	Use:   "wait id...",
	Short: "wait blocks until all jobs end, it fails unless all of them finished successfully",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doWait,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the scheduler daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

func doSubmit(cmd *cobra.Command, args []string) error {
	// the daemon runs elsewhere, relative paths are the submitter's
	dir, err := filepath.Abs(flagSubmitDir)
	if err != nil {
		return fmt.Errorf("resolving job directory: %w", err)
	}

	command, argv := service.CommandFromArgs(args, flagSubmitShell)
	req := service.SubmitRequest{
		Command: command,
		Args:    argv,
		Name:    flagSubmitName,
		Dir:     dir,
		Env:     flagSubmitEnv,
	}
	if cmd.Flags().Changed("timeout") {
		d, err := model.ParseDuration(flagSubmitTimeout)
		if err != nil {
			return fmt.Errorf("parsing --timeout: %w", err)
		}
		req.Timeout = &d
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	job, err := client.Submit(cmd.Context(), req)
	if err != nil {
		return err
	}
	slog.Debug("job submitted", "job_id", job.ID, "cmd", job.Command)
	_, err = fmt.Fprintln(cmd.OutOrStdout(), job.ID)
	return err
}

func doList(cmd *cobra.Command, args []string) error {
	var states []model.State
	if len(args) == 1 {
		state, err := model.ParseState(args[0])
		if err != nil {
			return err
		}
		states = append(states, state)
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	set, err := client.List(cmd.Context(), states...)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(cmd.OutOrStdout(), set)
	}
	printTable(cmd.OutOrStdout(), set, time.Now())
	return nil
}

func doInfo(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	job, err := client.Info(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(cmd.OutOrStdout(), job)
	}
	printInfo(cmd.OutOrStdout(), job, time.Now())
	return nil
}

func doCancel(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	job, err := client.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if job.State.Terminal() {
		_, err = fmt.Fprintf(out, "job %s already ended as %s\n", job.ID, job.State)
		return err
	}
	_, err = fmt.Fprintf(out, "cancellation of job %s requested\n", job.ID)
	return err
}

func doLogs(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	r, err := client.Output(cmd.Context(), args[0], flagStderr)
	if err != nil {
		return err
	}
	defer func() {
		_ = r.Close()
	}()
	_, err = io.Copy(cmd.OutOrStdout(), r)
	return err
}

func doWait(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	set, err := client.Wait(cmd.Context(), flagWaitInterval, args...)
	if err != nil {
		return err
	}
	printTable(cmd.OutOrStdout(), set, time.Now())
	if n := len(set) - set.Count(model.StateFinished); n > 0 {
		return fmt.Errorf("%d of %d jobs did not finish successfully", n, len(set))
	}
	return nil
}

func doRun(cmd *cobra.Command, args []string) error {
	attrs := slog.Group("jobq",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)

	daemon, err := service.NewDaemon(ctx, config)
	if err != nil {
		return err
	}

	// detached jobs are not affected by the signals
	var g run.Group
	ctx, cancel := context.WithCancel(ctx)
	g.Add(func() error {
		return daemon.Do(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		slog.InfoContext(ctx, "daemon stopped", "signal", sig.Signal.String())
		return nil
	}
	return err
}
