package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/toolgate/internal/jobs"
)

var (
	jobsServer string
	jobsTail   int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List background jobs of a running server",
	Long: `Inspect and control the background processes started by tool calls of a
running 'toolgate serve'.

Examples:
  toolgate jobs
  toolgate jobs output 01J... --tail 50
  toolgate jobs kill 01J...`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var list []jobs.Snapshot
		if err := newAPIClient(jobsServer).do(commandContext(cmd), http.MethodGet, "/job", &list); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(w, dim.Sprint("no background jobs"))
			return nil
		}
		for _, job := range list {
			renderJob(w, job)
		}
		return nil
	},
}

var jobsOutputCmd = &cobra.Command{
	Use:   "output <job-id>",
	Short: "Print the output of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/job/" + url.PathEscape(args[0])
		if jobsTail > 0 {
			path += "?tail=" + strconv.Itoa(jobsTail)
		}
		var job jobs.Snapshot
		if err := newAPIClient(jobsServer).do(commandContext(cmd), http.MethodGet, path, &job); err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), job.Output)
		return nil
	},
}

var jobsKillCmd = &cobra.Command{
	Use:   "kill <job-id>",
	Short: "Terminate a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobAction(cmd, http.MethodDelete, "/job/"+url.PathEscape(args[0]))
	},
}

var jobsReapCmd = &cobra.Command{
	Use:   "reap <job-id>",
	Short: "Forget an exited job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobAction(cmd, http.MethodPost, "/job/"+url.PathEscape(args[0])+"/reap")
	},
}

func init() {
	jobsCmd.PersistentFlags().StringVar(&jobsServer, "server", "127.0.0.1:4096", "Address of the toolgate server")
	jobsOutputCmd.Flags().IntVar(&jobsTail, "tail", 0, "Only print the last N lines")
	jobsCmd.AddCommand(jobsOutputCmd, jobsKillCmd, jobsReapCmd)
	rootCmd.AddCommand(jobsCmd)
}

func jobAction(cmd *cobra.Command, method, path string) error {
	var res jobs.Result
	if err := newAPIClient(jobsServer).do(commandContext(cmd), method, path, &res); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Message)
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func renderJob(w io.Writer, job jobs.Snapshot) {
	status := string(job.Status)
	if job.ExitCode != nil {
		status += fmt.Sprintf(" (exit %d)", *job.ExitCode)
	}
	age := time.Since(job.StartTime).Truncate(time.Second)
	fmt.Fprintf(w, "%s  %s  %s  %s\n",
		bold.Sprint(job.ID),
		jobStatusColor(job.Status).Sprint(status),
		job.Command,
		dim.Sprintf("%s ago", age))
}
