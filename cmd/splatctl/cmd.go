package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/splatforge/platform/pkg/client"
	"github.com/splatforge/platform/pkg/common/config"
	"github.com/splatforge/platform/pkg/common/models"
)

// RootCommand wires every subcommand around one API client.
func RootCommand() *cobra.Command {
	cfg := config.Load()
	var baseURL string
	var api *client.Client

	root := &cobra.Command{
		Use:          "splatctl",
		Short:        "Submit videos and fetch room reconstructions",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.APIBaseURL = baseURL
			api = client.FromConfig(cfg)
		},
	}
	root.PersistentFlags().StringVar(&baseURL, "api", cfg.APIBaseURL, "reconstruction service base URL")

	getClient := func() *client.Client { return api }
	root.AddCommand(
		uploadCommand(getClient),
		statusCommand(getClient),
		downloadCommand(getClient),
		cancelCommand(getClient),
		listCommand(getClient),
		presetsCommand(getClient),
	)
	return root
}

func uploadCommand(api func() *client.Client) *cobra.Command {
	var preset string
	var wait bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "upload VIDEO",
		Short: "Upload a walkthrough video and start a job",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if preset == "" {
				return nil
			}
			if _, err := models.ParsePreset(preset); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			resp, err := api().Upload(cmd.Context(), args[0], models.Preset(preset))
			var upErr *client.UploadError
			if errors.As(err, &upErr) {
				for _, msg := range upErr.Errors {
					fmt.Fprintln(cmd.ErrOrStderr(), "error:", msg)
				}
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "job %s accepted (%s, ~%d min)\n", resp.JobID, resp.QualityPreset, resp.EstimatedMinutes)
			for _, warning := range resp.Warnings {
				fmt.Fprintln(out, "warning:", warning)
			}
			if !wait {
				return nil
			}
			return waitFor(cmd, api(), resp.JobID, interval)
		},
	}
	cmd.Flags().StringVar(&preset, "preset", "", "quality preset: fast, balanced or quality")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval for --wait")
	return cmd
}

func waitFor(cmd *cobra.Command, api *client.Client, jobID string, interval time.Duration) error {
	out := cmd.OutOrStdout()
	last := ""
	final, err := api.Wait(cmd.Context(), jobID, interval, func(s *models.JobStatusResponse) {
		line := fmt.Sprintf("%-18s %5.1f%%", s.Status, s.Progress*100)
		if line != last {
			fmt.Fprintln(out, line)
			last = line
		}
	})
	if err != nil {
		return err
	}
	if final.Status == "error" {
		return fmt.Errorf("job %s failed: %s", jobID, final.ErrorMessage)
	}
	fmt.Fprintf(out, "model: %s\n", final.ModelURL)
	return nil
}

func statusCommand(api func() *client.Client) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := api().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, status)
			}
			fmt.Fprintf(out, "job:      %s\nstatus:   %s\nprogress: %.1f%%\npreset:   %s\n",
				status.JobID, status.Status, status.Progress*100, status.QualityPreset)
			if status.QueuePosition != nil {
				fmt.Fprintf(out, "queue:    %d\n", *status.QueuePosition)
			}
			if status.ErrorMessage != "" {
				fmt.Fprintf(out, "error:    %s\n", status.ErrorMessage)
			}
			if status.ModelURL != "" {
				fmt.Fprintf(out, "model:    %s\n", status.ModelURL)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw response")
	return cmd
}

func downloadCommand(api func() *client.Client) *cobra.Command {
	var output string
	var compressed bool
	cmd := &cobra.Command{
		Use:   "download JOB_ID",
		Short: "Download a completed model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = args[0] + ".ply"
				if compressed {
					output += ".gz"
				}
			}
			tmp := output + ".part"
			f, err := os.Create(tmp)
			if err != nil {
				return err
			}
			n, err := api().Download(cmd.Context(), args[0], compressed, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(tmp)
				return err
			}
			if err := os.Rename(tmp, output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", output, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file")
	cmd.Flags().BoolVar(&compressed, "compressed", false, "fetch the gzip-compressed model")
	return cmd
}

func cancelCommand(api func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s cancelling\n", args[0])
			return nil
		},
	}
}

func listCommand(api func() *client.Client) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := api().List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tSTATUS\tPROGRESS\tPRESET\tCREATED")
			for _, job := range list {
				fmt.Fprintf(w, "%s\t%s\t%.0f%%\t%s\t%s\n",
					job.JobID, job.Status, job.Progress*100, job.QualityPreset, job.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")
	return cmd
}

func presetsCommand(api func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List quality presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			presets, err := api().Presets(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMINUTES\tDESCRIPTION")
			for _, p := range presets {
				fmt.Fprintf(w, "%s\t%d\t%s\n", p.ID, p.EstimatedMinutes, p.Description)
			}
			return w.Flush()
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
