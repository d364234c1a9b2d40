package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/cordum/jobrelay/core/infra/buildinfo"
	"github.com/cordum/jobrelay/core/infra/bus"
	"github.com/cordum/jobrelay/core/infra/jobstore"
	"github.com/cordum/jobrelay/pkg/client"
	"github.com/spf13/cobra"
)

const defaultGateway = "http://localhost:8081"

type ctlConfig struct {
	gateway string
	apiKey  string
}

type cli struct {
	client *client.Client
}

func newCLI() *cli {
	return &cli{}
}

// ExitError reports a job that finished with a non-zero exit code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("job exited with code %d", e.Code)
}

func (c *cli) rootCmd() *cobra.Command {
	cfg := &ctlConfig{}

	command := &cobra.Command{
		Use:           "jobrelayctl",
		Short:         "CLI for submitting and watching jobrelay jobs",
		Version:       buildinfo.Current().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.client == nil {
				c.client = client.New(cfg.gateway, cfg.apiKey)
			}
			return nil
		},
	}

	command.AddCommand(
		c.runCmd(),
		c.statusCmd(),
		c.cancelCmd(),
		c.manifestCmd(),
		c.downloadCmd(),
		c.watchCmd(),
		c.uploadCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&cfg.gateway,
		"gateway",
		envOr("JOBRELAY_GATEWAY", defaultGateway),
		"Gateway base URL",
	)

	command.PersistentFlags().StringVar(
		&cfg.apiKey,
		"api-key",
		envOr("JOBRELAY_API_KEY", ""),
		"API key sent with every request",
	)

	return command
}

func (c *cli) runCmd() *cobra.Command {
	var (
		rawArgs []string
		async   bool
		watch   bool
	)

	command := &cobra.Command{
		Use:     "run [flags] STAGE COMMAND",
		Short:   "Submit an operation",
		Example: "  jobrelayctl run process convert-format --arg input=file_id:3f2c --arg output=out.nc",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobArgs, err := parseArgs(rawArgs)
			if err != nil {
				return err
			}
			req := client.SubmitRequest{Stage: args[0], Command: args[1], Args: jobArgs}

			if !async && !watch {
				res, err := c.client.Run(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
				fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
				if res.OutputFile != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "job %s %s, output %s\n", res.JobID, res.Status, res.OutputFile)
				}
				if res.Status != jobstore.StatusSucceeded {
					return &ExitError{Code: res.ExitCode}
				}
				return nil
			}

			id, err := c.client.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !watch {
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}
			fmt.Fprintln(cmd.ErrOrStderr(), id)
			return c.follow(cmd, id, nil)
		},
	}

	command.Flags().StringArrayVar(&rawArgs, "arg", nil, "Operation argument as name=value (repeatable)")
	command.Flags().BoolVar(&async, "async", false, "Return the job id without waiting")
	command.Flags().BoolVar(&watch, "watch", false, "Submit asynchronously and stream the job until it ends")

	return command
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status [flags] JOB_ID",
		Short:   "Query status of a job",
		Example: "  jobrelayctl status 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.client.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "JOB ID\tSTAGE\tCOMMAND\tSTATUS\tEXIT CODE\t\n")
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t\n", job.ID, job.Stage, job.Command, job.Status, exitCode(job))
			return w.Flush()
		},
	}
}

func (c *cli) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "cancel [flags] JOB_ID",
		Short:   "Cancel a queued or running job",
		Example: "  jobrelayctl cancel 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.client.Cancel(cmd.Context(), args[0])
		},
	}
}

func (c *cli) manifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest [flags] JOB_ID",
		Short: "Print the artifact manifest of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := c.client.Manifest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(m)
		},
	}
}

func (c *cli) downloadCmd() *cobra.Command {
	var (
		file   string
		zip    bool
		output string
	)

	command := &cobra.Command{
		Use:     "download [flags] JOB_ID",
		Short:   "Download a job artifact",
		Example: "  jobrelayctl download --zip -o results.zip 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := client.DownloadOptions{File: file, Zip: zip}
			if output == "-" {
				_, err := c.client.Download(cmd.Context(), args[0], opts, cmd.OutOrStdout())
				return err
			}

			dir := "."
			if output != "" {
				dir = filepath.Dir(output)
			}
			tmp, err := os.CreateTemp(dir, ".jobrelay-download-*")
			if err != nil {
				return err
			}
			defer os.Remove(tmp.Name())

			name, err := c.client.Download(cmd.Context(), args[0], opts, tmp)
			if cerr := tmp.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			dst := output
			if dst == "" {
				dst = filepath.Base(name)
				if name == "" || dst == "." || dst == string(filepath.Separator) {
					dst = args[0]
				}
			}
			if err := os.Rename(tmp.Name(), dst); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dst)
			return nil
		},
	}

	command.Flags().StringVar(&file, "file", "", "Artifact name inside the result directory")
	command.Flags().BoolVar(&zip, "zip", false, "Download every artifact as one zip archive")
	command.Flags().StringVarP(&output, "output", "o", "", "Destination path, or - for stdout")

	return command
}

func (c *cli) watchCmd() *cobra.Command {
	var kinds []string

	command := &cobra.Command{
		Use:     "watch [flags] JOB_ID",
		Short:   "Stream job progress and output until it ends",
		Example: "  jobrelayctl watch --stream progress 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.follow(cmd, args[0], kinds)
		},
	}

	command.Flags().StringSliceVar(&kinds, "stream", nil, "Frame kinds to receive: progress, stdout, stderr")

	return command
}

func (c *cli) uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "upload [flags] FILE",
		Short:   "Upload an input file and print its file id",
		Example: "  jobrelayctl upload ./data/field.grib2",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			up, err := c.client.Upload(cmd.Context(), filepath.Base(args[0]), f)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), up.FileID)
			return nil
		},
	}
}

// follow prints a job's frames: stdout and stderr lines go to the matching
// writer, progress to stderr.
func (c *cli) follow(cmd *cobra.Command, id string, kinds []string) error {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	code, err := c.client.Watch(cmd.Context(), id, kinds, func(f bus.Frame) error {
		writeFrame(out, errOut, f)
		return nil
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

func writeFrame(out, errOut io.Writer, f bus.Frame) {
	switch {
	case f.Stdout != nil:
		fmt.Fprintln(out, *f.Stdout)
	case f.Stderr != nil:
		fmt.Fprintln(errOut, *f.Stderr)
	case f.Progress != nil:
		fmt.Fprintf(errOut, "progress %3.0f%%\n", *f.Progress*100)
	}
}

// parseArgs turns name=value pairs into ordered job arguments. Values that
// parse as JSON scalars or arrays keep their type; anything else is a string.
func parseArgs(raw []string) (jobstore.Args, error) {
	var out jobstore.Args
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("argument %q: expected name=value", kv)
		}
		out.Set(name, parseValue(value))
	}
	return out, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	switch v.(type) {
	case bool, float64, []any, nil:
		return v
	default:
		return raw
	}
}

func exitCode(job *jobstore.Job) string {
	if job.ExitCode == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *job.ExitCode)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// exitStatus maps a command error to a process exit status.
func exitStatus(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code > 0 && exitErr.Code < 256 {
		return exitErr.Code
	}
	if err != nil {
		return 1
	}
	return 0
}
