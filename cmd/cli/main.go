package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"forgeci/internal/api"
	"forgeci/internal/core"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:           "cli",
		Short:         "forgeci command line client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "control plane URL")

	root.AddCommand(submitCmd(), statusCmd(), abortCmd(), agentsCmd(), verifyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <definition.yaml>",
		Short: "Submit a job definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read definition: %w", err)
			}

			resp, err := client().Post(serverURL+"/jobs", "application/x-yaml", bytes.NewReader(data))
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusAccepted {
				return serverError(resp)
			}
			var ack api.SubmitResponse
			if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
				return err
			}
			fmt.Printf("job %s submitted (%s)\n", ack.ID, ack.State)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's state and stage results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Get(serverURL + "/jobs/" + args[0])
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return serverError(resp)
			}
			var status api.JobStatus
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return err
			}

			fmt.Printf("job:   %s\n", status.ID)
			if status.Name != "" {
				fmt.Printf("name:  %s\n", status.Name)
			}
			fmt.Printf("state: %s\n", status.State)
			if status.Outcome != nil && status.Outcome.Reason != core.ReasonNone {
				fmt.Printf("reason: %s (stage %q)\n", status.Outcome.Reason, status.Outcome.TerminalStage)
			}
			for _, res := range status.Stages {
				fmt.Printf("  %-20s %-10s attempts=%d", res.Stage, res.Status, res.Attempts)
				if res.Error != "" {
					fmt.Printf(" error=%s", res.Error)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func abortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <job-id>",
		Short: "Request a job abort",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Post(serverURL+"/jobs/"+args[0]+"/abort", "application/json", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return serverError(resp)
			}
			var ack api.AbortResponse
			if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
				return err
			}
			if ack.Aborted {
				fmt.Printf("job %s aborted\n", ack.ID)
			} else {
				fmt.Printf("abort requested for job %s (state %s)\n", ack.ID, ack.State)
			}
			return nil
		},
	}
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Get(serverURL + "/agents")
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return serverError(resp)
			}
			var agents []core.Agent
			if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
				return err
			}
			for _, a := range agents {
				fmt.Printf("%s  %-8s load=%d/%d labels=%v\n", a.ID, a.State, a.Load, a.Capacity, a.Labels)
			}
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit journal chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Get(serverURL + "/audit/verify")
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("verification failed: %s", bytes.TrimSpace(body))
			}
			fmt.Println(string(bytes.TrimSpace(body)))
			return nil
		},
	}
}

func client() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func serverError(resp *http.Response) error {
	var apiErr api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("%s (%s)", apiErr.Error, resp.Status)
	}
	return fmt.Errorf("unexpected response: %s", resp.Status)
}
