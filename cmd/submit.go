package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// SubmitCommand submits a job to a running job controller
var SubmitCommand = &cli.Command{
	Name:      "submit",
	Usage:     "Submit a job to a running job controller",
	ArgsUsage: "<job-file>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "api-url",
			Aliases: []string{"u"},
			Value:   "http://localhost:5000",
			Usage:   "Job controller URL",
			EnvVars: []string{"REANA_JOB_CONTROLLER_URL"},
		},
		&cli.StringFlag{
			Name:    "token",
			Aliases: []string{"t"},
			Usage:   "Access token (prompted interactively when omitted)",
			EnvVars: []string{"REANA_ACCESS_TOKEN"},
		},
		&cli.BoolFlag{
			Name:    "wait",
			Aliases: []string{"w"},
			Usage:   "Wait for the job to reach a terminal status",
		},
		&cli.IntFlag{
			Name:  "poll-interval",
			Value: 5,
			Usage: "Seconds between status polls with --wait",
		},
	},
	Action: submitAction,
}

func submitAction(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("usage: reana-job-controller submit <job-file>")
	}

	jobFile := ctx.Args().Get(0)
	apiURL := strings.TrimRight(ctx.String("api-url"), "/")

	token, err := resolveToken(ctx.String("token"))
	if err != nil {
		return err
	}

	payload, err := readJobFile(jobFile)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	req, err := http.NewRequest(http.MethodPost, apiURL+"/jobs", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("submission failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("submission failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var created struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	fmt.Println(created.JobID)

	if !ctx.Bool("wait") {
		return nil
	}
	return waitForJob(client, apiURL, token, created.JobID,
		time.Duration(ctx.Int("poll-interval"))*time.Second)
}

// readJobFile loads a YAML or JSON job request and renders it as JSON
func readJobFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read job file: %w", err)
	}

	var decoded map[string]interface{}
	if err := yaml.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("could not parse job file: %w", err)
	}
	return json.Marshal(decoded)
}

// resolveToken prompts on a terminal when no token was provided
func resolveToken(token string) (string, error) {
	if token != "" {
		return token, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", nil
	}

	fmt.Fprint(os.Stderr, "Access token (empty for none): ")
	tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("could not read token: %w", err)
	}
	return strings.TrimSpace(string(tokenBytes)), nil
}

func waitForJob(client *http.Client, apiURL, token, jobID string, interval time.Duration) error {
	for {
		time.Sleep(interval)

		req, err := http.NewRequest(http.MethodGet, apiURL+"/jobs/"+jobID, nil)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := client.Do(req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "poll failed: %v\n", err)
			continue
		}

		var payload struct {
			Job struct {
				Status string `json:"status"`
			} `json:"job"`
		}
		err = json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		if err != nil {
			continue
		}

		switch payload.Job.Status {
		case "finished":
			fmt.Fprintln(os.Stderr, "job finished")
			return nil
		case "failed", "stopped":
			return fmt.Errorf("job %s", payload.Job.Status)
		}
	}
}
