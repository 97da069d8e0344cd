package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

// LogsCommand retrieves logs for a job from a running job controller
var LogsCommand = &cli.Command{
	Name:      "logs",
	Usage:     "Get logs for a job from a running job controller",
	ArgsUsage: "<job-id>",
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
			Usage:   "Access token",
			EnvVars: []string{"REANA_ACCESS_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output file (default: stdout)",
		},
	},
	Action: logsAction,
}

func logsAction(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("usage: reana-job-controller logs <job-id>")
	}

	jobID := ctx.Args().Get(0)
	apiURL := strings.TrimRight(ctx.String("api-url"), "/")
	token := ctx.String("token")

	client := &http.Client{Timeout: 30 * time.Second}
	req, err := http.NewRequest(http.MethodGet, apiURL+"/jobs/"+jobID+"/logs", nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("could not fetch logs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("the job %s doesn't exist", jobID)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("log fetch failed with status %d", resp.StatusCode)
	}

	var payload struct {
		Log string `json:"log"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}

	if outputFile := ctx.String("output"); outputFile != "" {
		return os.WriteFile(outputFile, []byte(payload.Log), 0o644)
	}
	fmt.Print(payload.Log)
	return nil
}
