package main

import (
	"os"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/reanahub/reana-job-controller/cmd"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "reana-job-controller",
		Usage: "REANA job execution controller",
		Commands: []*cli.Command{
			cmd.ServeCommand,
			cmd.MigrateCommand,
			cmd.HealthCheckCommand,
			cmd.SubmitCommand,
			cmd.LogsCommand,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		// log fatal so we exit with the proper exit code, this is important for containerized deployment health checks
		logging.Log.WithError(err).Fatal("runtime error")
	}
}
