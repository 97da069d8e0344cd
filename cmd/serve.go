package cmd

import (
	"github.com/reanahub/reana-job-controller/internal/config"
	"github.com/urfave/cli/v2"
)

var ServeCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run the job controller",
	Flags: flags,
	Action: func(ctx *cli.Context) error {
		return Serve()
	},
}

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:        "db-uri",
		Aliases:     []string{"db"},
		Value:       config.DbUri,
		Usage:       "The uri to use to connect to the shared workflow db",
		Destination: &config.DbUri,
		EnvVars:     []string{"REANA_SQLALCHEMY_DATABASE_URI", "DB_URI"},
	},
	&cli.IntFlag{
		Name:        "port",
		Aliases:     []string{"p"},
		Value:       5000,
		Usage:       "Port to expose the job API on",
		EnvVars:     []string{"REANA_JOB_CONTROLLER_PORT", "PORT"},
		Destination: &config.Port,
	},
}
