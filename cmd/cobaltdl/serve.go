package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"thirdcoast.systems/cobaltdl/internal/server"
)

func newServeCmd(c *cli) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a cobalt-compatible API backed by the instance pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.build(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("port") {
				port = c.cfg.API.Port
			}
			s := server.New(a.client, server.Options{
				Version:   version,
				RateLimit: c.cfg.API.RateLimit,
				Logger:    c.log,
			})
			return s.Run(cmd.Context(), ":"+strconv.Itoa(port), c.cfg.API.UpdatePeriod)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8009, "listen port (default from config)")
	return cmd
}
