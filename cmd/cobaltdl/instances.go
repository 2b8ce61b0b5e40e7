package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"thirdcoast.systems/cobaltdl/pkg/cobalt"
)

type instancesFlags struct {
	minScore   float64
	minVersion string
	all        bool
	output     string
}

func newInstancesCmd(c *cli) *cobra.Command {
	f := &instancesFlags{}
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List the ranked instances a download would try",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.build(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.Close()

			opts := a.manager.DefaultFetchOptions()
			if cmd.Flags().Changed("min-score") {
				opts.MinScore = f.minScore
			}
			if cmd.Flags().Changed("min-version") {
				opts.MinVersion = f.minVersion
			}
			if f.all {
				opts.FilterOnline = false
			}
			if _, err := a.manager.FetchInstances(cmd.Context(), opts); err != nil {
				c.log.Warn("instance directory unavailable", "error", err)
			}

			instances, err := a.manager.Instances(cmd.Context())
			if err != nil {
				return err
			}
			return writeInstances(cmd.OutOrStdout(), f.output, instances)
		},
	}

	fl := cmd.Flags()
	fl.Float64Var(&f.minScore, "min-score", 0, "drop directory entries scoring below this")
	fl.StringVar(&f.minVersion, "min-version", "", "drop directory entries older than this version")
	fl.BoolVar(&f.all, "all", false, "include instances the directory reports offline")
	fl.StringVarP(&f.output, "output", "o", "table", "output format: table, json, yaml")
	return cmd
}

func writeInstances(w io.Writer, format string, instances []cobalt.Instance) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(instances)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(instances)
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	if len(instances) == 0 {
		_, err := fmt.Fprintln(w, "No instances found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "URL\tSOURCE\tSCORE\tVERSION\tONLINE\tSERVICES")
	for _, inst := range instances {
		version := inst.Version
		if version == "" {
			version = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.0f\t%s\t%t\t%d\n",
			inst.URL, inst.Source, inst.Score, version, inst.Online.API, len(inst.WorkingServices()))
	}
	return tw.Flush()
}
