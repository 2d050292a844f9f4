package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/workforce/internal/config"
	"github.com/zulandar/workforce/internal/db"
	"github.com/zulandar/workforce/internal/job"
	"github.com/zulandar/workforce/internal/skill"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Job and skill catalog commands",
	}

	cmd.AddCommand(newCatalogLoadCmd())
	cmd.AddCommand(newCatalogJobsCmd())
	cmd.AddCommand(newCatalogSkillsCmd())
	return cmd
}

func newCatalogLoadCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "load [catalog.yaml]",
		Short: "Register skills and jobs from a catalog file",
		Long:  "Registers every skill and job in the catalog file. Defaults to the catalog named in the config.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			path := cfg.Catalog
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no catalog file given and none configured")
			}
			cat, err := config.LoadCatalog(path)
			if err != nil {
				return err
			}
			res, err := db.SeedCatalog(gormDB, skill.NewActions(), cat)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %d skills and %d jobs from %s\n", res.Skills, res.Jobs, path)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newCatalogJobsCmd() *cobra.Command {
	var (
		configPath string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List registered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defs, err := job.List(gormDB, all)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(defs) == 0 {
				fmt.Fprintln(out, "No jobs registered.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tNAME\tMODE\tVERSION\tACTIVE")
			for _, d := range defs {
				mode := "?"
				if s, err := job.ParseStrategy(d.ModelStrategy); err == nil {
					mode = s.Mode
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\n", d.Key, truncate(d.Name, 40), mode, d.Version, d.Active)
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&all, "all", false, "include deactivated jobs")
	return cmd
}

func newCatalogSkillsCmd() *cobra.Command {
	var (
		configPath string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "skills",
		Short: "List registered skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defs, err := skill.List(gormDB, all)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(defs) == 0 {
				fmt.Fprintln(out, "No skills registered.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tACTION\tRISK\tMODEL\tACTIVE")
			for _, d := range defs {
				model := d.Model
				if model == "" {
					model = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", d.Key, d.ActionName, d.RiskLevel, model, d.Active)
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&all, "all", false, "include deactivated skills")
	return cmd
}
