package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/workforce/internal/config"
	"github.com/zulandar/workforce/internal/db"
	"github.com/zulandar/workforce/internal/skill"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Workforce database",
		Long:  "Creates the database (MySQL), migrates all tables and registers the configured catalog.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config for owner %q from %s\n", cfg.Owner, configPath)

	if cfg.Database.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(cfg.Database)
		if err != nil {
			return err
		}
		if err := db.CreateDatabase(adminDB, cfg.Database.Name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Name)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if cfg.Catalog == "" {
		return nil
	}
	cat, err := config.LoadCatalog(cfg.Catalog)
	if err != nil {
		return err
	}
	res, err := db.SeedCatalog(gormDB, skill.NewActions(), cat)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Registered %d skills and %d jobs from %s\n", res.Skills, res.Jobs, cfg.Catalog)
	return nil
}
