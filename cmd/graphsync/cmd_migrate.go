package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/graphsync/internal/models"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage graph schema migrations",
	}
	cmd.AddCommand(
		migrateStatusCmd(),
		migrateUpCmd(),
		migrateDownCmd(),
		migrateDryRunCmd(),
	)
	return cmd
}

func parseVersion(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid migration version %q", s)
	}
	return v, nil
}

func printResult(verb string, r models.MigrationResult) {
	fmt.Printf("%s %d: %d affected (%s)\n", verb, r.Version, r.Affected, r.Duration.Round(time.Millisecond))
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List known migrations and whether each is applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, logger, false)
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			defer func() { _ = rt.Close() }()

			status, err := rt.migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			for _, s := range status {
				applied := "pending"
				if s.Applied && s.AppliedAt != nil {
					applied = "applied " + s.AppliedAt.Format("2006-01-02 15:04:05")
				} else if s.Applied {
					applied = "applied"
				}
				fmt.Printf("%6d  %-28s %s\n", s.Version, applied, s.Description)
			}
			return nil
		},
	}
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up [version]",
		Short: "Apply one migration, or every pending migration in order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, logger, false)
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			defer func() { _ = rt.Close() }()

			if len(args) == 1 {
				v, err := parseVersion(args[0])
				if err != nil {
					return err
				}
				r, err := rt.migrator.Apply(ctx, v)
				if err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				printResult("applied", r)
				return nil
			}

			results, err := rt.migrator.ApplyPending(ctx)
			for _, r := range results {
				printResult("applied", r)
			}
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			if len(results) == 0 {
				fmt.Println("no pending migrations")
			}
			return nil
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var last bool

	cmd := &cobra.Command{
		Use:   "down <version>",
		Short: "Revert an applied migration",
		Args: func(cmd *cobra.Command, args []string) error {
			if last {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, logger, false)
			if err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			defer func() { _ = rt.Close() }()

			var r models.MigrationResult
			if last {
				r, err = rt.migrator.RevertLast(ctx)
			} else {
				v, perr := parseVersion(args[0])
				if perr != nil {
					return perr
				}
				r, err = rt.migrator.Revert(ctx, v)
			}
			if err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			printResult("reverted", r)
			return nil
		},
	}

	cmd.Flags().BoolVar(&last, "down-last", false, "revert the most recently applied migration")
	return cmd
}

func migrateDryRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dry-run <version>",
		Short: "Count the nodes a migration would touch without writing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			v, err := parseVersion(args[0])
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx, logger, false)
			if err != nil {
				return fmt.Errorf("migrate dry-run: %w", err)
			}
			defer func() { _ = rt.Close() }()

			r, err := rt.migrator.DryRun(ctx, v)
			if err != nil {
				return fmt.Errorf("migrate dry-run: %w", err)
			}
			printResult("would migrate", r)
			return nil
		},
	}
}
