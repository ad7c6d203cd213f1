package main

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/graphsync/internal/store"
)

func validateCmd() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the schema file and configuration without touching Neo4j",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			if err := cfg.ValidateSource(); err != nil {
				return fmt.Errorf("validate: %w", err)
			}

			// The registry only needs a store for its migration closures;
			// nothing is written during validation.
			reg, err := loadRegistry(store.NewMockStore(), logger)
			if err != nil {
				return fmt.Errorf("validate: %w", err)
			}

			schema := reg.Schema()
			if outputJSON {
				out, marshalErr := json.MarshalIndent(schema, "", "  ")
				if marshalErr != nil {
					return fmt.Errorf("validate: marshaling schema: %w", marshalErr)
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Println("Sync order:")
			for i, level := range reg.Levels() {
				names := make([]string, len(level))
				for j, m := range level {
					names[j] = m.Name()
				}
				fmt.Printf("  %d. %s\n", i+1, strings.Join(names, ", "))
			}

			fmt.Printf("\nEntities (%d):\n", len(schema.Entities))
			for _, e := range schema.Entities {
				fmt.Printf("  %-20s %-20s %s\n", e.Label, e.Resource, strings.Join(e.Properties, ","))
			}
			fmt.Printf("\nRelationships (%d):\n", len(schema.Relationships))
			for _, r := range schema.Relationships {
				fmt.Printf("  %s\n", r.Type)
			}
			fmt.Printf("\nMetrics (%d):\n", len(schema.Metrics))
			for _, m := range schema.Metrics {
				fmt.Printf("  %s\n", m.Name)
			}
			fmt.Printf("\nPeriods (%d):\n", len(schema.Periods))
			for _, p := range schema.Periods {
				fmt.Printf("  %-20s %s.%s (%s)\n", p.Name, p.Entity, p.Property, p.Granularity)
			}
			fmt.Printf("\nMigrations: %d\n", len(reg.Migrations()))
			fmt.Println("\nOK")
			return nil
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "print the schema as JSON")
	return cmd
}
