package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check connectivity to Neo4j and the source API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()
			allOK := true

			// Check Neo4j
			st, err := newStore(ctx, logger)
			if err != nil {
				fmt.Printf("Neo4j: FAIL (%v)\n", err)
				allOK = false
			} else {
				defer func() { _ = st.Close() }()
				if err := st.Ping(ctx); err != nil {
					fmt.Printf("Neo4j: FAIL (%v)\n", err)
					allOK = false
				} else {
					fmt.Println("Neo4j: OK")
				}
			}

			// Check source API credentials
			client, err := newClient(logger)
			if err != nil {
				fmt.Printf("Source API: FAIL (%v)\n", err)
				allOK = false
			} else if err := client.Authenticate(ctx); err != nil {
				fmt.Printf("Source API: FAIL (%v)\n", err)
				allOK = false
			} else {
				fmt.Println("Source API: OK")
			}

			if !allOK {
				return fmt.Errorf("one or more health checks failed")
			}
			return nil
		},
	}
}
