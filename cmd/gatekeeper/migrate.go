package main

import (
	"fmt"

	"github.com/spf13/cobra"

	sqliteadapter "github.com/ericfisherdev/gatekeeper/internal/adapter/driven/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and print the schema version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDatabase(db)

		version, dirty, err := sqliteadapter.SchemaVersion(db.Writer)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %t)\n", version, dirty)
		return nil
	},
}
