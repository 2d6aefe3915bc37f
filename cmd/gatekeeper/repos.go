package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	sqliteadapter "github.com/ericfisherdev/gatekeeper/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
)

// The repos commands manage the database installation source. A running
// server picks up changes on its next installation reload.
var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "Manage repositories served from the database installation source",
}

var reposAddCmd = &cobra.Command{
	Use:   "add OWNER/NAME",
	Short: "Register a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := model.ParseRepoName(args[0])
		if err != nil {
			return err
		}

		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDatabase(db)

		repo := model.Repository{
			FullName: name.String(),
			Owner:    name.Owner,
			Name:     name.Name,
			AddedAt:  time.Now().UTC(),
		}
		if err := sqliteadapter.NewRepoRepo(db).Add(cmd.Context(), repo); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", name)
		return nil
	},
}

var reposRemoveCmd = &cobra.Command{
	Use:   "remove OWNER/NAME",
	Short: "Unregister a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := model.ParseRepoName(args[0])
		if err != nil {
			return err
		}

		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDatabase(db)

		if err := sqliteadapter.NewRepoRepo(db).Remove(cmd.Context(), name.String()); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", name)
		return nil
	},
}

var reposListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered repositories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDatabase(db)

		repos, err := sqliteadapter.NewRepoRepo(db).ListAll(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "REPOSITORY\tADDED")
		for _, repo := range repos {
			fmt.Fprintf(w, "%s\t%s\n", repo.FullName, repo.AddedAt.UTC().Format(time.RFC3339))
		}
		return w.Flush()
	},
}
