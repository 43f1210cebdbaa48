package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/store"
)

var unknownsCmd = &cobra.Command{
	Use:   "unknowns",
	Short: "Review supplier codes missing from the taxonomy",
}

var unknownsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unknown entities, most frequent first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		vendor, _ := cmd.Flags().GetString("vendor")
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		items, err := env.Tracker.ListOpen(ctx, store.UnknownFilter{
			Vendor:          vendor,
			IncludeResolved: all,
			Limit:           limit,
		})
		if err != nil {
			return eris.Wrap(err, "unknowns list")
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "No unknown entities.")
			return nil
		}

		formatUnknowns(os.Stdout, items)
		return nil
	},
}

var unknownsResolveCmd = &cobra.Command{
	Use:   "resolve <id> <canonical-target>",
	Short: "Mark an unknown entity as mapped to a canonical species",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		u, err := env.Tracker.Resolve(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "unknowns resolve")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(u)
	},
}

func init() {
	unknownsListCmd.Flags().String("vendor", "", "filter by vendor")
	unknownsListCmd.Flags().Bool("all", false, "include resolved entities")
	unknownsListCmd.Flags().Int("limit", 50, "max number of entities to display")

	unknownsCmd.AddCommand(unknownsListCmd)
	unknownsCmd.AddCommand(unknownsResolveCmd)
	rootCmd.AddCommand(unknownsCmd)
}

// formatUnknowns writes a tabular list of unknown entities to w.
func formatUnknowns(out io.Writer, items []model.UnknownEntity) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVENDOR\tCODE\tNAME\tSEEN\tRUNS\tLAST SEEN\tRESOLVED")
	for _, u := range items {
		name := u.RawName
		if len(name) > 40 {
			name = name[:37] + "..."
		}
		resolved := ""
		if u.Resolved {
			resolved = u.ResolvedTo
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			u.ID, u.Vendor, u.SupplierCode, name,
			u.OccurrenceCount, len(u.RunIDs), u.LastSeen.Format("2006-01-02 15:04"), resolved)
	}
	_ = w.Flush()
}
