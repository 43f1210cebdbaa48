package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/store"
	"github.com/sells-group/catalog-sync/internal/taxonomy"
)

var taxonomyCmd = &cobra.Command{
	Use:   "taxonomy",
	Short: "Validate, export and publish taxonomy documents",
}

var taxonomyValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a taxonomy document (default: the built-in one)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := loadTaxonomyArg(args)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "Version:\t%s\n", snap.Version())
		_, _ = fmt.Fprintf(w, "Rules:\t%d\n", len(snap.Rules()))
		_, _ = fmt.Fprintf(w, "Warnings:\t%d\n", len(snap.Warnings()))
		_ = w.Flush()
		for _, msg := range snap.Warnings() {
			fmt.Fprintln(os.Stderr, "warning:", msg)
		}
		return nil
	},
}

var taxonomyExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Print a taxonomy document in normalized YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := loadTaxonomyArg(args)
		if err != nil {
			return err
		}
		data, err := snap.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var taxonomyPushCmd = &cobra.Command{
	Use:   "push [file]",
	Short: "Publish a taxonomy document to the store",
	Long:  "Stores a taxonomy version that runs pick up when taxonomy.source=store. Publishing an existing version replaces it.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		snap, err := loadTaxonomyArg(args)
		if err != nil {
			return err
		}
		if version, _ := cmd.Flags().GetString("version"); version != "" {
			if snap, err = withVersion(snap, version); err != nil {
				return err
			}
		}

		tv, err := taxonomyVersion(snap, time.Now().UTC())
		if err != nil {
			return err
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.SaveTaxonomy(ctx, tv); err != nil {
			return eris.Wrap(err, "taxonomy push")
		}

		zap.L().Info("taxonomy published",
			zap.String("version", tv.Version),
			zap.Int("rules", len(tv.Rules)),
		)
		fmt.Println(tv.Version)
		return nil
	},
}

func init() {
	taxonomyPushCmd.Flags().String("version", "", "publish under this version instead of the document's")

	taxonomyCmd.AddCommand(taxonomyValidateCmd)
	taxonomyCmd.AddCommand(taxonomyExportCmd)
	taxonomyCmd.AddCommand(taxonomyPushCmd)
	rootCmd.AddCommand(taxonomyCmd)
}

func loadTaxonomyArg(args []string) (*taxonomy.Snapshot, error) {
	if len(args) == 0 {
		return taxonomy.Default()
	}
	return taxonomy.Load(args[0])
}

func withVersion(snap *taxonomy.Snapshot, version string) (*taxonomy.Snapshot, error) {
	doc := snap.Document()
	doc.Version = version
	return taxonomy.New(doc)
}

// taxonomyVersion converts a snapshot into its stored form.
func taxonomyVersion(snap *taxonomy.Snapshot, now time.Time) (store.TaxonomyVersion, error) {
	data, err := snap.Marshal()
	if err != nil {
		return store.TaxonomyVersion{}, err
	}

	rules := snap.Rules()
	tv := store.TaxonomyVersion{
		Version:   snap.Version(),
		Document:  data,
		Rules:     make([]store.TaxonomyRule, len(rules)),
		CreatedAt: now,
	}
	for i, r := range rules {
		tv.Rules[i] = store.TaxonomyRule{
			Position:         i,
			RawCategory:      r.RawCategory,
			CutFilter:        r.CutFilter,
			CanonicalFamily:  r.CanonicalFamily,
			CanonicalSpecies: r.CanonicalSpecies,
		}
	}
	return tv, nil
}
