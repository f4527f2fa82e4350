package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jxucoder/livelabs/internal/config"
	"github.com/jxucoder/livelabs/pkg/catalog"
	"github.com/jxucoder/livelabs/pkg/model"
	sqliteStore "github.com/jxucoder/livelabs/pkg/store/sqlite"
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Manage tracks",
	Long: `List, validate and import track definitions.

  livelabs track list                  List tracks on the server
  livelabs track validate ./tracks     Check track files without importing
  livelabs track import ./tracks       Import track files into the local database`,
}

var trackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var tracks []model.Track
		if err := call("GET", "/api/tracks", nil, &tracks); err != nil {
			return err
		}
		if len(tracks) == 0 {
			fmt.Println("No tracks.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SLUG\tTITLE\tSTEPS\tAPP\tUPDATED")
		for _, t := range tracks {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", t.Slug, t.Title, t.TotalSteps(), appKind(t.App), humanize.Time(t.UpdatedAt))
		}
		return w.Flush()
	},
}

var trackValidateCmd = &cobra.Command{
	Use:   "validate PATH",
	Short: "Validate track files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tracks, err := catalog.Load(args[0])
		if err != nil {
			return err
		}
		for _, t := range tracks {
			fmt.Printf("ok  %s (%d steps)\n", t.Slug, t.TotalSteps())
		}
		return nil
	},
}

var trackImportCmd = &cobra.Command{
	Use:   "import PATH",
	Short: "Import track files into the local database",
	Long: `Import a track file or a directory of track files into the database
configured by LIVELABS_DATA_DIR. Existing tracks with the same id are replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		st, err := sqliteStore.New(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer st.Close()

		tracks, err := catalog.Import(context.Background(), st, args[0])
		if err != nil {
			return err
		}
		for _, t := range tracks {
			fmt.Printf("imported  %s (%d steps)\n", t.Slug, t.TotalSteps())
		}
		fmt.Printf("%s imported into %s\n", plural(len(tracks), "track"), cfg.DatabasePath)
		return nil
	},
}

func init() {
	trackCmd.AddCommand(trackListCmd)
	trackCmd.AddCommand(trackValidateCmd)
	trackCmd.AddCommand(trackImportCmd)
	rootCmd.AddCommand(trackCmd)
}

func appKind(app *model.AppConfig) string {
	switch {
	case app == nil:
		return "-"
	case app.Container != nil:
		return "container"
	case app.URLTemplate != "" || app.HasInitScript():
		return "external"
	}
	return "-"
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return humanize.Comma(int64(n)) + " " + word + "s"
}
