package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"highlightsync/internal/adapters/store/bunstore"
	"highlightsync/internal/core/domain/models"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func newListInvalidsCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list-invalids",
		Short: "List stored records that failed validation",
		Long: `List every stored book, highlight and tag whose validity flag is false,
with the field errors recorded for it. Reads the store without taking the
lock, so output may lag a run that is in progress.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := bunstore.Open(ctx, a.cfg.DB.Path, a.log.Component("store"))
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListInvalid(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if records == nil {
					records = []models.InvalidRecord{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			renderInvalid(out, records)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

// renderInvalid prints one table row per field error.
func renderInvalid(w io.Writer, records []models.InvalidRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no invalid records")
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("KIND", "KEY", "FIELD", "ERROR").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, rec := range records {
		key := strconv.FormatInt(rec.Key, 10)
		fields := rec.Errors.Fields()
		if len(fields) == 0 {
			t.Row(string(rec.Kind), key, "", "")
			continue
		}
		for _, f := range fields {
			t.Row(string(rec.Kind), key, f, rec.Errors[f])
		}
	}

	fmt.Fprintln(w, t.Render())
	fmt.Fprintf(w, "%d invalid records\n", len(records))
}
