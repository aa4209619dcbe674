package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"highlightsync/internal/adapters/util"
	"highlightsync/internal/core/service"
)

func newFetchSinceCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "fetch-since <datetime>",
		Short: "Fetch raw records updated since a moment, without touching the store",
		Long: `Fetch every book updated after the given moment and print the raw export
as JSON. The moment is ISO-8601 (2025-03-01, 2025-03-01T08:00:00 or full
RFC3339) or a natural phrase such as "3 days ago".

Neither the store nor the watermark is modified.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			since, err := parseMoment(args[0], time.Now())
			if err != nil {
				return err
			}
			if err := a.cfg.ValidateSource(); err != nil {
				return err
			}

			src := service.CreateHighlightSource(a.cfg, a.log)
			books, err := src.FetchHighlights(cmd.Context(), &since)
			if err != nil {
				return err
			}
			if books == nil {
				books = []map[string]any{}
			}

			if output == "" {
				return writeJSON(cmd.OutOrStdout(), books)
			}
			err = util.WriteFileAtomic(output, func(w io.Writer) error { return writeJSON(w, books) })
			if err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			zl := a.log.Zerolog()
			zl.Info().Int("books", len(books)).Str("path", output).Msg("Export written")
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write JSON to this file instead of stdout")
	return cmd
}

var momentLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseMoment accepts ISO-8601 forms first and natural language second.
// Times without a zone are local.
func parseMoment(s string, now time.Time) (time.Time, error) {
	for _, layout := range momentLayouts {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid datetime %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid datetime %q: expected ISO-8601 such as 2025-03-01T08:00:00Z", s)
	}
	return r.Time, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
