package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/agrisubsidy/harvest-cli/internal/extract"
	"github.com/agrisubsidy/harvest-cli/internal/model"
	"github.com/agrisubsidy/harvest-cli/internal/quality"
	"github.com/agrisubsidy/harvest-cli/internal/store"
	"github.com/agrisubsidy/harvest-cli/internal/tracker"
)

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "Inspect extraction attempts",
	Long:  "Commands for the current attempt, history, statistics and diagnostic export of extracted documents.",
}

// withTracker opens the store and runs fn with a tracker over it.
func withTracker(cmd *cobra.Command, fn func(t *tracker.Tracker) error) error {
	st, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck
	return fn(newTracker(st))
}

func newTracker(st store.Store) *tracker.Tracker {
	return tracker.New(st, extract.DefaultSchema(), quality.Config{
		ApproveThreshold:    cfg.Quality.ApproveThreshold,
		ConfidenceThreshold: cfg.Extract.ConfidenceThreshold,
	})
}

// -- attempts latest --

var attemptsLatestCmd = &cobra.Command{
	Use:   "latest <document-id>",
	Short: "Show the current attempt of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTracker(cmd, func(t *tracker.Tracker) error {
			a, err := t.Latest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(os.Stdout, a)
		})
	},
}

// -- attempts history --

var attemptsHistoryCmd = &cobra.Command{
	Use:   "history <document-id>",
	Short: "List the attempts of a document, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		xlsxPath, _ := cmd.Flags().GetString("xlsx")

		return withTracker(cmd, func(t *tracker.Tracker) error {
			attempts, err := t.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if xlsxPath != "" {
				return writeXLSXFile(xlsxPath, attempts)
			}
			if len(attempts) == 0 {
				fmt.Fprintln(os.Stderr, "No attempts found.")
				return nil
			}
			formatAttemptsList(os.Stdout, attempts)
			return nil
		})
	},
}

func writeXLSXFile(path string, attempts []model.ExtractionAttempt) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	if err := tracker.WriteXLSX(f, attempts); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "close %s", path)
	}
	fmt.Fprintf(os.Stderr, "Wrote %d attempts to %s\n", len(attempts), path)
	return nil
}

// -- attempts stats --

var attemptsStatsCmd = &cobra.Command{
	Use:   "stats [document-id...]",
	Short: "Summarise attempts of the given documents, or of all documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTracker(cmd, func(t *tracker.Tracker) error {
			s, err := t.Stats(cmd.Context(), args...)
			if err != nil {
				return err
			}
			formatStats(os.Stdout, s)
			return nil
		})
	},
}

// -- attempts export --

var attemptsExportCmd = &cobra.Command{
	Use:   "export <attempt-id>",
	Short: "Print the diagnostic export of an attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTracker(cmd, func(t *tracker.Tracker) error {
			e, err := t.Export(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			b, err := e.JSON()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(os.Stdout, string(b))
			return err
		})
	},
}

// formatAttemptsList writes a tabular attempt history.
func formatAttemptsList(w io.Writer, attempts []model.ExtractionAttempt) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tMETHOD\tCONFIDENCE\tTOKENS\tDURATION\tCREATED")
	for _, a := range attempts {
		tokens := "-"
		if a.TokensUsed != nil {
			tokens = fmt.Sprintf("%d", *a.TokensUsed)
		}
		dur := "-"
		if a.ProcessingTimeMs != nil {
			dur = (time.Duration(*a.ProcessingTimeMs) * time.Millisecond).String()
		}
		method := string(a.ExtractionMethod)
		if method == "" {
			method = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f\t%s\t%s\t%s\n",
			a.ID,
			a.Status,
			method,
			a.Confidence,
			tokens,
			dur,
			a.CreatedAt.Format(time.DateTime),
		)
	}
	tw.Flush() //nolint:errcheck
}

// formatStats writes aggregate attempt statistics.
func formatStats(w io.Writer, s tracker.Stats) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Total:\t%d\n", s.Total)
	fmt.Fprintf(tw, "Completed:\t%d\n", s.Completed)
	fmt.Fprintf(tw, "Failed:\t%d\n", s.Failed)
	fmt.Fprintf(tw, "Pending:\t%d\n", s.Pending)
	fmt.Fprintf(tw, "Processing:\t%d\n", s.Processing)
	fmt.Fprintf(tw, "Success rate:\t%.1f%%\n", s.SuccessRate)
	fmt.Fprintf(tw, "Avg confidence:\t%.1f\n", s.AvgConfidence)
	fmt.Fprintf(tw, "Total tokens:\t%d\n", s.TotalTokens)
	fmt.Fprintf(tw, "Avg processing:\t%.0fms\n", s.AvgProcessingMs)
	fmt.Fprintf(tw, "Total cost:\t$%.4f\n", s.TotalCostUSD)
	for _, m := range []model.ExtractionMethod{model.MethodLocal, model.MethodHybrid, model.MethodAI, model.MethodLocalFallback, model.MethodPhase2Async} {
		if n := s.ByMethod[string(m)]; n > 0 {
			fmt.Fprintf(tw, "  %s:\t%d\n", m, n)
		}
	}
	tw.Flush() //nolint:errcheck
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "encode json")
	}
	return nil
}

func init() {
	attemptsHistoryCmd.Flags().Int("limit", 20, "maximum attempts to list (0 for all)")
	attemptsHistoryCmd.Flags().String("xlsx", "", "write the history to this spreadsheet instead")

	attemptsCmd.AddCommand(attemptsLatestCmd, attemptsHistoryCmd, attemptsStatsCmd, attemptsExportCmd)
	rootCmd.AddCommand(attemptsCmd)
}
