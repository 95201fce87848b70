package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"KeyCompare/internal/accumulator"
	"KeyCompare/internal/client"
	"KeyCompare/internal/config"
	"KeyCompare/internal/model"
	"KeyCompare/internal/utils/columnkey"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	serverURL      string
	runID          uint64
	columnsFlag    string
	statusTimeout  time.Duration
	requestTimeout time.Duration
	verbose        bool

	categoryFlag string
	regenerate   bool
	pageSize     int
	maxPages     int
	filterFlag   string
	outputPath   string
	formatFlag   string

	logger = logrus.New()

	rootCmd = &cobra.Command{
		Use:   "keycompare-cli",
		Short: "Inspect and export key-column comparisons between two datasets",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetOutput(os.Stderr)
			if verbose {
				logger.SetLevel(logrus.DebugLevel)
			} else {
				logger.SetLevel(logrus.WarnLevel)
			}
		},
	}

	combinationsCmd = &cobra.Command{
		Use:   "combinations",
		Short: "Show which column combinations are unique keys on each side",
		RunE:  runCombinations,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the comparison cache state for a column combination",
		RunE:  runStatus,
	}

	generateCmd = &cobra.Command{
		Use:   "generate",
		Short: "Build the comparison cache and wait for it to become ready",
		RunE:  runGenerate,
	}

	browseCmd = &cobra.Command{
		Use:   "browse",
		Short: "Page through one category of comparison records",
		RunE:  runBrowse,
	}

	downloadCmd = &cobra.Command{
		Use:   "download",
		Short: "Download every record of one category",
		RunE:  runDownload,
	}
)

func init() {
	defaults := config.Default()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&serverURL, "server", envOr("KEYCOMPARE_SERVER", "http://localhost:8080"), "KeyCompare server base URL")
	pf.Uint64Var(&runID, "run", 0, "comparison run id")
	pf.StringVar(&columnsFlag, "columns", "", "comma separated key columns, e.g. id,date")
	pf.DurationVar(&statusTimeout, "status-timeout", defaults.Cache.StatusTimeout, "timeout for status lookups")
	pf.DurationVar(&requestTimeout, "timeout", defaults.Cache.RequestTimeout, "timeout for generate/data/download requests")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	_ = rootCmd.MarkPersistentFlagRequired("run")

	generateCmd.Flags().BoolVar(&regenerate, "regenerate", false, "build a new version even if the cache is ready")

	browseCmd.Flags().StringVar(&categoryFlag, "category", string(model.CategoryMatched), "matched, only_a or only_b")
	browseCmd.Flags().IntVar(&pageSize, "page-size", defaults.Cache.DefaultPageLimit, "records per request")
	browseCmd.Flags().IntVar(&maxPages, "pages", 1, "number of pages to load")
	browseCmd.Flags().StringVar(&filterFlag, "filter", "", "only print loaded records containing this text")

	downloadCmd.Flags().StringVar(&categoryFlag, "category", string(model.CategoryMatched), "matched, only_a or only_b")
	downloadCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default stdout)")
	downloadCmd.Flags().StringVar(&formatFlag, "format", "csv", "csv or jsonl")

	rootCmd.AddCommand(combinationsCmd, statusCmd, generateCmd, browseCmd, downloadCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() *client.Client {
	return client.New(client.Options{
		BaseURL:        serverURL,
		StatusTimeout:  statusTimeout,
		RequestTimeout: requestTimeout,
	}, logger)
}

func requireColumns() ([]string, error) {
	cols := columnkey.Parse(columnsFlag)
	if len(cols) == 0 {
		return nil, fmt.Errorf("--columns is required")
	}
	return cols, nil
}

func parseCategory() (model.Category, error) {
	category, ok := model.ParseCategory(categoryFlag)
	if !ok {
		return "", fmt.Errorf("unknown category %q (matched, only_a, only_b)", categoryFlag)
	}
	return category, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCombinations(cmd *cobra.Command, _ []string) error {
	res, err := newClient().Combinations(cmd.Context(), runID)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cols, err := requireColumns()
	if err != nil {
		return err
	}
	st := newClient().Status(cmd.Context(), runID, cols)
	return printJSON(cmd.OutOrStdout(), st)
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	cols, err := requireColumns()
	if err != nil {
		return err
	}
	res, err := newClient().Generate(cmd.Context(), runID, cols, regenerate)
	if err != nil {
		if model.KindOf(err) == model.KindTimeout {
			return fmt.Errorf("%w (generation keeps running on the server, poll with `status`)", err)
		}
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runBrowse(cmd *cobra.Command, _ []string) error {
	cols, err := requireColumns()
	if err != nil {
		return err
	}
	category, err := parseCategory()
	if err != nil {
		return err
	}

	acc := accumulator.New(newClient(), runID, cols, accumulator.Options{PageSize: pageSize}, logger)
	defer acc.Close()

	ctx := cmd.Context()
	if _, err := acc.Activate(ctx, category); err != nil {
		return err
	}
	acc.Wait()
	for page := 1; page < maxPages && acc.LoadMore(ctx, category); page++ {
		acc.Wait()
	}

	st := acc.Status(category)
	if st.Err != "" {
		return fmt.Errorf("load %s: %s", category, st.Err)
	}
	records := acc.Filter(category, filterFlag)
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	for i := range records {
		if err := enc.Encode(records[i]); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: showing %d of %d loaded (%d total, version %d, %s)\n",
		category, len(records), st.Loaded, st.Total, acc.Version(), st.Phase)
	return nil
}

func runDownload(cmd *cobra.Command, _ []string) error {
	cols, err := requireColumns()
	if err != nil {
		return err
	}
	category, err := parseCategory()
	if err != nil {
		return err
	}
	format := strings.ToLower(formatFlag)

	var w io.Writer = cmd.OutOrStdout()
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	n, err := newClient().Download(cmd.Context(), runID, cols, category, format, w)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"bytes": n, "category": category}).Info("download completed")
	return nil
}
