package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kwv/treedet/assess"
)

// App encapsulates the application state and dependencies
type App struct {
	Out io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile string
	RecapDir   string
	RecapOut   string
	HistoryDB  string
	Limit      int

	// connectMQTT is replaced in tests
	connectMQTT func(ctx context.Context, cfg *assess.PublishConfig) (*assess.MQTTClient, error)
}

// NewApp creates a new App instance writing operator output to out
func NewApp(out io.Writer) *App {
	return &App{
		Out:         out,
		Limit:       10,
		connectMQTT: assess.ConnectMQTT,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.RecapDir = opts.RecapDir
	a.RecapOut = opts.RecapOut
	a.HistoryDB = opts.HistoryDB
	a.Limit = opts.Limit
}

// signalContext is cancelled on SIGINT/SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// RunAssess runs the ground truth vs detections assessment described by the config file
func (a *App) RunAssess() error {
	cfg, err := assess.LoadConfig(a.ConfigFile)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	pipeline := assess.NewPipeline(cfg, a.ConfigFile)
	if cfg.Publish != nil {
		client, err := a.connectMQTT(ctx, cfg.Publish)
		if err != nil {
			log.Printf("Warning: MQTT publishing disabled: %v", err)
		} else {
			defer client.Disconnect()
			pipeline.Publisher = assess.NewConfiguredPublisher(client.GetClient(), cfg.Publish)
		}
	}

	fmt.Fprintf(a.Out, "Assessing %s (tolerance %.2f m, buffer %.2f m, %s)\n",
		a.ConfigFile, cfg.Settings.ToleranceM, cfg.Settings.BufferSizeM, cfg.Settings.MatchPolicy)

	start := time.Now()
	result, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "Geohash precision: %d\n", result.Precision)
	fmt.Fprintf(a.Out, "Ground truth: %d loaded, %d after dedup, %d after clip\n",
		result.GTCounts.Loaded, result.GTCounts.Deduped, result.GTCounts.Clipped)
	fmt.Fprintf(a.Out, "Detections:   %d loaded, %d after dedup, %d after clip\n",
		result.DETCounts.Loaded, result.DETCounts.Deduped, result.DETCounts.Clipped)
	fmt.Fprintln(a.Out)
	printMetrics(a.Out, result.Metrics)
	fmt.Fprintf(a.Out, "\nWrote %s, %s, %s in %v\n",
		cfg.OutputFiles.TaggedGTTrees, cfg.OutputFiles.TaggedDetections, cfg.OutputFiles.Metrics,
		time.Since(start).Round(time.Millisecond))
	if result.Record.RunID != "" {
		fmt.Fprintf(a.Out, "Run recorded as %s in %s\n", result.Record.RunID, cfg.OutputFiles.HistoryDB)
	}
	return nil
}

// printMetrics writes the metrics table in the metrics CSV column order
func printMetrics(w io.Writer, rows []assess.Metrics) {
	fmt.Fprintf(w, "%-12s %6s %6s %6s %9s %7s %6s %6s %6s\n",
		"sector", "TP", "FP", "FN", "precision", "recall", "f1", "TP+FN", "TP+FP")
	for _, m := range rows {
		fmt.Fprintf(w, "%-12s %6d %6d %6d %9.3f %7.3f %6.3f %6d %6d\n",
			m.Sector, m.TP, m.FP, m.FN, m.Precision, m.Recall, m.F1, m.TPPlusFN(), m.TPPlusFP())
	}
}

// RunCompare matches two detection runs against each other
func (a *App) RunCompare() error {
	cfg, err := assess.LoadCompareConfig(a.ConfigFile)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, err := assess.RunCompare(ctx, cfg)
	if err != nil {
		return err
	}

	c := result.Comparison
	fmt.Fprintf(a.Out, "Run A: %d detections, %d matched, %d unmatched\n",
		result.TotalA, c.MatchedA.Len(), c.UnmatchedA.Len())
	fmt.Fprintf(a.Out, "Run B: %d detections, %d matched, %d unmatched\n",
		result.TotalB, c.MatchedB.Len(), c.UnmatchedB.Len())
	fmt.Fprintf(a.Out, "%d A-B pairs within %.2f m\n", len(c.Matches), cfg.Settings.ToleranceM)
	return nil
}

// RunRecap gathers the ALL rows of every metrics CSV under RecapDir
func (a *App) RunRecap() error {
	files, err := assess.FindMetricsFiles(a.RecapDir, a.RecapOut)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no metrics CSV found under %s", a.RecapDir)
	}

	table, err := assess.Recap(files)
	if err != nil {
		return err
	}
	if err := assess.WriteRecapCSV(a.RecapOut, table); err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "Collected %d batches into %s\n", len(table.Rows), a.RecapOut)
	fmt.Fprintf(a.Out, "F1 mean %.3f, stddev %.3f, best %s (%.3f)\n",
		table.MeanF1, table.StdDevF1, table.BestBatch, table.BestF1)
	return nil
}

// RunHistory lists recent runs from the history database
func (a *App) RunHistory() error {
	path := a.HistoryDB
	if path == "" {
		cfg, err := assess.LoadConfig(a.ConfigFile)
		if err != nil {
			return fmt.Errorf("no -history-db given and config unusable: %w", err)
		}
		path = cfg.OutputFiles.HistoryDB
	}
	if path == "" {
		return fmt.Errorf("no history database: pass -history-db or set output_files.history_db")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("history database %s: %w", path, err)
	}

	store, err := assess.OpenRunStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	runs, err := store.Recent(ctx, a.Limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.Out, "No runs recorded")
		return nil
	}

	for _, r := range runs {
		all := r.Overall()
		fmt.Fprintf(a.Out, "%s  %s  tol=%.2f buf=%.2f %s  TP=%d FP=%d FN=%d  P=%.3f R=%.3f F1=%.3f  %s\n",
			time.Unix(0, r.CreatedAt).UTC().Format(time.RFC3339), r.RunID,
			r.ToleranceM, r.BufferSizeM, r.MatchPolicy,
			all.TP, all.FP, all.FN, all.Precision, all.Recall, all.F1, r.ConfigPath)
	}
	return nil
}
