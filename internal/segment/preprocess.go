package segment

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"fleetwatch/internal/model"
	"fleetwatch/internal/reports"
	"fleetwatch/internal/store"
)

// PreprocessConfig names the files used by the nightly preprocessing job.
type PreprocessConfig struct {
	HistoryPath     string
	OutputPath      string
	TruncateHistory bool
	Options         Options
}

// Preprocess rebuilds the idle-points table from the telemetry history. A
// missing or unreadable history file is returned as an error.
func Preprocess(ctx context.Context, cfg PreprocessConfig) (int, error) {
	opts := cfg.Options.withDefaults()
	pings, err := reports.LoadPings(cfg.HistoryPath, opts.Loc)
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}
	log.Printf("preprocess: loaded %d pings from %s", len(pings), cfg.HistoryPath)

	if cfg.TruncateHistory {
		cutoff := opts.Now.Add(-opts.Window)
		kept := make([]model.Ping, 0, len(pings))
		for _, p := range pings {
			if !p.Time.IsZero() && !p.Time.Before(cutoff) {
				kept = append(kept, p)
			}
		}
		var buf bytes.Buffer
		if err := reports.WritePings(&buf, kept); err != nil {
			return 0, fmt.Errorf("encode history: %w", err)
		}
		if err := store.WriteFileAtomic(cfg.HistoryPath, buf.Bytes()); err != nil {
			return 0, fmt.Errorf("truncate history: %w", err)
		}
		log.Printf("preprocess: history truncated to %d pings (window %s)", len(kept), opts.Window)
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rows := Run(pings, opts)

	if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0o755); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := reports.WriteIdlePoints(&buf, rows); err != nil {
		return 0, fmt.Errorf("encode idle points: %w", err)
	}
	if err := store.WriteFileAtomic(cfg.OutputPath, buf.Bytes()); err != nil {
		return 0, fmt.Errorf("write idle points: %w", err)
	}
	log.Printf("preprocess: wrote %d idle points to %s", len(rows), cfg.OutputPath)
	return len(rows), nil
}
