package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// Snapshot is the audited view of one open position.
type Snapshot struct {
	Asset               string
	Account             string
	Collateral          *big.Int
	Loan                *big.Int
	EntryPrice          *big.Int
	EntryTimestamp      uint64
	ExpirationTimestamp uint64
	InterestAccrued     *big.Int
	Value               *big.Int
	Leverage            *big.Int
	LiquidationPrice    *big.Int
	Liquidatable        bool
}

// Source yields the positions to export.
type Source interface {
	AuditSnapshots(ctx context.Context) ([]Snapshot, error)
}

// Row is the parquet schema of an export file. Amounts are decimal strings of
// base units.
type Row struct {
	CapturedAt          string `parquet:"name=captured_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Asset               string `parquet:"name=asset, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Account             string `parquet:"name=account, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Collateral          string `parquet:"name=collateral, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Loan                string `parquet:"name=loan, type=UTF8, encoding=PLAIN_DICTIONARY"`
	EntryPrice          string `parquet:"name=entry_price, type=UTF8, encoding=PLAIN_DICTIONARY"`
	EntryTimestamp      int64  `parquet:"name=entry_timestamp, type=INT64"`
	ExpirationTimestamp int64  `parquet:"name=expiration_timestamp, type=INT64"`
	InterestAccrued     string `parquet:"name=interest_accrued, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Value               string `parquet:"name=value, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Leverage            string `parquet:"name=leverage, type=UTF8, encoding=PLAIN_DICTIONARY"`
	LiquidationPrice    string `parquet:"name=liquidation_price, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Liquidatable        bool   `parquet:"name=liquidatable, type=BOOLEAN"`
}

// Result describes a finished export.
type Result struct {
	Path string    `json:"path"`
	Rows int       `json:"rows"`
	At   time.Time `json:"at"`
}

// Exporter writes position snapshots to timestamped parquet files.
type Exporter struct {
	source Source
	dir    string
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
}

func NewExporter(source Source, dir string, logger *slog.Logger) (*Exporter, error) {
	if source == nil {
		return nil, errors.New("audit: source is required")
	}
	if dir == "" {
		return nil, errors.New("audit: output dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{source: source, dir: dir, now: time.Now, logger: logger}, nil
}

// Export captures every position and writes one file. Concurrent calls are
// serialised.
func (e *Exporter) Export(ctx context.Context) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshots, err := e.source.AuditSnapshots(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("audit: snapshot: %w", err)
	}
	at := e.now().UTC()
	if err := os.MkdirAll(e.dir, 0o750); err != nil {
		return Result{}, fmt.Errorf("audit: create dir: %w", err)
	}
	path := filepath.Join(e.dir, fmt.Sprintf("positions-%s.parquet", at.Format("20060102T150405.000Z")))
	rows := make([]*Row, 0, len(snapshots))
	captured := at.Format(time.RFC3339)
	for _, snap := range snapshots {
		rows = append(rows, rowFrom(captured, snap))
	}
	if err := writeParquet(path, rows); err != nil {
		return Result{}, err
	}
	e.logger.Info("audit export written", slog.String("path", path), slog.Int("rows", len(rows)))
	return Result{Path: path, Rows: len(rows), At: at}, nil
}

// Run exports on every interval until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Export(ctx); err != nil {
				e.logger.Error("audit export failed", slog.String("error", err.Error()))
			}
		}
	}
}

func rowFrom(captured string, snap Snapshot) *Row {
	return &Row{
		CapturedAt:          captured,
		Asset:               snap.Asset,
		Account:             snap.Account,
		Collateral:          amount(snap.Collateral),
		Loan:                amount(snap.Loan),
		EntryPrice:          amount(snap.EntryPrice),
		EntryTimestamp:      int64(snap.EntryTimestamp),
		ExpirationTimestamp: int64(snap.ExpirationTimestamp),
		InterestAccrued:     amount(snap.InterestAccrued),
		Value:               amount(snap.Value),
		Leverage:            amount(snap.Leverage),
		LiquidationPrice:    amount(snap.LiquidationPrice),
		Liquidatable:        snap.Liquidatable,
	}
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeParquet(path string, rows []*Row) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(Row), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return os.Rename(tmp, path)
}
