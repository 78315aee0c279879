package audit

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/schema"
)

type fixedSource []Snapshot

func (s fixedSource) AuditSnapshots(context.Context) ([]Snapshot, error) { return s, nil }

func TestExportWritesReadableParquet(t *testing.T) {
	dir := t.TempDir()
	source := fixedSource{
		{Asset: "BTC", Account: "mrg1a", Collateral: big.NewInt(100), Loan: big.NewInt(200), EntryPrice: big.NewInt(3), EntryTimestamp: 10, ExpirationTimestamp: 20, Liquidatable: true},
		{Asset: "ETH", Account: "mrg1b", Collateral: big.NewInt(5)},
	}
	exporter, err := NewExporter(source, dir, nil)
	require.NoError(t, err)
	exporter.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	result, err := exporter.Export(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.Rows)
	require.Equal(t, filepath.Join(dir, "positions-20260102T030405.000Z.parquet"), result.Path)
	_, err = os.Stat(result.Path + ".tmp")
	require.True(t, os.IsNotExist(err))

	fr, err := local.NewLocalFileReader(result.Path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(Row), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.EqualValues(t, 2, pr.GetNumRows())

	rows := make([]Row, 2)
	require.NoError(t, pr.Read(&rows))
	require.Equal(t, "BTC", rows[0].Asset)
	require.Equal(t, "200", rows[0].Loan)
	require.True(t, rows[0].Liquidatable)
	require.Equal(t, "0", rows[1].Loan)
	require.Equal(t, "2026-01-02T03:04:05Z", rows[1].CapturedAt)
}

func TestRowSchemaParses(t *testing.T) {
	handler, err := schema.NewSchemaHandlerFromStruct(new(Row))
	require.NoError(t, err)
	require.Len(t, handler.SchemaElements, 14)
}

func TestNewExporterValidates(t *testing.T) {
	_, err := NewExporter(nil, t.TempDir(), nil)
	require.Error(t, err)
	_, err = NewExporter(fixedSource{}, "", nil)
	require.Error(t, err)
}
