package audit

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"
)

type parquetRow struct {
	ID         string `parquet:"name=id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Type       string `parquet:"name=type, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Chain      string `parquet:"name=chain, type=UTF8, encoding=PLAIN_DICTIONARY"`
	EscrowID   string `parquet:"name=escrow_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	SessionID  string `parquet:"name=session_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	State      string `parquet:"name=state, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Amount     string `parquet:"name=amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Attributes string `parquet:"name=attributes, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Timestamp  int64  `parquet:"name=timestamp, type=INT64"`
	RecordedAt string `parquet:"name=recorded_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

// ExportParquet writes the records matching q to path and returns the row count.
func ExportParquet(ctx context.Context, db *gorm.DB, q Query, path string) (int, error) {
	records, err := List(ctx, db, q)
	if err != nil {
		return 0, err
	}
	if err := writeParquet(path, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

func writeParquet(path string, records []Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		attrs := rec.Attrs()
		row := &parquetRow{
			ID:         rec.ID.String(),
			Type:       rec.Type,
			Chain:      rec.Chain,
			EscrowID:   rec.EscrowID,
			SessionID:  rec.SessionID,
			State:      firstNonEmpty(attrs["state"], attrs["phase"]),
			Amount:     attrs["amount"],
			Attributes: rec.Attributes,
			Timestamp:  rec.Timestamp,
			RecordedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
		}
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
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
