package writer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"klineflow/logger"
	"klineflow/models"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
)

// Key/value metadata keys written into every file footer.
const (
	MetaSourceColumns = "klineflow.source_columns"
	MetaIndex         = "klineflow.index"
	MetaLayout        = "klineflow.layout"
	MetaSourceFiles   = "klineflow.source_files"
)

// FileMeta is the descriptive metadata stored alongside kline rows.
type FileMeta struct {
	Columns     []string
	Index       string
	Layout      string
	SourceFiles int
}

// ParquetStore reads and writes kline parquet files on local disk.
type ParquetStore struct {
	compression     parquet.CompressionCodec
	compressionName string
	parallelism     int64
	log             *logger.Log
}

// NewParquetStore creates a store. Unknown compression names fall back to
// snappy.
func NewParquetStore(compression string, parallelism int64) *ParquetStore {
	if parallelism < 1 {
		parallelism = 4
	}
	s := &ParquetStore{parallelism: parallelism, log: logger.GetLogger()}
	switch strings.ToLower(compression) {
	case "gzip":
		s.compression = parquet.CompressionCodec_GZIP
	case "zstd":
		s.compression = parquet.CompressionCodec_ZSTD
	case "none":
		s.compression = parquet.CompressionCodec_UNCOMPRESSED
	default:
		compression = "snappy"
		s.compression = parquet.CompressionCodec_SNAPPY
	}
	s.compressionName = compression
	return s
}

// Write stores records at path through a temporary sibling that is renamed
// into place once complete. It returns the final file size.
func (s *ParquetStore) Write(path string, records []models.KlineRecord, meta FileMeta) (int64, error) {
	log := s.log.WithComponent("parquet_store").WithFields(logger.Fields{
		"file":      filepath.Base(path),
		"rows":      len(records),
		"operation": "write_parquet",
	})

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp := path + ".tmp"

	fw, err := local.NewLocalFileWriter(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create parquet file: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(models.KlineRecord), s.parallelism)
	if err != nil {
		fw.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = s.compression

	for i := range records {
		if err := pw.Write(records[i]); err != nil {
			pw.WriteStop()
			fw.Close()
			os.Remove(tmp)
			return 0, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	pw.Footer.KeyValueMetadata = append(pw.Footer.KeyValueMetadata, meta.keyValues()...)

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	if err := fw.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to close parquet file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to rename parquet file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	log.WithFields(logger.Fields{
		"size":        info.Size(),
		"compression": s.compressionName,
	}).Debug("parquet file written")
	return info.Size(), nil
}

// Read loads every row and the footer metadata of a file.
func (s *ParquetStore) Read(path string) ([]models.KlineRecord, FileMeta, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, FileMeta{}, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(models.KlineRecord), s.parallelism)
	if err != nil {
		return nil, FileMeta{}, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	meta := parseFileMeta(pr.Footer.KeyValueMetadata)
	n := int(pr.GetNumRows())
	records := make([]models.KlineRecord, n)
	if n > 0 {
		if err := pr.Read(&records); err != nil {
			return nil, meta, fmt.Errorf("failed to read parquet rows: %w", err)
		}
	}
	return records, meta, nil
}

// Stat returns the row count and footer metadata without loading rows.
func (s *ParquetStore) Stat(path string) (int64, FileMeta, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return 0, FileMeta{}, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(models.KlineRecord), 1)
	if err != nil {
		return 0, FileMeta{}, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer pr.ReadStop()
	return pr.GetNumRows(), parseFileMeta(pr.Footer.KeyValueMetadata), nil
}

func (m FileMeta) keyValues() []*parquet.KeyValue {
	var out []*parquet.KeyValue
	add := func(k, v string) {
		v2 := v
		out = append(out, &parquet.KeyValue{Key: k, Value: &v2})
	}
	if len(m.Columns) > 0 {
		b, _ := json.Marshal(m.Columns)
		add(MetaSourceColumns, string(b))
	}
	if m.Index != "" {
		add(MetaIndex, m.Index)
	}
	if m.Layout != "" {
		add(MetaLayout, m.Layout)
	}
	if m.SourceFiles > 0 {
		add(MetaSourceFiles, fmt.Sprintf("%d", m.SourceFiles))
	}
	return out
}

func parseFileMeta(kvs []*parquet.KeyValue) FileMeta {
	var m FileMeta
	for _, kv := range kvs {
		if kv == nil || kv.Value == nil {
			continue
		}
		switch kv.Key {
		case MetaSourceColumns:
			_ = json.Unmarshal([]byte(*kv.Value), &m.Columns)
		case MetaIndex:
			m.Index = *kv.Value
		case MetaLayout:
			m.Layout = *kv.Value
		case MetaSourceFiles:
			fmt.Sscanf(*kv.Value, "%d", &m.SourceFiles)
		}
	}
	return m
}
