package processor

import (
	"archive/zip"
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"klineflow/logger"
	"klineflow/models"
	"klineflow/writer"
)

// Reasons carried by NormalizationError.
const (
	ReasonNoTabularMember    = "no-tabular-member"
	ReasonNoTimestamp        = "no-timestamp-column"
	ReasonEmptyAfterCleaning = "empty-after-cleaning"
	ReasonReadFailed         = "read-failed"
	ReasonWriteFailed        = "write-failed"
)

// microsecondThreshold separates millisecond from microsecond epochs; no
// millisecond timestamp before year 5000 exceeds it.
const microsecondThreshold = 1e14

// plausibleOutputRatio is the share of the archive size an existing output
// must exceed to be treated as a finished conversion.
const plausibleOutputRatio = 0.1

// NormalizationError reports why one archive could not be converted.
type NormalizationError struct {
	File   string
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.File, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Reason)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// Normalizer converts kline archives into parquet files.
type Normalizer struct {
	store        *writer.ParquetStore
	outDir       string
	skipExisting bool
	log          *logger.Log
}

func NewNormalizer(store *writer.ParquetStore, outDir string, skipExisting bool) *Normalizer {
	return &Normalizer{
		store:        store,
		outDir:       outDir,
		skipExisting: skipExisting,
		log:          logger.GetLogger(),
	}
}

// OutputPath is where the parquet file for an archive is written.
func (n *Normalizer) OutputPath(archivePath string) string {
	base := strings.TrimSuffix(filepath.Base(archivePath), filepath.Ext(archivePath))
	return filepath.Join(n.outDir, base+".parquet")
}

// Normalize converts one archive. When a plausible output already exists it
// is returned with Skipped set.
func (n *Normalizer) Normalize(archivePath string) (models.NormalizedFile, error) {
	name := filepath.Base(archivePath)
	out := n.OutputPath(archivePath)
	log := n.log.WithComponent("normalizer").WithFields(logger.Fields{"file": name})

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return models.NormalizedFile{}, &NormalizationError{File: name, Reason: ReasonReadFailed, Err: err}
	}

	if n.skipExisting {
		if nf, ok := n.existing(out, archiveInfo.Size()); ok {
			log.Debug("parquet output exists, skipping")
			return nf, nil
		}
	}

	start := time.Now()
	records, schema, dropped, nulls, err := readArchive(archivePath)
	if err != nil {
		var ne *NormalizationError
		if errors.As(err, &ne) {
			ne.File = name
			return models.NormalizedFile{}, ne
		}
		return models.NormalizedFile{}, &NormalizationError{File: name, Reason: ReasonReadFailed, Err: err}
	}
	if schema.Layout == LayoutPositional && len(schema.Columns) < len(PositionalColumns) {
		log.WithFields(logger.Fields{"columns": len(schema.Columns)}).Warn("fewer columns than the positional schema")
	}
	if dropped > 0 {
		log.WithFields(logger.Fields{"dropped_rows": dropped}).Warn("dropped rows with unparsable timestamps")
	}
	if nulls > 0 {
		log.WithFields(logger.Fields{"null_values": nulls}).Debug("unparsable values stored as null")
	}
	if len(records) == 0 {
		return models.NormalizedFile{}, &NormalizationError{File: name, Reason: ReasonEmptyAfterCleaning}
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].Datetime < records[j].Datetime })

	size, err := n.store.Write(out, records, writer.FileMeta{
		Columns: schema.Columns,
		Index:   models.IndexDatetime,
		Layout:  schema.Layout.String(),
	})
	if err != nil {
		return models.NormalizedFile{}, &NormalizationError{File: name, Reason: ReasonWriteFailed, Err: err}
	}

	nf := models.NormalizedFile{
		Path:      out,
		Rows:      len(records),
		Start:     records[0].Time(),
		End:       records[len(records)-1].Time(),
		Columns:   schema.Columns,
		IndexType: models.IndexDatetime,
		Layout:    schema.Layout.String(),
		Size:      size,
	}
	logger.IncrementConversion(nf.Rows, size)
	logger.LogPerformanceEntry(log, "normalizer", "normalize", time.Since(start), logger.Fields{
		"rows":   nf.Rows,
		"layout": nf.Layout,
	})
	return nf, nil
}

func (n *Normalizer) existing(out string, archiveSize int64) (models.NormalizedFile, bool) {
	info, err := os.Stat(out)
	if err != nil || float64(info.Size()) <= float64(archiveSize)*plausibleOutputRatio {
		return models.NormalizedFile{}, false
	}
	nf := models.NormalizedFile{Path: out, Size: info.Size(), Skipped: true, IndexType: models.IndexDatetime}
	if rows, meta, err := n.store.Stat(out); err == nil {
		nf.Rows = int(rows)
		nf.Columns = meta.Columns
		nf.Layout = meta.Layout
		if meta.Index != "" {
			nf.IndexType = meta.Index
		}
	}
	return nf, true
}

// readArchive parses the first CSV member of a zip archive into records. It
// returns the number of rows dropped for bad timestamps and the number of
// value cells stored as null.
func readArchive(archivePath string) ([]models.KlineRecord, Schema, int, int, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, Schema{}, 0, 0, err
	}
	defer zr.Close()

	var member *zip.File
	for _, f := range zr.File {
		if strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			member = f
			break
		}
	}
	if member == nil {
		return nil, Schema{}, 0, 0, &NormalizationError{Reason: ReasonNoTabularMember}
	}

	firstLine, err := readFirstLine(member)
	if err != nil {
		return nil, Schema{}, 0, 0, err
	}
	layout := SniffLayout(firstLine)

	rc, err := member.Open()
	if err != nil {
		return nil, Schema{}, 0, 0, err
	}
	defer rc.Close()

	cr := csv.NewReader(bufio.NewReader(rc))
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	first, err := cr.Read()
	if err == io.EOF {
		return nil, ResolveSchema(layout, nil, 0), 0, 0, nil
	}
	if err != nil {
		return nil, Schema{}, 0, 0, err
	}

	var schema Schema
	var pending []string
	if layout == LayoutHeadered {
		schema = ResolveSchema(layout, append([]string(nil), first...), 0)
	} else {
		schema = ResolveSchema(layout, nil, len(first))
		pending = append([]string(nil), first...)
	}
	if schema.Timestamp < 0 {
		return nil, schema, 0, 0, &NormalizationError{Reason: ReasonNoTimestamp}
	}

	var (
		records []models.KlineRecord
		dropped int
		nulls   int
	)
	add := func(row []string) {
		rec, ok, bad := parseRow(row, schema)
		if !ok {
			dropped++
			return
		}
		nulls += bad
		records = append(records, rec)
	}
	if pending != nil {
		add(pending)
	}
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, schema, dropped, nulls, err
		}
		add(row)
	}
	return records, schema, dropped, nulls, nil
}

func readFirstLine(member *zip.File) (string, error) {
	rc, err := member.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	line, err := bufio.NewReader(rc).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return line, nil
}

// parseRow converts one CSV row. ok is false when the timestamp cannot be
// parsed; bad counts value cells that could not be parsed.
func parseRow(row []string, schema Schema) (rec models.KlineRecord, ok bool, bad int) {
	if schema.Timestamp >= len(row) {
		return rec, false, 0
	}
	ts, err := strconv.ParseFloat(strings.TrimSpace(row[schema.Timestamp]), 64)
	if err != nil || math.IsNaN(ts) || math.IsInf(ts, 0) {
		return rec, false, 0
	}
	ms := int64(ts)
	if ms > microsecondThreshold {
		ms /= 1000
	}
	rec.Timestamp = ms
	rec.Datetime = ms

	for i, target := range schema.targets {
		if target == "" {
			continue
		}
		if i >= len(row) {
			bad++
			continue
		}
		cell := strings.TrimSpace(row[i])
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil || math.IsNaN(v) {
			bad++
			continue
		}
		rec.Set(target, v)
	}
	return rec, true, bad
}
