package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DataFile describes one normalized file folded into a master dataset.
type DataFile struct {
	Path        string         `json:"path"`
	FileSize    int64          `json:"file_size_in_bytes"`
	RecordCount int64          `json:"record_count"`
	Start       time.Time      `json:"start"`
	End         time.Time      `json:"end"`
	Partition   map[string]any `json:"partition"`
}

// Snapshot is one consolidation of the dataset.
type Snapshot struct {
	SnapshotID   int64      `json:"snapshot-id"`
	TimestampMs  int64      `json:"timestamp-ms"`
	Master       string     `json:"master-file"`
	MasterSize   int64      `json:"master-size-in-bytes"`
	RecordCount  int64      `json:"record-count"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	Files        []DataFile `json:"data-files"`
	ManifestFile string     `json:"-"`
}

// Manifest is the document written next to a master dataset.
type Manifest struct {
	FormatVersion int               `json:"format-version"`
	TableUUID     string            `json:"table-uuid"`
	Table         string            `json:"table"`
	Location      string            `json:"location"`
	Properties    map[string]string `json:"properties,omitempty"`
	Current       Snapshot          `json:"current-snapshot"`
}

// Generator records which files went into each master dataset of a table.
type Generator struct {
	basePath   string
	tableName  string
	tableUUID  string
	properties map[string]string
	now        func() time.Time
}

// NewGenerator returns a manifest generator for the master dataset stored in
// basePath. An existing manifest keeps its table uuid.
func NewGenerator(basePath, tableName string, properties map[string]string) *Generator {
	g := &Generator{
		basePath:   basePath,
		tableName:  tableName,
		tableUUID:  uuid.NewString(),
		properties: properties,
		now:        time.Now,
	}
	if m, err := Load(g.ManifestPath()); err == nil && m.TableUUID != "" {
		g.tableUUID = m.TableUUID
	}
	return g
}

// ManifestPath is where the manifest of the table is written.
func (g *Generator) ManifestPath() string {
	return filepath.Join(g.basePath, fmt.Sprintf("%s.manifest.json", g.tableName))
}

// Record writes a manifest describing master and the files it was built
// from, and returns its path.
func (g *Generator) Record(master string, masterSize, rows int64, files []DataFile) (string, error) {
	now := g.now()
	snap := Snapshot{
		SnapshotID:  now.UnixNano(),
		TimestampMs: now.UnixMilli(),
		Master:      filepath.Base(master),
		MasterSize:  masterSize,
		RecordCount: rows,
		Files:       append([]DataFile(nil), files...),
	}
	sort.Slice(snap.Files, func(i, j int) bool { return snap.Files[i].Start.Before(snap.Files[j].Start) })
	for _, f := range snap.Files {
		if f.RecordCount == 0 {
			continue
		}
		if snap.Start.IsZero() || f.Start.Before(snap.Start) {
			snap.Start = f.Start
		}
		if f.End.After(snap.End) {
			snap.End = f.End
		}
	}

	m := Manifest{
		FormatVersion: 1,
		TableUUID:     g.tableUUID,
		Table:         g.tableName,
		Location:      g.basePath,
		Properties:    g.properties,
		Current:       snap,
	}
	if err := os.MkdirAll(g.basePath, 0o755); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	path := g.ManifestPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// Load reads a manifest from disk.
func Load(path string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

// PeriodPartition derives partition values from an archive style filename
// such as BTCUSDT-1m-2024-01.parquet or BTCUSDT-1m-2024-01-15.parquet.
func PeriodPartition(filename string) map[string]any {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	parts := strings.Split(base, "-")
	p := map[string]any{}
	if len(parts) < 4 {
		return p
	}
	p["symbol"] = parts[0]
	p["interval"] = parts[1]
	p["period"] = strings.Join(parts[2:], "-")
	return p
}
