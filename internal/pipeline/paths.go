package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"klineflow/models"
)

// Paths is the local directory layout of one dataset:
// <base>/<symbol>/<data_type>/<interval>/{zips,parquet,master}.
type Paths struct {
	Root    string
	Zips    string
	Parquet string
	Master  string
}

func ResolvePaths(base string, id models.DatasetIdentifier) Paths {
	root := filepath.Join(base, id.Symbol, filepath.FromSlash(id.DataType), id.Interval)
	return Paths{
		Root:    root,
		Zips:    filepath.Join(root, "zips"),
		Parquet: filepath.Join(root, "parquet"),
		Master:  filepath.Join(root, "master"),
	}
}

// Ensure creates every directory of the layout.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.Zips, p.Parquet, p.Master} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// MasterName is the base name shared by the master file and its manifest.
func MasterName(id models.DatasetIdentifier) string {
	return fmt.Sprintf("%s-%s-%s", id.Symbol, id.Interval, id.Frequency)
}

// MasterFile is the path of the consolidated dataset.
func (p Paths) MasterFile(id models.DatasetIdentifier) string {
	return filepath.Join(p.Master, MasterName(id)+".parquet")
}
