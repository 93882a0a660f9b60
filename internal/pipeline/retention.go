package pipeline

import (
	"os"
	"path/filepath"

	"klineflow/config"
	"klineflow/logger"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
)

// DiskFree reports the free bytes of the filesystem holding path.
type DiskFree func(path string) (uint64, error)

func gopsutilDiskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Retention applies the raw and normalized file deletion policies.
type Retention struct {
	raw        string
	normalized string
	minFree    uint64
	path       string
	free       DiskFree
	log        *logger.Log
}

func NewRetention(cfg config.RetentionConfig, path string, free DiskFree) *Retention {
	if free == nil {
		free = gopsutilDiskFree
	}
	return &Retention{
		raw:        cfg.Raw,
		normalized: cfg.Normalized,
		minFree:    uint64(cfg.MinFreeDiskGB * float64(humanize.GiByte)),
		path:       path,
		free:       free,
		log:        logger.GetLogger(),
	}
}

// DeleteRaw tells whether a converted archive should be removed. Under the
// auto policy archives go once free disk space drops below the threshold.
func (r *Retention) DeleteRaw() bool {
	switch r.raw {
	case config.RetentionDelete:
		return true
	case config.RetentionAuto:
		free, err := r.free(r.path)
		if err != nil {
			r.log.WithComponent("retention").WithError(err).Warn("failed to read disk usage, keeping raw archive")
			return false
		}
		if free < r.minFree {
			r.log.WithComponent("retention").WithFields(logger.Fields{
				"free":      humanize.IBytes(free),
				"threshold": humanize.IBytes(r.minFree),
			}).Debug("low disk space, deleting raw archive")
			return true
		}
		return false
	default:
		return false
	}
}

// ApplyNormalized removes normalized files folded into a master dataset when
// the policy asks for it. It returns how many were removed.
func (r *Retention) ApplyNormalized(files []string) int {
	if r.normalized != config.RetentionDelete {
		return 0
	}
	removed := 0
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			r.log.WithComponent("retention").WithFields(logger.Fields{"file": filepath.Base(f)}).
				WithError(err).Warn("failed to remove normalized file")
			continue
		}
		removed++
	}
	return removed
}
