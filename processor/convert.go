package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"klineflow/logger"
	"klineflow/models"
)

// ConvertSummary tallies one conversion batch.
type ConvertSummary struct {
	Success    int
	Skipped    int
	Errors     int
	RawDeleted int
	Files      []models.NormalizedFile
	Failures   []error
}

// ConvertAll normalizes archives one after another. After every successful
// or skipped conversion deleteRaw is consulted and, when it returns true,
// the source archive is removed. A cancelled context stops the batch
// before the next archive.
func (n *Normalizer) ConvertAll(ctx context.Context, archives []string, deleteRaw func() bool) ConvertSummary {
	log := n.log.WithComponent("normalizer").WithFields(logger.Fields{"operation": "convert_all"})
	var sum ConvertSummary

	for _, archive := range archives {
		if ctx.Err() != nil {
			log.WithFields(logger.Fields{"remaining": len(archives) - sum.Success - sum.Skipped - sum.Errors}).
				Warn("conversion interrupted")
			break
		}

		nf, err := n.Normalize(archive)
		if err != nil {
			sum.Errors++
			sum.Failures = append(sum.Failures, err)
			var ne *NormalizationError
			if errors.As(err, &ne) {
				log.WithFields(logger.Fields{"file": ne.File, "reason": ne.Reason}).WithError(ne.Err).Warn("archive not converted")
			} else {
				log.WithError(err).Warn("archive not converted")
			}
			continue
		}

		if nf.Skipped {
			sum.Skipped++
		} else {
			sum.Success++
		}
		sum.Files = append(sum.Files, nf)

		if deleteRaw != nil && deleteRaw() {
			if err := os.Remove(archive); err != nil && !os.IsNotExist(err) {
				log.WithFields(logger.Fields{"file": filepath.Base(archive)}).WithError(err).Warn("failed to remove raw archive")
			} else {
				sum.RawDeleted++
			}
		}
	}

	log.WithFields(logger.Fields{
		"success":     sum.Success,
		"skipped":     sum.Skipped,
		"errors":      sum.Errors,
		"raw_deleted": sum.RawDeleted,
	}).Info("conversion finished")
	return sum
}
