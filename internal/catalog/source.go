package catalog

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// RawFetcher downloads the raw catalog table.
type RawFetcher interface {
	Fetch(ctx context.Context) (*RawTable, error)
}

// Source downloads and normalizes the catalog in one call.
type Source struct {
	fetcher    RawFetcher
	normalizer *Normalizer
	logger     logrus.FieldLogger
}

// NewSource creates a Source.
func NewSource(fetcher RawFetcher, normalizer *Normalizer, logger logrus.FieldLogger) *Source {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Source{fetcher: fetcher, normalizer: normalizer, logger: logger}
}

// Load fetches the catalog and reduces it to a snapshot.
func (s *Source) Load(ctx context.Context) (*Snapshot, error) {
	raw, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	snap, stats, err := s.normalizer.NormalizeWithStats(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize catalog: %w", err)
	}

	fields := logrus.Fields{
		"underlying": s.normalizer.Filter().Underlying,
		"raw_rows":   stats.RawRows,
		"matched":    stats.Matched,
		"kept":       stats.Kept,
		"expiries":   len(snap.Expiries()),
	}
	if dropped := stats.DroppedExpiry + stats.DroppedStrike + stats.DroppedType + stats.DroppedID; dropped > 0 {
		fields["dropped_expiry"] = stats.DroppedExpiry
		fields["dropped_strike"] = stats.DroppedStrike
		fields["dropped_type"] = stats.DroppedType
		fields["dropped_id"] = stats.DroppedID
	}
	if stats.MissingLotSizes > 0 {
		fields["missing_lot_sizes"] = stats.MissingLotSizes
	}
	if raw.Skipped > 0 {
		fields["malformed_lines"] = raw.Skipped
	}

	entry := s.logger.WithFields(fields)
	if stats.Kept == 0 {
		entry.Warn("Catalog contains no matching contracts")
	} else {
		entry.Info("Catalog normalized")
	}
	return snap, nil
}
