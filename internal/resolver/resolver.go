// Package resolver maps a reference price and a directional message to one
// tradable option contract.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eddiefleurent/scrip_bridge/internal/catalog"
	"github.com/eddiefleurent/scrip_bridge/internal/expiry"
	"github.com/eddiefleurent/scrip_bridge/internal/util"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrInvalidInput is returned for a missing or unusable price or message.
var ErrInvalidInput = errors.New("invalid input")

// ErrNotFound matches any *NotFoundError via errors.Is.
var ErrNotFound = errors.New("no matching contract")

// SideBuy is the transaction type of every entry order; direction is carried
// by the option type.
const SideBuy = "BUY"

// NotFoundError carries the computed strike so callers can log what was tried.
type NotFoundError struct {
	Strike     decimal.Decimal
	OptionType catalog.OptionType
	Expiry     time.Time // zero when no expiry is on or after today
}

func (e *NotFoundError) Error() string {
	if e.Expiry.IsZero() {
		return fmt.Sprintf("no %s contract at strike %s: no expiry on or after today",
			e.OptionType.Code(), e.Strike.String())
	}
	return fmt.Sprintf("no %s contract at strike %s expiring %s",
		e.OptionType.Code(), e.Strike.String(), e.Expiry.Format(time.DateOnly))
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Signal is an incoming alert. Price accepts a JSON number or numeric string.
type Signal struct {
	Price   decimal.NullDecimal `json:"price"`
	Message string              `json:"message"`
}

// Contract is a resolved instrument ready for order placement.
type Contract struct {
	SecurityID string             `json:"security_id"`
	Strike     decimal.Decimal    `json:"strike"`
	OptionType catalog.OptionType `json:"option_type"`
	Expiry     time.Time          `json:"expiry"`
	LotSize    int                `json:"lot_size"`
	// LotSizeDefaulted is set when the catalog row had no usable lot size.
	LotSizeDefaulted bool   `json:"lot_size_defaulted,omitempty"`
	Side             string `json:"side"`
}

// Config holds the contract selection rules for one underlying.
type Config struct {
	StrikeIncrement decimal.Decimal
	// OffsetIncrements moves the strike in-the-money when positive:
	// calls go down and puts go up by that many increments.
	OffsetIncrements int
	RolloverDays     int
	DefaultLotSize   int
	BuyKeyword       string
	Location         *time.Location
}

// SnapshotProvider supplies the snapshot to resolve against.
type SnapshotProvider interface {
	EnsureSnapshot(ctx context.Context) (*catalog.Snapshot, error)
}

// Resolver resolves signals against a snapshot.
type Resolver struct {
	cfg       Config
	policy    expiry.Policy
	snapshots SnapshotProvider
	logger    logrus.FieldLogger
	now       func() time.Time
}

// New creates a Resolver. snapshots may be nil when only Resolve is used.
func New(cfg Config, snapshots SnapshotProvider, logger logrus.FieldLogger) *Resolver {
	if strings.TrimSpace(cfg.BuyKeyword) == "" {
		cfg.BuyKeyword = SideBuy
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{
		cfg:       cfg,
		policy:    expiry.Policy{RolloverDays: cfg.RolloverDays},
		snapshots: snapshots,
		logger:    logger,
		now:       time.Now,
	}
}

// Today returns the current calendar day in the configured location.
func (r *Resolver) Today() time.Time {
	return expiry.Today(r.now(), r.cfg.Location)
}

// OptionTypeFor returns Call when message contains the buy keyword, else Put.
func (r *Resolver) OptionTypeFor(message string) catalog.OptionType {
	if strings.Contains(strings.ToUpper(message), strings.ToUpper(r.cfg.BuyKeyword)) {
		return catalog.Call
	}
	return catalog.Put
}

// TargetStrike rounds price to the increment and applies the configured offset.
func (r *Resolver) TargetStrike(price decimal.Decimal, optionType catalog.OptionType) decimal.Decimal {
	base := util.RoundToIncrement(price, r.cfg.StrikeIncrement)
	steps := r.cfg.OffsetIncrements
	if optionType == catalog.Call {
		steps = -steps
	}
	return util.OffsetByIncrements(base, r.cfg.StrikeIncrement, steps)
}

// Resolve picks the contract for price and message from snap as of today.
// It has no side effects and returns the same result for the same inputs.
func (r *Resolver) Resolve(price decimal.NullDecimal, message string, snap *catalog.Snapshot, today time.Time) (*Contract, error) {
	if err := validate(price, message); err != nil {
		return nil, err
	}

	optionType := r.OptionTypeFor(message)
	strike := r.TargetStrike(price.Decimal, optionType)

	exp, ok := r.policy.Choose(snap.Expiries(), today)
	if !ok {
		return nil, &NotFoundError{Strike: strike, OptionType: optionType}
	}

	matches := snap.Lookup(strike, optionType, exp)
	if len(matches) == 0 {
		return nil, &NotFoundError{Strike: strike, OptionType: optionType, Expiry: exp}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if !matches[i].Expiry.Equal(matches[j].Expiry) {
			return matches[i].Expiry.Before(matches[j].Expiry)
		}
		return matches[i].SecurityID < matches[j].SecurityID
	})
	inst := matches[0]

	c := &Contract{
		SecurityID: inst.SecurityID,
		Strike:     strike,
		OptionType: optionType,
		Expiry:     inst.Expiry,
		LotSize:    inst.LotSize,
		Side:       SideBuy,
	}
	if c.LotSize <= 0 {
		c.LotSize = r.cfg.DefaultLotSize
		c.LotSizeDefaulted = true
	}
	return c, nil
}

// ResolveSignal validates sig, obtains a snapshot (waiting on a cold cache
// within its bound) and resolves against today.
func (r *Resolver) ResolveSignal(ctx context.Context, sig Signal) (*Contract, error) {
	if err := validate(sig.Price, sig.Message); err != nil {
		return nil, err
	}
	if r.snapshots == nil {
		return nil, errors.New("resolver has no snapshot provider")
	}

	snap, err := r.snapshots.EnsureSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	log := r.logger.WithFields(logrus.Fields{
		"price":   sig.Price.Decimal.String(),
		"message": sig.Message,
	})

	c, err := r.Resolve(sig.Price, sig.Message, snap, r.Today())
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			log.WithFields(logrus.Fields{
				"strike":      nf.Strike.String(),
				"option_type": nf.OptionType.Code(),
				"expiry":      formatDay(nf.Expiry),
			}).Warn("No contract for signal")
		}
		return nil, err
	}

	entry := log.WithFields(logrus.Fields{
		"security_id": c.SecurityID,
		"strike":      c.Strike.String(),
		"option_type": c.OptionType.Code(),
		"expiry":      formatDay(c.Expiry),
		"lot_size":    c.LotSize,
	})
	if c.LotSizeDefaulted {
		entry.Warn("Catalog row has no lot size, using default")
	} else {
		entry.Info("Signal resolved")
	}
	return c, nil
}

func validate(price decimal.NullDecimal, message string) error {
	if !price.Valid {
		return fmt.Errorf("%w: price is required", ErrInvalidInput)
	}
	if price.Decimal.Sign() <= 0 {
		return fmt.Errorf("%w: price must be positive, got %s", ErrInvalidInput, price.Decimal.String())
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	return nil
}

func formatDay(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.DateOnly)
}
