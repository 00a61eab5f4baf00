package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eddiefleurent/scrip_bridge/internal/expiry"
	"github.com/shopspring/decimal"
)

// OptionType is the right conveyed by an option contract.
type OptionType string

const (
	// Call is a call option.
	Call OptionType = "CALL"
	// Put is a put option.
	Put OptionType = "PUT"
)

// Code returns the exchange suffix used in trading symbols (CE/PE).
func (o OptionType) Code() string {
	switch o {
	case Call:
		return "CE"
	case Put:
		return "PE"
	}
	return ""
}

// Opposite returns the other option type.
func (o OptionType) Opposite() OptionType {
	if o == Call {
		return Put
	}
	return Call
}

// ParseOptionType accepts CE/CALL/C and PE/PUT/P in any case.
func ParseOptionType(s string) (OptionType, bool) {
	switch normalizeCell(s) {
	case "CE", "CALL", "C":
		return Call, true
	case "PE", "PUT", "P":
		return Put, true
	}
	return "", false
}

// Instrument is one tradable contract kept after normalization.
type Instrument struct {
	SecurityID string          `json:"security_id"`
	Strike     decimal.Decimal `json:"strike"`
	OptionType OptionType      `json:"option_type"`
	Expiry     time.Time       `json:"expiry"`   // calendar day
	LotSize    int             `json:"lot_size"` // 0 when the catalog had none
}

// TradingSymbol formats the instrument the way the exchange lists it,
// e.g. BANKNIFTY-Mar2025-52500-CE.
func (i Instrument) TradingSymbol(underlying string) string {
	return fmt.Sprintf("%s-%s-%s-%s", strings.ToUpper(underlying), i.Expiry.Format("Jan2006"), i.Strike.String(), i.OptionType.Code())
}

type contractKey struct {
	strike     string
	optionType OptionType
	expiry     string
}

func keyFor(strike decimal.Decimal, optionType OptionType, exp time.Time) contractKey {
	return contractKey{
		strike:     strike.StringFixed(4),
		optionType: optionType,
		expiry:     expiry.Day(exp).Format(time.DateOnly),
	}
}

// Snapshot is an immutable, indexed view of one underlying's index options.
// It is built once and never modified; accessors hand out copies.
type Snapshot struct {
	underlying  string
	loadedAt    time.Time
	instruments []Instrument
	expiries    []time.Time
	index       map[contractKey][]int
	byID        map[string]int
}

// NewSnapshot builds a snapshot from instruments. Expiries are normalized to
// calendar days and the distinct expiry list is computed up front.
func NewSnapshot(underlying string, loadedAt time.Time, instruments []Instrument) *Snapshot {
	s := &Snapshot{
		underlying:  underlying,
		loadedAt:    loadedAt,
		instruments: make([]Instrument, len(instruments)),
		index:       make(map[contractKey][]int, len(instruments)),
		byID:        make(map[string]int, len(instruments)),
	}

	seen := make(map[time.Time]struct{})
	for i, inst := range instruments {
		inst.Expiry = expiry.Day(inst.Expiry)
		s.instruments[i] = inst

		k := keyFor(inst.Strike, inst.OptionType, inst.Expiry)
		s.index[k] = append(s.index[k], i)
		if _, dup := s.byID[inst.SecurityID]; !dup {
			s.byID[inst.SecurityID] = i
		}

		if _, ok := seen[inst.Expiry]; !ok {
			seen[inst.Expiry] = struct{}{}
			s.expiries = append(s.expiries, inst.Expiry)
		}
	}
	sort.Slice(s.expiries, func(i, j int) bool { return s.expiries[i].Before(s.expiries[j]) })

	return s
}

// Underlying returns the underlying the snapshot was filtered for.
func (s *Snapshot) Underlying() string {
	if s == nil {
		return ""
	}
	return s.underlying
}

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// Len returns the number of instruments.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.instruments)
}

// Instruments returns a copy of all instruments.
func (s *Snapshot) Instruments() []Instrument {
	if s == nil {
		return nil
	}
	out := make([]Instrument, len(s.instruments))
	copy(out, s.instruments)
	return out
}

// Expiries returns the sorted, distinct expiry days.
func (s *Snapshot) Expiries() []time.Time {
	if s == nil {
		return nil
	}
	out := make([]time.Time, len(s.expiries))
	copy(out, s.expiries)
	return out
}

// Lookup returns every instrument with exactly this strike, type and expiry day.
func (s *Snapshot) Lookup(strike decimal.Decimal, optionType OptionType, exp time.Time) []Instrument {
	if s == nil {
		return nil
	}
	idx := s.index[keyFor(strike, optionType, exp)]
	if len(idx) == 0 {
		return nil
	}
	out := make([]Instrument, len(idx))
	for i, j := range idx {
		out[i] = s.instruments[j]
	}
	return out
}

// ByID returns the instrument with the given security ID.
func (s *Snapshot) ByID(securityID string) (Instrument, bool) {
	if s == nil {
		return Instrument{}, false
	}
	i, ok := s.byID[securityID]
	if !ok {
		return Instrument{}, false
	}
	return s.instruments[i], true
}
