package catalog

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Field is a logical catalog column.
type Field string

// Logical columns located by keyword search.
const (
	FieldFamily     Field = "instrument_family"
	FieldUnderlying Field = "underlying_symbol"
	FieldExchange   Field = "exchange"
	FieldStrike     Field = "strike"
	FieldOptionType Field = "option_type"
	FieldExpiry     Field = "expiry_date"
	FieldSecurityID Field = "security_id"
	FieldLotSize    Field = "lot_size"
)

// resolutionOrder resolves specific fields before generic ones so that a
// loose alias like INSTRUMENT cannot claim the SECURITY/INSTRUMENT_ID column.
var resolutionOrder = []Field{
	FieldSecurityID,
	FieldStrike,
	FieldOptionType,
	FieldExpiry,
	FieldLotSize,
	FieldExchange,
	FieldUnderlying,
	FieldFamily,
}

// defaultAliases lists header keywords per field, most specific first.
var defaultAliases = map[Field][]string{
	FieldSecurityID: {"SECURITY_ID", "SECURITYID", "TOKEN", "INSTRUMENT_ID"},
	FieldStrike:     {"STRIKE_PRICE", "STRIKE"},
	FieldOptionType: {"OPTION_TYPE", "OPTIONTYPE", "OPT_TYPE"},
	FieldExpiry:     {"EXPIRY_DATE", "EXPIRY"},
	FieldLotSize:    {"LOT_UNITS", "LOT_SIZE", "LOT"},
	FieldExchange:   {"EXCH_ID", "EXCHANGE"},
	FieldUnderlying: {"UNDERLYING_SYMBOL", "TRADING_SYMBOL", "SYMBOL_NAME", "UNDERLYING", "SYMBOL"},
	FieldFamily:     {"INSTRUMENT_NAME", "INSTRUMENT", "INSTRUMENT_TYPE"},
}

// DefaultAliases returns a copy of the built-in alias table.
func DefaultAliases() map[Field][]string {
	return copyAliases(defaultAliases)
}

func copyAliases(in map[Field][]string) map[Field][]string {
	out := make(map[Field][]string, len(in))
	for f, a := range in {
		out[f] = append([]string(nil), a...)
	}
	return out
}

var requiredFields = []Field{
	FieldFamily,
	FieldUnderlying,
	FieldStrike,
	FieldOptionType,
	FieldExpiry,
	FieldSecurityID,
}

var expiryLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	time.DateOnly,
	"02-01-2006",
	"02-Jan-2006",
	"02-Jan-06",
	"2006/01/02",
	"02/01/2006",
	"02Jan2006",
}

// Columns maps each resolved field to its index in the header.
type Columns map[Field]int

// Filter selects the instrument family of interest.
type Filter struct {
	Underlying string
	// Exclude lists names that contain Underlying but are other instruments.
	Exclude  []string
	Family   string
	Exchange string
}

// Stats summarizes one normalization pass.
type Stats struct {
	RawRows         int
	Matched         int
	Kept            int
	DroppedExpiry   int
	DroppedStrike   int
	DroppedType     int
	DroppedID       int
	MissingLotSizes int
}

// Normalizer turns a RawTable into a Snapshot. It has no side effects.
type Normalizer struct {
	filter  Filter
	aliases map[Field][]string
	now     func() time.Time
}

// NewNormalizer creates a Normalizer with the default aliases.
func NewNormalizer(filter Filter) *Normalizer {
	return &Normalizer{
		filter:  filter,
		aliases: DefaultAliases(),
		now:     time.Now,
	}
}

// WithAliases replaces the alias table with a copy of aliases.
func (n *Normalizer) WithAliases(aliases map[Field][]string) *Normalizer {
	if len(aliases) > 0 {
		n.aliases = copyAliases(aliases)
	}
	return n
}

// Filter returns the filter in use.
func (n *Normalizer) Filter() Filter { return n.filter }

// Normalize filters raw and returns a snapshot.
func (n *Normalizer) Normalize(raw *RawTable) (*Snapshot, error) {
	snap, _, err := n.NormalizeWithStats(raw)
	return snap, err
}

// NormalizeWithStats is Normalize plus a breakdown of what was dropped.
func (n *Normalizer) NormalizeWithStats(raw *RawTable) (*Snapshot, Stats, error) {
	var stats Stats
	if raw == nil {
		return nil, stats, &SchemaError{Missing: requiredFields}
	}
	stats.RawRows = len(raw.Rows)

	cols, err := n.ResolveColumns(raw.Header)
	if err != nil {
		return nil, stats, err
	}

	underlying := normalizeCell(n.filter.Underlying)
	family := normalizeCell(n.filter.Family)
	exchange := normalizeCell(n.filter.Exchange)
	exclude := make([]string, 0, len(n.filter.Exclude))
	for _, ex := range n.filter.Exclude {
		if ex = normalizeCell(ex); ex != "" {
			exclude = append(exclude, ex)
		}
	}
	exchangeCol, hasExchange := cols[FieldExchange]
	lotCol, hasLot := cols[FieldLotSize]

	instruments := make([]Instrument, 0, 1024)
	for _, row := range raw.Rows {
		if !strings.Contains(normalizeCell(cell(row, cols[FieldFamily])), family) {
			continue
		}
		sym := normalizeCell(cell(row, cols[FieldUnderlying]))
		if !strings.Contains(sym, underlying) || containsAny(sym, exclude) {
			continue
		}
		if hasExchange && exchange != "" && normalizeCell(cell(row, exchangeCol)) != exchange {
			continue
		}
		stats.Matched++

		exp, ok := parseExpiry(cell(row, cols[FieldExpiry]))
		if !ok {
			stats.DroppedExpiry++
			continue
		}
		strike, err := decimal.NewFromString(strings.TrimSpace(cell(row, cols[FieldStrike])))
		if err != nil || strike.Sign() <= 0 {
			stats.DroppedStrike++
			continue
		}
		optType, ok := ParseOptionType(cell(row, cols[FieldOptionType]))
		if !ok {
			stats.DroppedType++
			continue
		}
		id := strings.TrimSpace(cell(row, cols[FieldSecurityID]))
		if id == "" {
			stats.DroppedID++
			continue
		}

		lot := 0
		if hasLot {
			lot = parseLot(cell(row, lotCol))
		}
		if lot == 0 {
			stats.MissingLotSizes++
		}

		instruments = append(instruments, Instrument{
			SecurityID: id,
			Strike:     strike,
			OptionType: optType,
			Expiry:     exp,
			LotSize:    lot,
		})
	}
	stats.Kept = len(instruments)

	return NewSnapshot(n.filter.Underlying, n.now(), instruments), stats, nil
}

// ResolveColumns locates every field by case-insensitive header search. An
// exact header match on any alias wins over a substring match. A column
// claimed by one field is not offered to later fields.
func (n *Normalizer) ResolveColumns(header []string) (Columns, error) {
	normalized := make([]string, len(header))
	for i, h := range header {
		normalized[i] = normalizeHeader(h)
	}

	cols := make(Columns, len(resolutionOrder))
	claimed := make(map[int]bool, len(header))
	for _, field := range resolutionOrder {
		if idx, ok := findColumn(normalized, claimed, n.aliases[field]); ok {
			cols[field] = idx
			claimed[idx] = true
		}
	}

	var missing []Field
	for _, field := range requiredFields {
		if _, ok := cols[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaError{Missing: missing, Header: append([]string(nil), header...)}
	}
	return cols, nil
}

func findColumn(header []string, claimed map[int]bool, aliases []string) (int, bool) {
	for _, alias := range aliases {
		alias = normalizeHeader(alias)
		for i, h := range header {
			if !claimed[i] && h == alias {
				return i, true
			}
		}
	}
	for _, alias := range aliases {
		alias = normalizeHeader(alias)
		for i, h := range header {
			if !claimed[i] && strings.Contains(h, alias) {
				return i, true
			}
		}
	}
	return 0, false
}

func normalizeHeader(h string) string {
	h = strings.ToUpper(strings.TrimSpace(h))
	return strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(h)
}

func normalizeCell(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func parseExpiry(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

func parseLot(s string) int {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil || d.Sign() <= 0 {
		return 0
	}
	return int(d.IntPart())
}
