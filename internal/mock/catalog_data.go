// Package mock provides synthetic market data and a paper broker for tests
// and paper trading.
package mock

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/eddiefleurent/scrip_bridge/internal/catalog"
	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"
)

// ScripRow mirrors the columns of the Dhan scrip master that the normalizer reads,
// plus a few it must ignore.
type ScripRow struct {
	Exchange       string `csv:"SEM_EXM_EXCH_ID"`
	Segment        string `csv:"SEM_SEGMENT"`
	SecurityID     string `csv:"SEM_SMST_SECURITY_ID"`
	InstrumentName string `csv:"SEM_INSTRUMENT_NAME"`
	ExpiryCode     int    `csv:"SEM_EXPIRY_CODE"`
	TradingSymbol  string `csv:"SEM_TRADING_SYMBOL"`
	LotUnits       string `csv:"SEM_LOT_UNITS"`
	CustomSymbol   string `csv:"SEM_CUSTOM_SYMBOL"`
	ExpiryDate     string `csv:"SEM_EXPIRY_DATE"`
	StrikePrice    string `csv:"SEM_STRIKE_PRICE"`
	OptionType     string `csv:"SEM_OPTION_TYPE"`
	TickSize       string `csv:"SEM_TICK_SIZE"`
	ExpiryFlag     string `csv:"SEM_EXPIRY_FLAG"`
}

// CatalogGenerator builds scrip-master rows around a spot price.
type CatalogGenerator struct {
	Underlying string
	Spot       decimal.Decimal
	Increment  decimal.Decimal
	// StrikesEachSide is the number of strikes listed above and below spot.
	StrikesEachSide int
	LotSize         int
	// Expiries are the listed cycles; NextWeeklyExpiries builds a typical set.
	Expiries []time.Time
	// Distractors adds rows that a correct filter must drop.
	Distractors bool
}

// secureInt63n generates a cryptographically secure random int64 between 0 and n-1
func secureInt63n(n int64) int64 {
	max := big.NewInt(n)
	r, err := rand.Int(rand.Reader, max)
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return n / 2
	}
	return r.Int64()
}

// NewCatalogGenerator returns a BANKNIFTY generator with four weekly cycles from now.
func NewCatalogGenerator(spot decimal.Decimal) *CatalogGenerator {
	return &CatalogGenerator{
		Underlying:      "BANKNIFTY",
		Spot:            spot,
		Increment:       decimal.NewFromInt(100),
		StrikesEachSide: 10,
		LotSize:         30,
		Expiries:        NextWeeklyExpiries(time.Now(), time.Wednesday, 4),
		Distractors:     true,
	}
}

// NextWeeklyExpiries returns n consecutive weekdays of the given kind, starting today.
func NextWeeklyExpiries(from time.Time, weekday time.Weekday, n int) []time.Time {
	y, m, d := from.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	for day.Weekday() != weekday {
		day = day.AddDate(0, 0, 1)
	}
	out := make([]time.Time, n)
	for i := range out {
		out[i] = day.AddDate(0, 0, 7*i)
	}
	return out
}

// Instruments returns the contracts the generator lists for its underlying.
func (g *CatalogGenerator) Instruments() []catalog.Instrument {
	atm := g.Spot.Div(g.Increment).Round(0).Mul(g.Increment)
	var out []catalog.Instrument
	id := int64(40000)
	for _, exp := range g.Expiries {
		for i := -g.StrikesEachSide; i <= g.StrikesEachSide; i++ {
			strike := atm.Add(g.Increment.Mul(decimal.NewFromInt(int64(i))))
			for _, ot := range []catalog.OptionType{catalog.Call, catalog.Put} {
				id++
				out = append(out, catalog.Instrument{
					SecurityID: strconv.FormatInt(id, 10),
					Strike:     strike,
					OptionType: ot,
					Expiry:     exp,
					LotSize:    g.LotSize,
				})
			}
		}
	}
	return out
}

// Rows renders the catalog as scrip-master rows.
func (g *CatalogGenerator) Rows() []*ScripRow {
	var rows []*ScripRow
	for i, inst := range g.Instruments() {
		rows = append(rows, g.row(inst, g.Underlying, "OPTIDX", "NSE", expiryCode(g.Expiries, inst.Expiry)))
		if g.Distractors && i%10 == 0 {
			bankex := inst
			bankex.SecurityID = "8" + inst.SecurityID
			rows = append(rows, g.row(bankex, "BANKEX", "OPTIDX", "BSE", 0))

			stock := inst
			stock.SecurityID = "9" + inst.SecurityID
			rows = append(rows, g.row(stock, "BANKBARODA", "OPTSTK", "NSE", 0))
		}
	}
	if g.Distractors && len(g.Expiries) > 0 {
		rows = append(rows, &ScripRow{
			Exchange:       "NSE",
			Segment:        "D",
			SecurityID:     strconv.FormatInt(70000+secureInt63n(1000), 10),
			InstrumentName: "FUTIDX",
			TradingSymbol:  fmt.Sprintf("%s-%s-FUT", g.Underlying, g.Expiries[0].Format("Jan2006")),
			LotUnits:       strconv.Itoa(g.LotSize),
			ExpiryDate:     g.Expiries[0].Format(time.DateOnly) + " 14:30:00",
			StrikePrice:    "-0.01000",
			OptionType:     "XX",
			TickSize:       "5.0000",
			ExpiryFlag:     "M",
		})
	}
	return rows
}

func (g *CatalogGenerator) row(inst catalog.Instrument, underlying, family, exchange string, code int) *ScripRow {
	return &ScripRow{
		Exchange:       exchange,
		Segment:        "D",
		SecurityID:     inst.SecurityID,
		InstrumentName: family,
		ExpiryCode:     code,
		TradingSymbol:  inst.TradingSymbol(underlying),
		LotUnits:       strconv.Itoa(g.LotSize) + ".0",
		CustomSymbol:   fmt.Sprintf("%s %s %s %s", underlying, inst.Expiry.Format("02 Jan"), inst.Strike.String(), inst.OptionType),
		ExpiryDate:     inst.Expiry.Format(time.DateOnly) + " 14:30:00",
		StrikePrice:    inst.Strike.StringFixed(5),
		OptionType:     inst.OptionType.Code(),
		TickSize:       "5.0000",
		ExpiryFlag:     "W",
	}
}

func expiryCode(expiries []time.Time, exp time.Time) int {
	for i, e := range expiries {
		if e.Equal(exp) {
			return i
		}
	}
	return 0
}

// CSV renders the catalog as a scrip-master CSV document.
func (g *CatalogGenerator) CSV() ([]byte, error) {
	rows := g.Rows()
	out, err := gocsv.MarshalBytes(&rows)
	if err != nil {
		return nil, fmt.Errorf("marshal scrip master: %w", err)
	}
	return out, nil
}
