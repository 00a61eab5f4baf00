package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptionType(t *testing.T) {
	tests := []struct {
		in   string
		want OptionType
		ok   bool
	}{
		{"CE", Call, true},
		{"ce", Call, true},
		{" Call ", Call, true},
		{"C", Call, true},
		{"PE", Put, true},
		{"put", Put, true},
		{"p", Put, true},
		{"XX", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseOptionType(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	assert.Equal(t, "CE", Call.Code())
	assert.Equal(t, "PE", Put.Code())
	assert.Equal(t, Put, Call.Opposite())
	assert.Equal(t, Call, Put.Opposite())
}

func TestSnapshot_LookupNormalizesKeys(t *testing.T) {
	snap := NewSnapshot("BANKNIFTY", time.Now(), []Instrument{
		{SecurityID: "1", Strike: decimal.RequireFromString("52500.00000"), OptionType: Call, Expiry: time.Date(2025, 3, 13, 14, 30, 0, 0, time.UTC)},
		{SecurityID: "2", Strike: decimal.NewFromInt(52500), OptionType: Put, Expiry: day(2025, 3, 13)},
	})

	got := snap.Lookup(decimal.NewFromInt(52500), Call, day(2025, 3, 13).Add(9*time.Hour))
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].SecurityID)
	assert.Equal(t, day(2025, 3, 13), got[0].Expiry)

	assert.Empty(t, snap.Lookup(decimal.NewFromInt(52600), Call, day(2025, 3, 13)))
	assert.Empty(t, snap.Lookup(decimal.NewFromInt(52500), Call, day(2025, 3, 20)))
}

func TestSnapshot_AccessorsReturnCopies(t *testing.T) {
	snap := NewSnapshot("BANKNIFTY", time.Now(), []Instrument{
		{SecurityID: "1", Strike: decimal.NewFromInt(100), OptionType: Call, Expiry: day(2025, 3, 20)},
		{SecurityID: "2", Strike: decimal.NewFromInt(100), OptionType: Call, Expiry: day(2025, 3, 13)},
	})

	exp := snap.Expiries()
	assert.Equal(t, []time.Time{day(2025, 3, 13), day(2025, 3, 20)}, exp)
	exp[0] = time.Time{}
	assert.Equal(t, day(2025, 3, 13), snap.Expiries()[0])

	insts := snap.Instruments()
	insts[0].SecurityID = "mutated"
	assert.Equal(t, "1", snap.Instruments()[0].SecurityID)
}

func TestSnapshot_ByIDAndTradingSymbol(t *testing.T) {
	snap := NewSnapshot("BANKNIFTY", time.Now(), []Instrument{
		{SecurityID: "40001", Strike: decimal.RequireFromString("52500.00000"), OptionType: Put, Expiry: day(2025, 3, 13)},
	})

	inst, ok := snap.ByID("40001")
	require.True(t, ok)
	assert.Equal(t, "BANKNIFTY-Mar2025-52500-PE", inst.TradingSymbol("banknifty"))

	_, ok = snap.ByID("missing")
	assert.False(t, ok)
}

func TestSnapshot_NilSafe(t *testing.T) {
	var snap *Snapshot
	assert.Zero(t, snap.Len())
	assert.Nil(t, snap.Instruments())
	assert.Nil(t, snap.Expiries())
	assert.Nil(t, snap.Lookup(decimal.NewFromInt(1), Call, time.Now()))
	assert.Empty(t, snap.Underlying())
	assert.True(t, snap.LoadedAt().IsZero())
	_, ok := snap.ByID("1")
	assert.False(t, ok)
}

type stubFetcher struct {
	table *RawTable
	err   error
}

func (s stubFetcher) Fetch(context.Context) (*RawTable, error) { return s.table, s.err }

func TestSource_Load(t *testing.T) {
	src := NewSource(stubFetcher{table: mustParse(t, sampleCSV)}, NewNormalizer(bankNifty), quietLogger())
	snap, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Len())

	boom := &FetchError{URL: "http://x", Err: errors.New("boom")}
	_, err = NewSource(stubFetcher{err: boom}, NewNormalizer(bankNifty), quietLogger()).Load(context.Background())
	assert.ErrorIs(t, err, ErrFetch)

	bad := &RawTable{Header: []string{"A", "B"}}
	_, err = NewSource(stubFetcher{table: bad}, NewNormalizer(bankNifty), quietLogger()).Load(context.Background())
	assert.ErrorIs(t, err, ErrSchema)
}
