package catalog

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eddiefleurent/scrip_bridge/internal/retry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `SEM_EXM_EXCH_ID,SEM_SEGMENT,SEM_SMST_SECURITY_ID,SEM_INSTRUMENT_NAME,SEM_TRADING_SYMBOL,SEM_LOT_UNITS,SEM_EXPIRY_DATE,SEM_STRIKE_PRICE,SEM_OPTION_TYPE
NSE,D,40001,OPTIDX,BANKNIFTY-Mar2025-52500-CE,30.0,2025-03-13 14:30:00,52500.00000,CE
NSE,D,40002,OPTIDX,BANKNIFTY-Mar2025-52500-PE,30.0,2025-03-13 14:30:00,52500.00000,PE
NSE,D,40003,OPTIDX,BANKNIFTY-Mar2025-52500-CE,30.0,2025-03-20 14:30:00,52500.00000,CE
BSE,D,50001,OPTIDX,BANKEX-Mar2025-52500-CE,15.0,2025-03-13 14:30:00,52500.00000,CE
NSE,D,60001,OPTSTK,BANKBARODA-Mar2025-250-CE,2925.0,2025-03-27 14:30:00,250.00000,CE
`

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fastRetry(maxRetries int) *retry.Client {
	return retry.NewClient(quietLogger(), retry.Config{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        5 * time.Second,
	})
}

func TestParseCSV(t *testing.T) {
	table, err := ParseCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	assert.Len(t, table.Header, 9)
	assert.Equal(t, "SEM_EXM_EXCH_ID", table.Header[0])
	assert.Len(t, table.Rows, 5)
	assert.Zero(t, table.Skipped)
}

func TestParseCSV_StripsBOMAndSkipsShortLines(t *testing.T) {
	body := "\ufeffSECURITY_ID,STRIKE\n1,100\n2\n3,300\n"

	table, err := ParseCSV(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, []string{"SECURITY_ID", "STRIKE"}, table.Header)
	assert.Equal(t, [][]string{{"1", "100"}, {"3", "300"}}, table.Rows)
	assert.Equal(t, 1, table.Skipped)
}

func TestParseCSV_Empty(t *testing.T) {
	_, err := ParseCSV(strings.NewReader(""))
	assert.ErrorIs(t, err, errEmptyCatalog)
}

func TestFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, sampleCSV)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, time.Second, WithRetry(fastRetry(0)), WithLogger(quietLogger()))
	table, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, table.Rows, 5)
	assert.Equal(t, srv.URL, f.URL())
}

func TestFetcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, sampleCSV)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, time.Second, WithRetry(fastRetry(2)), WithLogger(quietLogger()))
	table, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, table.Rows, 5)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetcher_NotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "no such file", http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, time.Second, WithRetry(fastRetry(3)), WithLogger(quietLogger()))
	_, err := f.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFetch))

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.Status)
	assert.False(t, fe.Transient())
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetcher_ExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, time.Second, WithRetry(fastRetry(2)), WithLogger(quietLogger()))
	_, err := f.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrFetch)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetcher_EmptyBodyIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, time.Second, WithRetry(fastRetry(2)), WithLogger(quietLogger()))
	_, err := f.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, errEmptyCatalog)
}

func TestFetcher_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewFetcher(srv.URL, 50*time.Millisecond, WithRetry(fastRetry(0)), WithLogger(quietLogger()))
	start := time.Now()
	_, err := f.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrFetch)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchError_Message(t *testing.T) {
	err := &FetchError{URL: "http://x", Status: 500, Err: errors.New("boom")}
	assert.Equal(t, "fetch http://x: HTTP 500: boom", err.Error())

	err = &FetchError{URL: "http://x", Err: errors.New("refused")}
	assert.Equal(t, "fetch http://x: refused", err.Error())
}
