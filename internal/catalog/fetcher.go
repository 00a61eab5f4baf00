// Package catalog downloads the broker's scrip master and reduces it to the
// index options of a single underlying.
package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eddiefleurent/scrip_bridge/internal/retry"
	"github.com/gocarina/gocsv"
	"github.com/sirupsen/logrus"
)

const defaultFetchTimeout = 30 * time.Second

// RawTable is the scrip master as downloaded: a header and string cells.
type RawTable struct {
	Header []string
	Rows   [][]string
	// Skipped counts malformed lines dropped while parsing.
	Skipped int
}

// Fetcher downloads the scrip master over HTTP.
type Fetcher struct {
	url    string
	client *http.Client
	retry  *retry.Client
	logger logrus.FieldLogger
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithRetry overrides the retry policy.
func WithRetry(r *retry.Client) FetcherOption {
	return func(f *Fetcher) {
		if r != nil {
			f.retry = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) FetcherOption {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFetcher creates a Fetcher for url. timeout bounds each attempt.
func NewFetcher(url string, timeout time.Duration, opts ...FetcherOption) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	f := &Fetcher{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.retry == nil {
		f.retry = retry.NewClient(f.logger)
	}
	return f
}

// URL returns the catalog location.
func (f *Fetcher) URL() string { return f.url }

// Fetch downloads and parses the catalog, retrying transient failures.
// Every failure is a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context) (*RawTable, error) {
	var table *RawTable
	start := time.Now()

	err := f.retry.Do(ctx, "catalog fetch", func(ctx context.Context) error {
		t, err := f.fetchOnce(ctx)
		if err != nil {
			return err
		}
		table = t
		return nil
	})
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return nil, &FetchError{URL: f.url, Status: fe.Status, Err: err, transient: fe.transient}
		}
		return nil, &FetchError{URL: f.url, Err: err}
	}

	f.logger.WithFields(logrus.Fields{
		"url":      f.url,
		"rows":     len(table.Rows),
		"skipped":  table.Skipped,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Catalog downloaded")
	return table, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context) (*RawTable, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, http.NoBody)
	if err != nil {
		return nil, &FetchError{URL: f.url, Err: err}
	}
	req.Header.Set("Accept", "text/csv, */*")
	req.Header.Set("User-Agent", "scrip-bridge/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: f.url, Err: err, transient: ctx.Err() == nil}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			f.logger.WithError(err).Debug("Failed to close catalog response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &FetchError{
			URL:       f.url,
			Status:    resp.StatusCode,
			Err:       fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(body))),
			transient: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	table, err := ParseCSV(resp.Body)
	if err != nil {
		var pe *csv.ParseError
		// Parse errors are deterministic; anything else came from the body reader.
		return nil, &FetchError{URL: f.url, Status: resp.StatusCode, Err: err, transient: !errors.As(err, &pe) && !errors.Is(err, errEmptyCatalog)}
	}
	return table, nil
}

var errEmptyCatalog = errors.New("catalog is empty")

// ParseCSV reads a delimited catalog. Lines with the wrong number of fields
// are skipped and counted; any other parse error fails the whole table.
func ParseCSV(r io.Reader) (*RawTable, error) {
	reader := gocsv.LazyCSVReader(r)

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errEmptyCatalog
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	header = append([]string(nil), header...)
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	table := &RawTable{Header: header}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) && errors.Is(pe.Err, csv.ErrFieldCount) {
				table.Skipped++
				continue
			}
			return nil, fmt.Errorf("reading row %d: %w", len(table.Rows)+table.Skipped+2, err)
		}
		table.Rows = append(table.Rows, record)
	}
	return table, nil
}
