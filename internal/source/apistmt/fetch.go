package apistmt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/source"
)

// Fetcher retrieves one API page per call. Implementations own the network
// transport; the core treats them as pluggable strategies.
type Fetcher interface {
	FetchPage(ctx context.Context, cursor string) (*Batch, error)
}

const (
	maxRetries      = 4
	initialInterval = 500 * time.Millisecond
	maxPages        = 1000
)

// FetchAll walks the pagination cursor until exhaustion and merges every
// page into a single batch. Rate limiting is retried with bounded
// exponential backoff; auth expiry and parse failures surface immediately.
func FetchAll(ctx context.Context, fetcher Fetcher) (*Batch, error) {
	merged := &Batch{}
	seenAccounts := map[string]struct{}{}
	cursor := ""

	for page := 0; ; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("pagination did not terminate after %d pages", maxPages)
		}

		batch, err := fetchPageWithRetry(ctx, fetcher, cursor)
		if err != nil {
			return nil, err
		}

		for _, acc := range batch.Accounts {
			if _, ok := seenAccounts[acc.ID]; ok {
				continue
			}
			seenAccounts[acc.ID] = struct{}{}
			merged.Accounts = append(merged.Accounts, acc)
		}
		merged.Transactions = append(merged.Transactions, batch.Transactions...)

		if batch.NextCursor == "" {
			return merged, nil
		}
		cursor = batch.NextCursor
	}
}

func fetchPageWithRetry(ctx context.Context, fetcher Fetcher, cursor string) (*Batch, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(backoff.WithInitialInterval(initialInterval)), maxRetries),
		ctx,
	)

	var batch *Batch
	operation := func() error {
		b, err := fetcher.FetchPage(ctx, cursor)
		if err != nil {
			var rateErr *domain.RateLimitError
			if errors.As(err, &rateErr) {
				// Transient: let the backoff policy schedule the retry.
				return err
			}
			// Everything else fails fast, auth expiry in particular.
			return backoff.Permanent(err)
		}
		batch = b
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return batch, nil
}

// MergedPayload renders a fetched batch as a payload consumable by the API
// DataSource, so that fetched and file-provided batches take one code path.
func MergedPayload(name string, batch *Batch) (source.Payload, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return source.Payload{}, fmt.Errorf("cannot encode merged batch: %w", err)
	}
	return source.Payload{Name: name, Data: data}, nil
}

// HTTPFetcher fetches pages from an aggregation API over HTTP with bearer
// token auth.
type HTTPFetcher struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// FetchPage retrieves a single page, translating HTTP status codes into the
// domain error taxonomy.
func (f *HTTPFetcher) FetchPage(ctx context.Context, cursor string) (*Batch, error) {
	endpoint, err := url.Parse(f.BaseURL)
	if err != nil {
		return nil, &domain.SourceAccessError{Source: f.BaseURL, Err: err}
	}
	if cursor != "" {
		q := endpoint.Query()
		q.Set("cursor", cursor)
		endpoint.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &domain.SourceAccessError{Source: endpoint.Host, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &domain.AuthExpiredError{Source: endpoint.Host}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &domain.RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return nil, &domain.RateLimitError{}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &domain.SourceAccessError{
			Source: endpoint.Host,
			Err:    fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body),
		}
	}

	var batch Batch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, &domain.ParseError{Source: endpoint.Host, Detail: "undecodable API page", Err: err}
	}
	return &batch, nil
}

func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
