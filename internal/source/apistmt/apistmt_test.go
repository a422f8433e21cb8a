package apistmt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/source"
)

const sampleBatch = `{
  "accounts": [
    {"id": "ext-001", "name": "Everyday Checking", "type": "checking"},
    {"id": "ext-002", "name": "Travel Card", "type": "credit"}
  ],
  "transactions": [
    {"id": "t-1", "accountId": "ext-001", "date": "2025-05-01", "amount": "-42.50", "merchant": "GROCER"},
    {"id": "t-2", "accountId": "ext-002", "date": "2025-05-02", "amount": "-120.00", "merchant": "AIRLINE", "currency": "EUR"},
    {"id": "t-3", "accountId": "ext-001", "date": "2025-05-03", "amount": "1500.00", "merchant": "EMPLOYER", "notes": "salary"}
  ]
}`

func TestExtractAccounts(t *testing.T) {
	payload := source.Payload{Name: "page.json", Data: []byte(sampleBatch)}
	accounts, err := New().ExtractAccounts(context.Background(), payload, source.Params{})
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	require.Equal(t, "ext-001", accounts[0].ExternalID)
	require.Equal(t, domain.AccountTypeChecking, accounts[0].Type)
	require.Equal(t, domain.AccountTypeCredit, accounts[1].Type)
}

func TestExtractTransactions_FiltersByAccount(t *testing.T) {
	payload := source.Payload{Name: "page.json", Data: []byte(sampleBatch)}
	txns, err := New().ExtractTransactions(context.Background(), "ext-001", payload, "acc-1", "batch-1", source.Params{})
	require.NoError(t, err)
	require.Len(t, txns, 2)

	require.Equal(t, "-42.5", txns[0].Amount.String())
	require.Equal(t, "t-1", txns[0].Field("remote_id"))
	require.Equal(t, "ext-001", txns[0].Field("remote_account"))
	require.Equal(t, "1500", txns[1].Amount.String())
	require.Equal(t, "salary", txns[1].Field("notes"))
}

func TestExtractTransactions_UnknownSchema(t *testing.T) {
	payload := source.Payload{Name: "page.json", Data: []byte(`{"rows": []}`)}
	_, err := New().ExtractTransactions(context.Background(), "", payload, "a", "b", source.Params{})
	var parseErr *domain.ParseError
	require.ErrorAs(t, err, &parseErr)
}

type scriptedFetcher struct {
	pages map[string]*Batch
	errs  []error
	calls int
}

func (f *scriptedFetcher) FetchPage(ctx context.Context, cursor string) (*Batch, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	batch, ok := f.pages[cursor]
	if !ok {
		return nil, &domain.SourceAccessError{Source: "fake", Err: errors.New("no such page")}
	}
	return batch, nil
}

func TestFetchAll_MergesPages(t *testing.T) {
	fetcher := &scriptedFetcher{pages: map[string]*Batch{
		"": {
			Accounts:     []BatchAccount{{ID: "ext-001", Name: "Checking", Type: "checking"}},
			Transactions: []BatchTransaction{{ID: "t-1", AccountID: "ext-001", Date: "2025-05-01", Merchant: "A"}},
			NextCursor:   "p2",
		},
		"p2": {
			Accounts:     []BatchAccount{{ID: "ext-001", Name: "Checking", Type: "checking"}},
			Transactions: []BatchTransaction{{ID: "t-2", AccountID: "ext-001", Date: "2025-05-02", Merchant: "B"}},
		},
	}}

	merged, err := FetchAll(context.Background(), fetcher)
	require.NoError(t, err)
	require.Len(t, merged.Accounts, 1)
	require.Len(t, merged.Transactions, 2)
	require.Empty(t, merged.NextCursor)
}

func TestFetchAll_RetriesRateLimit(t *testing.T) {
	fetcher := &scriptedFetcher{
		errs: []error{&domain.RateLimitError{RetryAfter: time.Millisecond}},
		pages: map[string]*Batch{
			"": {Transactions: []BatchTransaction{{ID: "t-1", AccountID: "a", Date: "2025-05-01", Merchant: "A"}}},
		},
	}

	merged, err := FetchAll(context.Background(), fetcher)
	require.NoError(t, err)
	require.Len(t, merged.Transactions, 1)
	require.Equal(t, 2, fetcher.calls)
}

func TestFetchAll_AuthExpiryIsFatal(t *testing.T) {
	fetcher := &scriptedFetcher{errs: []error{
		&domain.AuthExpiredError{Source: "api"},
		&domain.AuthExpiredError{Source: "api"},
	}}

	_, err := FetchAll(context.Background(), fetcher)
	var authErr *domain.AuthExpiredError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, 1, fetcher.calls)
}

func TestHTTPFetcher_StatusMapping(t *testing.T) {
	var status int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "3")
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte(`{"transactions": []}`))
		}
	}))
	defer server.Close()

	fetcher := &HTTPFetcher{BaseURL: server.URL, Token: "tok"}

	status = http.StatusOK
	_, err := fetcher.FetchPage(context.Background(), "")
	require.NoError(t, err)

	status = http.StatusUnauthorized
	_, err = fetcher.FetchPage(context.Background(), "")
	var authErr *domain.AuthExpiredError
	require.ErrorAs(t, err, &authErr)

	status = http.StatusTooManyRequests
	_, err = fetcher.FetchPage(context.Background(), "")
	var rateErr *domain.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	require.Equal(t, 3*time.Second, rateErr.RetryAfter)
}
