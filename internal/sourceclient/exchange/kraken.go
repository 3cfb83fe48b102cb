// Package exchange implements exchange-family source clients. Unlike
// internal/sourceclient/blockchain's provider.Client, an exchange
// client yields normalized domain.ExchangeLedgerEntry rows instead of
// raw payloads, since an exchange's REST and CSV surfaces describe the
// same ledger shape through two different encodings.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exitbook/ingestion/internal/coreerrors"
	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/httpclient"
)

// Batch is one page of normalized ledger entries. Partial is set when
// the client hit a mid-batch validation failure: Entries still holds
// everything parsed successfully before the failure and Cursor is the
// last good resume point, per spec.md §4.6's commit-partial-and-stop
// contract — the caller must persist Entries and Cursor even though an
// error follows on the error channel.
type Batch struct {
	Entries []domain.ExchangeLedgerEntry
	Cursor  map[string]any
	Done    bool
	Partial bool
}

// Credentials authenticates a Kraken REST ledger call.
type Credentials struct {
	APIKey    string
	APISecret string
}

// KrakenClient implements both ledger-API and CSV-export ingestion for
// Kraken, grounded on Kraken's Ledgers endpoint (type=all, offset
// pagination) and its "Ledgers" CSV export format.
type KrakenClient struct {
	providerName string
	http         *httpclient.Client
	baseURL      string
}

// NewKrakenClient constructs a KrakenClient backed by http.
func NewKrakenClient(providerName, baseURL string, http *httpclient.Client) *KrakenClient {
	return &KrakenClient{providerName: providerName, http: http, baseURL: baseURL}
}

func (c *KrakenClient) Name() string { return c.providerName }

type krakenLedgerRow struct {
	RefID   string `json:"refid"`
	Time    float64 `json:"time"`
	Type    string `json:"type"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	Fee     string `json:"fee"`
	Balance string `json:"balance"`
}

type krakenLedgersResult struct {
	Error  []string `json:"error"`
	Result struct {
		Ledger map[string]krakenLedgerRow `json:"ledger"`
		Count  int                        `json:"count"`
	} `json:"result"`
}

// StreamAPI pages backward through Kraken's private Ledgers endpoint
// using offset-based continuation, per spec.md §4.6's "offset-based
// continuation" exchange pagination oddity.
func (c *KrakenClient) StreamAPI(ctx context.Context, creds Credentials, cursor map[string]any) (<-chan Batch, <-chan error) {
	out := make(chan Batch)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		offset := 0
		switch v := cursor["offset"].(type) {
		case int:
			offset = v
		case float64: // a cursor decoded from persisted JSON
			offset = int(v)
		}

		for {
			batch, nextOffset, done, err := c.fetchLedgerPage(ctx, creds, offset)
			if err != nil {
				if batch != nil {
					// Mid-batch validation failure: hand over the rows
					// parsed before it, resuming from this page's offset.
					select {
					case out <- Batch{Entries: batch, Cursor: map[string]any{"offset": offset}, Partial: true}:
					case <-ctx.Done():
					}
				}
				errs <- err
				return
			}

			select {
			case out <- Batch{Entries: batch, Cursor: map[string]any{"offset": nextOffset}, Done: done}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}

			if done {
				return
			}
			offset = nextOffset
		}
	}()

	return out, errs
}

const krakenPageSize = 50

const krakenLedgersPath = "/0/private/Ledgers"

func (c *KrakenClient) fetchLedgerPage(ctx context.Context, creds Credentials, offset int) ([]domain.ExchangeLedgerEntry, int, bool, error) {
	nonce := krakenNonce()
	body := []byte(fmt.Sprintf(`{"type":"all","ofs":%d,"nonce":%d}`, offset, nonce))
	sign, err := krakenSign(krakenLedgersPath, nonce, body, creds.APISecret)
	if err != nil {
		return nil, offset, false, coreerrors.Wrap(coreerrors.ErrCodeInvalidAccount, "failed to sign kraken request", coreerrors.KindValidation, err)
	}

	resp, err := c.http.Do(ctx, c.providerName, httpclient.Request{
		Method: "POST",
		URL:    c.baseURL + krakenLedgersPath,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"API-Key":      creds.APIKey,
			"API-Sign":     sign,
		},
		Body: body,
	})
	if err != nil {
		return nil, offset, false, err
	}

	var parsed krakenLedgersResult
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, offset, false, coreerrors.Wrap(coreerrors.ErrCodeProviderUnavailable, "failed to parse kraken ledgers response", coreerrors.KindProviderTransient, err)
	}
	if len(parsed.Error) > 0 {
		return nil, offset, false, coreerrors.New(coreerrors.ErrCodeProviderUnavailable, parsed.Error[0], coreerrors.KindProviderTransient)
	}

	entries := make([]domain.ExchangeLedgerEntry, 0, len(parsed.Result.Ledger))
	for id, row := range parsed.Result.Ledger {
		entry, err := ledgerRowToEntry(id, row)
		if err != nil {
			// Mid-batch validation failure: return what we have so far
			// as a partial batch alongside the error, per §4.6.
			return entries, offset, false, coreerrors.Wrap(coreerrors.ErrCodeInvalidAccount, "failed to normalize ledger row "+id, coreerrors.KindValidation, err)
		}
		entries = append(entries, entry)
	}

	nextOffset := offset + len(entries)
	done := nextOffset >= parsed.Result.Count || len(entries) < krakenPageSize
	return entries, nextOffset, done, nil
}

// krakenNonce returns a strictly increasing value suitable as Kraken's
// required nonce: microseconds since the epoch, the precision Kraken's
// own client libraries use.
func krakenNonce() int64 {
	return time.Now().UnixNano() / int64(time.Microsecond)
}

// krakenSign computes Kraken's private-endpoint API-Sign header:
// HMAC-SHA512, keyed by the base64-decoded API secret, over the
// request path concatenated with SHA256(nonce + POST body).
func krakenSign(path string, nonce int64, body []byte, apiSecret string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return "", fmt.Errorf("decode kraken api secret: %w", err)
	}

	sha := sha256.New()
	sha.Write([]byte(strconv.FormatInt(nonce, 10)))
	sha.Write(body)

	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sha.Sum(nil))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func ledgerRowToEntry(id string, row krakenLedgerRow) (domain.ExchangeLedgerEntry, error) {
	amount, err := decimal.NewFromString(row.Amount)
	if err != nil {
		return domain.ExchangeLedgerEntry{}, fmt.Errorf("invalid amount %q: %w", row.Amount, err)
	}

	entry := domain.ExchangeLedgerEntry{
		ID:            id,
		CorrelationID: row.RefID,
		Timestamp:     time.Unix(int64(row.Time), 0).UTC(),
		Type:          krakenTypeToLedgerType(row.Type),
		Asset:         row.Asset,
		Amount:        amount,
	}
	if row.Fee != "" {
		fee, err := decimal.NewFromString(row.Fee)
		if err != nil {
			return domain.ExchangeLedgerEntry{}, fmt.Errorf("invalid fee %q: %w", row.Fee, err)
		}
		if !fee.IsZero() {
			entry.Fee = &fee
			entry.FeeCurrency = row.Asset
		}
	}
	return entry, nil
}

func krakenTypeToLedgerType(t string) domain.ExchangeLedgerEntryType {
	switch t {
	case "trade":
		return domain.LedgerEntryTrade
	case "deposit":
		return domain.LedgerEntryDeposit
	case "withdrawal":
		return domain.LedgerEntryWithdrawal
	case "transfer":
		return domain.LedgerEntryTransfer
	default:
		return domain.LedgerEntryOther
	}
}

// csv columns per Kraken's "Ledgers" export: txid,refid,time,type,subtype,aclass,asset,amount,fee,balance
const (
	csvColTxID = iota
	csvColRefID
	csvColTime
	csvColType
	csvColSubtype
	csvColAClass
	csvColAsset
	csvColAmount
	csvColFee
	csvColBalance
)

// StreamCSV parses a Kraken ledger export in one pass, emitting a
// single terminal batch (CSV exports have no further pages). A
// malformed row midway through yields a partial batch carrying every
// row parsed before it, per the same commit-partial-and-stop contract
// StreamAPI follows.
func (c *KrakenClient) StreamCSV(ctx context.Context, r io.Reader) (<-chan Batch, <-chan error) {
	out := make(chan Batch)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1

		header, err := reader.Read()
		if err != nil {
			errs <- coreerrors.Wrap(coreerrors.ErrCodeInvalidAccount, "failed to read csv header", coreerrors.KindValidation, err)
			return
		}
		_ = header

		var entries []domain.ExchangeLedgerEntry
		rowNum := 0
		for {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			record, err := reader.Read()
			if err == io.EOF {
				out <- Batch{Entries: entries, Done: true}
				return
			}
			if err != nil {
				out <- Batch{Entries: entries, Partial: true, Done: false}
				errs <- coreerrors.Wrap(coreerrors.ErrCodeInvalidAccount, fmt.Sprintf("malformed csv row %d", rowNum), coreerrors.KindValidation, err)
				return
			}

			entry, err := csvRecordToEntry(record)
			if err != nil {
				out <- Batch{Entries: entries, Partial: true, Done: false}
				errs <- coreerrors.Wrap(coreerrors.ErrCodeInvalidAccount, fmt.Sprintf("invalid csv row %d", rowNum), coreerrors.KindValidation, err)
				return
			}
			entries = append(entries, entry)
			rowNum++
		}
	}()

	return out, errs
}

func csvRecordToEntry(record []string) (domain.ExchangeLedgerEntry, error) {
	if len(record) <= csvColBalance {
		return domain.ExchangeLedgerEntry{}, fmt.Errorf("expected at least %d columns, got %d", csvColBalance+1, len(record))
	}

	unixTime, err := strconv.ParseFloat(record[csvColTime], 64)
	if err != nil {
		return domain.ExchangeLedgerEntry{}, fmt.Errorf("invalid time %q: %w", record[csvColTime], err)
	}
	amount, err := decimal.NewFromString(record[csvColAmount])
	if err != nil {
		return domain.ExchangeLedgerEntry{}, fmt.Errorf("invalid amount %q: %w", record[csvColAmount], err)
	}

	entry := domain.ExchangeLedgerEntry{
		ID:            record[csvColTxID],
		CorrelationID: record[csvColRefID],
		Timestamp:     time.Unix(int64(unixTime), 0).UTC(),
		Type:          krakenTypeToLedgerType(record[csvColType]),
		Asset:         record[csvColAsset],
		Amount:        amount,
	}
	if record[csvColFee] != "" {
		fee, err := decimal.NewFromString(record[csvColFee])
		if err != nil {
			return domain.ExchangeLedgerEntry{}, fmt.Errorf("invalid fee %q: %w", record[csvColFee], err)
		}
		if !fee.IsZero() {
			entry.Fee = &fee
			entry.FeeCurrency = record[csvColAsset]
		}
	}
	return entry, nil
}
