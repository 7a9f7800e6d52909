package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"condorbot/internal/models"
)

const defaultRequestTimeout = 30 * time.Second

// APIClient is the REST implementation of Broker against a Tradier-style
// brokerage API.
type APIClient struct {
	client    *http.Client
	apiKey    string
	baseURL   string
	accountID string
	log       *logrus.Logger
}

// NewAPIClient creates a broker client. An empty baseURL selects the
// production endpoint.
func NewAPIClient(apiKey, accountID, baseURL string, log *logrus.Logger) *APIClient {
	if baseURL == "" {
		baseURL = "https://api.tradier.com/v1"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &APIClient{
		client:    &http.Client{Timeout: defaultRequestTimeout},
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		log:       log,
	}
}

// WithHTTPClient replaces the underlying HTTP client. Used by tests.
func (c *APIClient) WithHTTPClient(hc *http.Client) *APIClient {
	if hc != nil {
		c.client = hc
	}
	return c
}

// WithTimeout sets the per-request timeout.
func (c *APIClient) WithTimeout(d time.Duration) *APIClient {
	if d > 0 {
		c.client.Timeout = d
	}
	return c
}

// singleOrArray handles API fields that are an object for one element and an
// array for many.
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == `"null"` {
		*s = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var arr []T
		if err := json.Unmarshal(data, &arr); err != nil {
			return err
		}
		*s = arr
		return nil
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*s = []T{one}
	return nil
}

type orderEnvelope struct {
	Order struct {
		ID           json.Number `json:"id"`
		Status       string      `json:"status"`
		FilledQty    float64     `json:"exec_quantity"`
		AvgFillPrice float64     `json:"avg_fill_price"`
		ReasonDesc   string      `json:"reason_description"`
	} `json:"order"`
	Errors struct {
		Error singleOrArray[string] `json:"error"`
	} `json:"errors"`
}

type quotesEnvelope struct {
	Quotes struct {
		Quote singleOrArray[struct {
			Symbol string  `json:"symbol"`
			Bid    float64 `json:"bid"`
			Ask    float64 `json:"ask"`
		}] `json:"quote"`
	} `json:"quotes"`
}

type positionsEnvelope struct {
	Positions struct {
		Position singleOrArray[struct {
			Symbol    string  `json:"symbol"`
			Quantity  float64 `json:"quantity"`
			CostBasis float64 `json:"cost_basis"`
		}] `json:"position"`
	} `json:"positions"`
}

type balancesEnvelope struct {
	Balances struct {
		TotalCash   float64 `json:"total_cash"`
		TotalEquity float64 `json:"total_equity"`
	} `json:"balances"`
}

// SubmitLegOrder submits one leg order and classifies the outcome. A non-nil
// error always accompanies SubmitUnknown; accepted and rejected outcomes are
// definitive and return a nil error.
func (c *APIClient) SubmitLegOrder(ctx context.Context, order LegOrder) (SubmitResult, error) {
	params := url.Values{}
	params.Set("class", "option")
	params.Set("symbol", order.Instrument.Symbol)
	params.Set("option_symbol", order.Instrument.OCC())
	params.Set("side", order.tradierSide())
	params.Set("quantity", strconv.Itoa(order.Quantity))
	params.Set("duration", "day")
	if order.LimitPrice > 0 {
		params.Set("type", "limit")
		params.Set("price", fmt.Sprintf("%.2f", order.LimitPrice))
	} else {
		params.Set("type", "market")
	}
	if order.Tag != "" {
		params.Set("tag", order.Tag)
	}

	var resp orderEnvelope
	endpoint := fmt.Sprintf("%s/accounts/%s/orders", c.baseURL, c.accountID)
	err := c.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &resp)
	if err != nil {
		if isDefinitiveRejection(err) {
			return SubmitResult{Status: SubmitRejected, Reason: err.Error()}, nil
		}
		return SubmitResult{Status: SubmitUnknown, Raw: err.Error()}, err
	}

	if len(resp.Errors.Error) > 0 {
		return SubmitResult{Status: SubmitRejected, Reason: strings.Join(resp.Errors.Error, "; ")}, nil
	}
	id := resp.Order.ID.String()
	if id == "" || id == "0" {
		err := fmt.Errorf("order response carried no order id (status %q)", resp.Order.Status)
		return SubmitResult{Status: SubmitUnknown, Raw: err.Error()}, err
	}
	return SubmitResult{Status: SubmitAccepted, OrderID: id}, nil
}

// GetOrderStatus returns the broker's view of one order.
func (c *APIClient) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	var resp orderEnvelope
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", c.baseURL, c.accountID, url.PathEscape(orderID))
	if err := c.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &OrderStatus{
		OrderID:      resp.Order.ID.String(),
		State:        resp.Order.Status,
		FilledQty:    int(resp.Order.FilledQty),
		AvgFillPrice: resp.Order.AvgFillPrice,
	}, nil
}

// CancelOrder cancels a pending order. Cancelling an already-terminal order
// is not an error.
func (c *APIClient) CancelOrder(ctx context.Context, orderID string) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", c.baseURL, c.accountID, url.PathEscape(orderID))
	var resp orderEnvelope
	return c.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, &resp)
}

// GetLegQuote returns a two-sided market for one contract.
func (c *APIClient) GetLegQuote(ctx context.Context, inst models.Instrument) (*LegQuote, error) {
	occ := inst.OCC()
	var resp quotesEnvelope
	endpoint := fmt.Sprintf("%s/markets/quotes?symbols=%s&greeks=false", c.baseURL, url.QueryEscape(occ))
	if err := c.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	for _, q := range resp.Quotes.Quote {
		if q.Symbol == occ {
			return &LegQuote{Symbol: q.Symbol, Bid: q.Bid, Ask: q.Ask}, nil
		}
	}
	return nil, fmt.Errorf("no quote returned for %s", occ)
}

// GetUnderlyingQuote returns a two-sided market for the underlying symbol.
func (c *APIClient) GetUnderlyingQuote(ctx context.Context, symbol string) (*LegQuote, error) {
	var resp quotesEnvelope
	endpoint := fmt.Sprintf("%s/markets/quotes?symbols=%s&greeks=false", c.baseURL, url.QueryEscape(symbol))
	if err := c.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	for _, q := range resp.Quotes.Quote {
		if q.Symbol == symbol {
			return &LegQuote{Symbol: q.Symbol, Bid: q.Bid, Ask: q.Ask}, nil
		}
	}
	return nil, fmt.Errorf("no quote returned for %s", symbol)
}

// GetOpenLegs returns every open option leg in the account. Positive broker
// quantities are long legs, negative are short.
func (c *APIClient) GetOpenLegs(ctx context.Context) ([]BrokerLeg, error) {
	var resp positionsEnvelope
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", c.baseURL, c.accountID)
	if err := c.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	legs := make([]BrokerLeg, 0, len(resp.Positions.Position))
	for _, p := range resp.Positions.Position {
		qty := int(p.Quantity)
		side := models.SideBuy
		if qty < 0 {
			side = models.SideSell
			qty = -qty
		}
		if qty == 0 {
			continue
		}
		legs = append(legs, BrokerLeg{
			Symbol:    p.Symbol,
			Side:      side,
			Quantity:  qty,
			CostBasis: p.CostBasis,
		})
	}
	return legs, nil
}

// GetAccountBalance returns total account equity.
func (c *APIClient) GetAccountBalance(ctx context.Context) (float64, error) {
	var resp balancesEnvelope
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", c.baseURL, c.accountID)
	if err := c.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return 0, err
	}
	if resp.Balances.TotalEquity > 0 {
		return resp.Balances.TotalEquity, nil
	}
	return resp.Balances.TotalCash, nil
}

// makeRequestCtx issues an HTTP request and decodes the JSON response.
// Non-2xx statuses become *APIError with the capped response body.
func (c *APIClient) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+c.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "condorbot/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.WithError(cerr).Warn("failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if rerr != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
