// Package advisor queries the external trade-advisor service for entry
// signals. The advisor is advisory only: every response is re-checked
// against local risk limits before an order is placed.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"condorbot/internal/governor"
)

// Action is the advisor's verdict for a symbol.
type Action string

const (
	// ActionTrade suggests entering a position.
	ActionTrade Action = "trade"
	// ActionSkip suggests doing nothing this cycle.
	ActionSkip Action = "skip"
)

// Advice is one advisor response. Anything unparseable degrades to a skip;
// the advisor can never force a trade through a malformed payload.
type Advice struct {
	Action           Action  `json:"action"`
	Confidence       float64 `json:"confidence"`
	SuggestedSizePct float64 `json:"suggested_size_pct"`
	Reason           string  `json:"reason,omitempty"`
}

// Advisor produces entry advice for a symbol.
type Advisor interface {
	GetAdvice(ctx context.Context, symbol string) (*Advice, error)
}

// HTTPAdvisor calls a REST advisor endpoint. Requests draw from the shared
// governor budget at scan priority and responses are cached per symbol.
type HTTPAdvisor struct {
	client  *http.Client
	baseURL string
	gov     *governor.Governor
	log     *logrus.Logger
}

// NewHTTPAdvisor creates an advisor client.
func NewHTTPAdvisor(baseURL string, gov *governor.Governor, log *logrus.Logger) *HTTPAdvisor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HTTPAdvisor{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		gov:     gov,
		log:     log,
	}
}

// WithHTTPClient replaces the underlying HTTP client. Used by tests.
func (a *HTTPAdvisor) WithHTTPClient(hc *http.Client) *HTTPAdvisor {
	if hc != nil {
		a.client = hc
	}
	return a
}

// GetAdvice fetches advice for symbol. A governor timeout surfaces as
// governor.ErrTimedOut so the caller can skip the cycle cleanly.
func (a *HTTPAdvisor) GetAdvice(ctx context.Context, symbol string) (*Advice, error) {
	key := governor.CacheKey("advice", symbol)
	if v, ok := a.gov.Cache().Get(key); ok {
		return v.(*Advice), nil
	}

	grant, err := a.gov.Acquire(ctx, governor.PriorityScan)
	if err != nil {
		return nil, err
	}
	advice, err := a.fetch(ctx, symbol)
	grant.Report(err == nil, isRateLimited(err))
	if err != nil {
		return nil, err
	}

	a.gov.Cache().Put(key, advice)
	return advice, nil
}

func (a *HTTPAdvisor) fetch(ctx context.Context, symbol string) (*Advice, error) {
	endpoint := fmt.Sprintf("%s/advice?symbol=%s", a.baseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, &statusError{status: resp.StatusCode, body: string(body)}
	}

	var advice Advice
	if err := json.NewDecoder(resp.Body).Decode(&advice); err != nil {
		a.log.WithError(err).WithField("symbol", symbol).Warn("malformed advisor response, treating as skip")
		return &Advice{Action: ActionSkip, Reason: "malformed advisor response"}, nil
	}
	if advice.Action != ActionTrade && advice.Action != ActionSkip {
		a.log.WithField("action", advice.Action).WithField("symbol", symbol).
			Warn("unknown advisor action, treating as skip")
		return &Advice{Action: ActionSkip, Reason: fmt.Sprintf("unknown action %q", advice.Action)}, nil
	}
	return &advice, nil
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("advisor returned %d: %s", e.status, e.body)
}

func isRateLimited(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.status == http.StatusTooManyRequests
}

// MockAdvisor is a scriptable Advisor for tests.
type MockAdvisor struct {
	Advice *Advice
	Err    error
	Calls  int
}

// GetAdvice returns the scripted advice or error.
func (m *MockAdvisor) GetAdvice(context.Context, string) (*Advice, error) {
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Advice == nil {
		return &Advice{Action: ActionSkip}, nil
	}
	return m.Advice, nil
}

var _ Advisor = (*HTTPAdvisor)(nil)
var _ Advisor = (*MockAdvisor)(nil)
