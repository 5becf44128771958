package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/patrickmn/go-cache"
)

// Payer is an insurance payer as known to the payer directory.
type Payer struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Onboarded bool                   `json:"onboarded"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// PayerLookup resolves payers by id.
type PayerLookup interface {
	GetPayer(ctx context.Context, payerID string) (*Payer, error)
}

// PayerClient reads payers from the payer directory service.
type PayerClient struct {
	http httpClient
}

func NewPayerClient(baseURL string, timeout time.Duration) *PayerClient {
	return &PayerClient{http: newHTTPClient("payer", baseURL, timeout)}
}

// GetPayer returns the payer. A payer the directory does not know is
// reported as not onboarded rather than as an error.
func (c *PayerClient) GetPayer(ctx context.Context, payerID string) (*Payer, error) {
	var out Payer
	err := c.http.do(ctx, http.MethodGet, "/payers/"+url.PathEscape(payerID), nil, &out)
	if errors.Is(err, ErrNotFound) {
		return &Payer{ID: payerID, Onboarded: false}, nil
	}
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = payerID
	}
	return &out, nil
}

// CachedPayerLookup memoizes successful lookups for ttl. Failures are not
// cached.
type CachedPayerLookup struct {
	next  PayerLookup
	cache *cache.Cache
}

func NewCachedPayerLookup(next PayerLookup, ttl time.Duration) *CachedPayerLookup {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedPayerLookup{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *CachedPayerLookup) GetPayer(ctx context.Context, payerID string) (*Payer, error) {
	if v, ok := c.cache.Get(payerID); ok {
		p := *v.(*Payer)
		return &p, nil
	}
	p, err := c.next.GetPayer(ctx, payerID)
	if err != nil {
		return nil, err
	}
	stored := *p
	c.cache.SetDefault(payerID, &stored)
	return p, nil
}

// Invalidate drops a cached payer.
func (c *CachedPayerLookup) Invalidate(payerID string) {
	c.cache.Delete(payerID)
}

// StaticPayerLookup answers from a fixed list of onboarded payer ids. It
// stands in for the payer directory when none is configured.
type StaticPayerLookup struct {
	onboarded map[string]bool
}

func NewStaticPayerLookup(payerIDs []string) *StaticPayerLookup {
	m := make(map[string]bool, len(payerIDs))
	for _, id := range payerIDs {
		m[id] = true
	}
	return &StaticPayerLookup{onboarded: m}
}

func (s *StaticPayerLookup) GetPayer(_ context.Context, payerID string) (*Payer, error) {
	return &Payer{ID: payerID, Name: payerID, Onboarded: s.onboarded[payerID]}, nil
}
