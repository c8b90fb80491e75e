// Package amocrm provides rate-limited REST v4 access to amoCRM leads and contacts.
package amocrm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/crm-sync/internal/resilience"
)

// ErrNotFound is returned by point reads when the remote entity does not exist.
var ErrNotFound = eris.New("amocrm: not found")

// Client defines the amoCRM operations used by reconciliation.
type Client interface {
	// SearchLeadsByPhone returns every lead whose linked contact matches phone.
	SearchLeadsByPhone(ctx context.Context, cred Credential, phone string) ([]Lead, error)
	// GetLead fetches one lead with its linked contact ids.
	GetLead(ctx context.Context, cred Credential, id int64) (*Lead, error)
	// GetContact fetches one contact with its custom-field values.
	GetContact(ctx context.Context, cred Credential, id int64) (*Contact, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the per-subdomain host (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithBaseDomain sets the account domain suffix, e.g. "amocrm.ru" or "kommo.com".
func WithBaseDomain(domain string) Option {
	return func(c *httpClient) {
		if domain != "" {
			c.baseDomain = domain
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps requests per second across all accounts.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithGuard wraps every request in the given retry/circuit guard.
func WithGuard(g *resilience.Guard) Option {
	return func(c *httpClient) {
		c.guard = g
	}
}

type httpClient struct {
	baseURL    string
	baseDomain string
	http       *http.Client
	limiter    *rate.Limiter
	guard      *resilience.Guard
}

// NewClient creates an amoCRM client. Every call is bounded by the HTTP
// client's timeout.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseDomain: "amocrm.ru",
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) endpoint(cred Credential, path string) string {
	if c.baseURL != "" {
		return c.baseURL + path
	}
	return fmt.Sprintf("https://%s.%s%s", cred.Subdomain, c.baseDomain, path)
}

// get performs an authenticated GET. A nil body with nil error means the
// server answered 204 No Content.
func (c *httpClient) get(ctx context.Context, cred Credential, path string, query url.Values) ([]byte, error) {
	if cred.AccessToken == "" {
		return nil, eris.New("amocrm: missing access token")
	}
	reqURL := c.endpoint(cred, path)
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	return resilience.Call(ctx, c.guard, func(ctx context.Context) ([]byte, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "amocrm: rate limit")
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "amocrm: create request")
		}
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrapf(err, "amocrm: GET %s", path)
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "amocrm: read body")
		}

		switch {
		case resp.StatusCode == http.StatusNoContent:
			return nil, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return nil, resilience.NewTransientError(
				eris.Errorf("amocrm: status %d: %s", resp.StatusCode, truncate(body)), resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return nil, eris.Errorf("amocrm: status %d: %s", resp.StatusCode, truncate(body))
		}
		return body, nil
	})
}

func (c *httpClient) SearchLeadsByPhone(ctx context.Context, cred Credential, phone string) ([]Lead, error) {
	q := url.Values{}
	q.Set("query", phone)
	q.Set("with", "contacts")
	q.Set("limit", "50")

	body, err := c.get(ctx, cred, "/api/v4/leads", q)
	if err != nil {
		return nil, eris.Wrap(err, "amocrm: search leads")
	}
	if body == nil {
		return nil, nil
	}

	var page leadsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, eris.Wrap(err, "amocrm: decode leads")
	}
	leads := make([]Lead, 0, len(page.Embedded.Leads))
	for _, r := range page.Embedded.Leads {
		leads = append(leads, r.toLead())
	}
	return leads, nil
}

func (c *httpClient) GetLead(ctx context.Context, cred Credential, id int64) (*Lead, error) {
	q := url.Values{}
	q.Set("with", "contacts")

	body, err := c.get(ctx, cred, "/api/v4/leads/"+strconv.FormatInt(id, 10), q)
	if err != nil {
		return nil, eris.Wrapf(err, "amocrm: get lead %d", id)
	}
	if body == nil {
		return nil, ErrNotFound
	}

	var r rawLead
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, eris.Wrapf(err, "amocrm: decode lead %d", id)
	}
	lead := r.toLead()
	return &lead, nil
}

func (c *httpClient) GetContact(ctx context.Context, cred Credential, id int64) (*Contact, error) {
	body, err := c.get(ctx, cred, "/api/v4/contacts/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return nil, eris.Wrapf(err, "amocrm: get contact %d", id)
	}
	if body == nil {
		return nil, ErrNotFound
	}

	var r rawContact
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, eris.Wrapf(err, "amocrm: decode contact %d", id)
	}
	contact := r.toContact()
	return &contact, nil
}

func truncate(body []byte) string {
	const limit = 300
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}

// MostRecent picks the lead with the greatest CreatedAt, breaking ties by
// the greatest id. It returns false for an empty slice.
func MostRecent(leads []Lead) (Lead, bool) {
	if len(leads) == 0 {
		return Lead{}, false
	}
	best := leads[0]
	for _, l := range leads[1:] {
		if l.CreatedAt.After(best.CreatedAt) ||
			(l.CreatedAt.Equal(best.CreatedAt) && l.ID > best.ID) {
			best = l
		}
	}
	return best, true
}

// HydrateContacts fetches every linked contact of lead into lead.Contacts.
// Contacts that fail to load are skipped and reported through onErr.
func HydrateContacts(ctx context.Context, c Client, cred Credential, lead *Lead, onErr func(contactID int64, err error)) {
	lead.Contacts = lead.Contacts[:0]
	for _, id := range lead.ContactIDs {
		contact, err := c.GetContact(ctx, cred, id)
		if err != nil {
			if onErr != nil {
				onErr(id, err)
			}
			continue
		}
		lead.Contacts = append(lead.Contacts, *contact)
	}
}
