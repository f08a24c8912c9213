// Package consent issues claim templates that send a user through the
// external proof service and back to the registry's callback endpoint.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnknownProvider = errors.New("unknown consent provider")
	ErrNoProviders     = errors.New("at least one provider request is required")
	ErrNoCallbackID    = errors.New("callback id required")
)

type ProviderRequest struct {
	Provider string            `json:"provider"`
	Params   map[string]string `json:"params"`
}

type TemplateClaim struct {
	TemplateClaimID string            `json:"templateClaimId"`
	Provider        string            `json:"provider"`
	Payload         map[string]string `json:"payload"`
}

type Template struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	CallbackURL string          `json:"callbackUrl"`
	Claims      []TemplateClaim `json:"claims"`
	URL         string          `json:"-"`
}

// Service is the consent API the registry consumes.
type Service interface {
	GetConsent(ctx context.Context, appName string, requests []ProviderRequest, opts ...ConnectionOption) (Connection, error)
}

type Connection interface {
	GenerateTemplate(ctx context.Context, callbackID string) (Template, error)
}

type ConnectionOption func(*connection)

// WithCallbackURL overrides the callback URL embedded in generated templates.
func WithCallbackURL(u string) ConnectionOption {
	return func(c *connection) { c.callbackURL = u }
}

type Client struct {
	templateBaseURL string
	callbackURL     string
	catalog         Catalog
}

func NewClient(templateBaseURL, callbackURL string, catalog Catalog) *Client {
	return &Client{
		templateBaseURL: templateBaseURL,
		callbackURL:     callbackURL,
		catalog:         catalog,
	}
}

func (c *Client) Catalog() Catalog {
	return c.catalog
}

func (c *Client) GetConsent(ctx context.Context, appName string, requests []ProviderRequest, opts ...ConnectionOption) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, ErrNoProviders
	}

	resolved := make([]ProviderRequest, 0, len(requests))
	for _, req := range requests {
		provider, ok := c.catalog.Lookup(req.Provider)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, req.Provider)
		}
		params := make(map[string]string, len(provider.Params)+len(req.Params))
		for k, v := range provider.Params {
			params[k] = v
		}
		for k, v := range req.Params {
			params[k] = v
		}
		resolved = append(resolved, ProviderRequest{Provider: provider.Name, Params: params})
	}

	conn := &connection{
		appName:         appName,
		requests:        resolved,
		templateBaseURL: c.templateBaseURL,
		callbackURL:     c.callbackURL,
	}
	for _, opt := range opts {
		opt(conn)
	}
	return conn, nil
}

type connection struct {
	appName         string
	requests        []ProviderRequest
	templateBaseURL string
	callbackURL     string
}

func (c *connection) GenerateTemplate(ctx context.Context, callbackID string) (Template, error) {
	if err := ctx.Err(); err != nil {
		return Template{}, err
	}
	if strings.TrimSpace(callbackID) == "" {
		return Template{}, ErrNoCallbackID
	}

	tmpl := Template{
		ID:          callbackID,
		Name:        c.appName,
		CallbackURL: c.callbackURL,
		Claims:      make([]TemplateClaim, 0, len(c.requests)),
	}
	for _, req := range c.requests {
		tmpl.Claims = append(tmpl.Claims, TemplateClaim{
			TemplateClaimID: uuid.New().String(),
			Provider:        req.Provider,
			Payload:         req.Params,
		})
	}

	encoded, err := json.Marshal(tmpl)
	if err != nil {
		return Template{}, fmt.Errorf("encoding template: %w", err)
	}

	link, err := url.Parse(c.templateBaseURL)
	if err != nil {
		return Template{}, fmt.Errorf("invalid template base url: %w", err)
	}
	q := link.Query()
	q.Set("template", string(encoded))
	link.RawQuery = q.Encode()
	tmpl.URL = link.String()

	return tmpl, nil
}
