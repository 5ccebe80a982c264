// Package backend is the HTTP client of the Calvalus production service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bcdev/calvalus-portal/internal/model"
)

// APIError is a non-2xx answer of the backend.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend: %s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("backend: %s (%d)", e.Message, e.Status)
}

func (e *APIError) StatusCode() int { return e.Status }

func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// OrderResult is returned by OrderProduction.
type OrderResult struct {
	Production model.Production `json:"production"`
	Message    string           `json:"message,omitempty"`
}

type idsBody struct {
	IDs []string `json:"ids"`
}

type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("backend url is not configured")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	c := &Client{base: u, http: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetProductions fetches the snapshot of all productions visible with filter.
func (c *Client) GetProductions(ctx context.Context, filter string) ([]model.Production, error) {
	q := url.Values{}
	if filter != "" {
		q.Set("filter", filter)
	}
	var ps []model.Production
	if err := c.do(ctx, http.MethodGet, "productions", q, nil, &ps); err != nil {
		return nil, err
	}
	return ps, nil
}

func (c *Client) GetProduction(ctx context.Context, id string) (model.Production, error) {
	var p model.Production
	err := c.do(ctx, http.MethodGet, "productions/"+url.PathEscape(id), nil, nil, &p)
	return p, err
}

func (c *Client) OrderProduction(ctx context.Context, req *model.ProductionRequest) (OrderResult, error) {
	var res OrderResult
	err := c.do(ctx, http.MethodPost, "productions", nil, req, &res)
	return res, err
}

func (c *Client) CancelProductions(ctx context.Context, ids []string) error {
	return c.do(ctx, http.MethodPost, "productions/cancel", nil, idsBody{IDs: ids}, nil)
}

func (c *Client) DeleteProductions(ctx context.Context, ids []string) error {
	return c.do(ctx, http.MethodPost, "productions/delete", nil, idsBody{IDs: ids}, nil)
}

func (c *Client) StageProductions(ctx context.Context, ids []string) error {
	return c.do(ctx, http.MethodPost, "productions/stage", nil, idsBody{IDs: ids}, nil)
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/api/" + path
	u.RawPath = ""
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response (status %d): %w", method, path, resp.StatusCode, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	ae := &APIError{Status: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		ae.Message = fmt.Sprintf("cannot read server message: %v", err)
		return ae
	}
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
		ae.Message, ae.Code = eb.Error, eb.Code
		return ae
	}
	ae.Message = strings.TrimSpace(string(raw))
	if ae.Message == "" {
		ae.Message = http.StatusText(resp.StatusCode)
	}
	return ae
}
