// Package wapi implements directory.Backend over the JSON web API exposed by
// DDI appliances.
package wapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/log"
)

// DefaultVersion is the API version used when none is configured
const DefaultVersion = "v2.7"

// Config holds connection settings for the appliance
type Config struct {
	URL      string
	Version  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client talks to one appliance
type Client struct {
	base     string
	username string
	password string
	http     *http.Client
}

// NewClient creates a client for cfg
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("wapi url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid wapi url: %w", err)
	}
	version := cfg.Version
	if version == "" {
		version = DefaultVersion
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		base:     strings.TrimRight(cfg.URL, "/") + "/wapi/" + version + "/",
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

func filterKind(kind directory.Kind, filter directory.Filter) string {
	switch kind {
	case directory.KindNetwork:
		if isV6CIDR(filter["network"]) {
			return "ipv6network"
		}
	case directory.KindRange:
		if isV6(filter["start_addr"]) {
			return "ipv6range"
		}
	}
	return string(kind)
}

// FindObjects returns every object of kind matching filter
func (c *Client) FindObjects(ctx context.Context, kind directory.Kind, filter directory.Filter) ([]*directory.Object, error) {
	q := url.Values{}
	for k, v := range filter {
		switch k {
		case "ipaddr":
			if isV6(v) {
				k = "ipv6addr"
			} else {
				k = "ipv4addr"
			}
		case "name":
			if kind == directory.KindZone {
				k = "fqdn"
			}
		}
		q.Set(k, v)
	}
	q.Set("_return_fields+", returnFields(kind))

	var wire []wireObject
	if err := c.do(ctx, http.MethodGet, filterKind(kind, filter)+"?"+q.Encode(), nil, &wire); err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", kind, err)
	}
	out := make([]*directory.Object, 0, len(wire))
	for i := range wire {
		out = append(out, decode(kind, &wire[i]))
	}
	return out, nil
}

// GetObject returns the first object matching filter, or nil
func (c *Client) GetObject(ctx context.Context, kind directory.Kind, filter directory.Filter) (*directory.Object, error) {
	objs, err := c.FindObjects(ctx, kind, filter)
	if err != nil || len(objs) == 0 {
		return nil, err
	}
	return objs[0], nil
}

// CreateObject creates payload and returns the stored object
func (c *Client) CreateObject(ctx context.Context, kind directory.Kind, payload *directory.Object) (*directory.Object, error) {
	path := wireKind(kind, payload) + "?_return_fields+=" + url.QueryEscape(returnFields(kind))
	var wire wireObject
	if err := c.do(ctx, http.MethodPost, path, encode(kind, payload), &wire); err != nil {
		return nil, fmt.Errorf("failed to create %s %q: %w", kind, payload.Name, err)
	}
	return decode(kind, &wire), nil
}

// UpdateObject replaces the writable fields of the object at ref
func (c *Client) UpdateObject(ctx context.Context, kind directory.Kind, ref string, payload *directory.Object) (*directory.Object, error) {
	body := encode(kind, payload)
	// references and the view an object lives in are immutable
	body.Ref, body.View, body.NetworkView = "", "", ""

	path := ref + "?_return_fields+=" + url.QueryEscape(returnFields(kind))
	var wire wireObject
	if err := c.do(ctx, http.MethodPut, path, body, &wire); err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", ref, err)
	}
	return decode(kind, &wire), nil
}

// DeleteObject deletes the object at ref
func (c *Client) DeleteObject(ctx context.Context, kind directory.Kind, ref string) error {
	if err := c.do(ctx, http.MethodDelete, ref, nil, nil); err != nil {
		return fmt.Errorf("failed to delete %s: %w", ref, err)
	}
	return nil
}

type apiError struct {
	Error string `json:"Error"`
	Code  string `json:"code"`
	Text  string `json:"text"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.G(ctx).WithError(err).Debug("failed to close response body")
		}
	}()
	log.G(ctx).WithField("method", method).WithField("status", resp.StatusCode).
		WithField("duration", time.Since(start)).Debug("wapi request")

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return classify(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// classify maps an appliance error onto the directory sentinels
func classify(status int, raw []byte) error {
	var e apiError
	_ = json.Unmarshal(raw, &e)
	text := e.Text
	if text == "" {
		text = strings.TrimSpace(string(raw))
	}

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", text, directory.ErrNotFound)
	case strings.Contains(text, "already exists"), strings.Contains(e.Code, "Conflict"):
		return fmt.Errorf("%s: %w", text, directory.ErrConflict)
	case strings.Contains(text, "No IP address available"), strings.Contains(text, "Cannot find 1 available IP"):
		return fmt.Errorf("%s: %w", text, directory.ErrExhausted)
	}
	return fmt.Errorf("wapi returned %d: %s", status, text)
}
