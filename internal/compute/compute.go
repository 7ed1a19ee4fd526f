// Package compute resolves compute instance display names, used for the
// {instance_name} pattern variable and the VM Name tag.
package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jbweber/homelab/ddiagent/internal/cache"
	"github.com/jbweber/homelab/ddiagent/internal/log"
)

// ErrNotFound is returned when the compute service does not know the instance
var ErrNotFound = errors.New("instance not found")

// Resolver looks up the display name of an instance
type Resolver interface {
	InstanceName(ctx context.Context, instanceID string) (string, error)
}

// HTTPResolver queries a compute API for GET {url}/servers/{id}
type HTTPResolver struct {
	baseURL string
	client  *http.Client
	token   string
}

// NewHTTPResolver creates a resolver for the compute API at baseURL. token is
// sent as X-Auth-Token when set.
func NewHTTPResolver(baseURL, token string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPResolver{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		token:   token,
	}
}

type serverResponse struct {
	Server struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"server"`
}

// InstanceName implements Resolver
func (r *HTTPResolver) InstanceName(ctx context.Context, instanceID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/servers/"+url.PathEscape(instanceID), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("X-Auth-Token", r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to query instance %s: %w", instanceID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("compute api returned %s for instance %s", resp.Status, instanceID)
	}

	var body serverResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode instance %s: %w", instanceID, err)
	}
	return body.Server.Name, nil
}

// CachedResolver memoizes another resolver. Concurrent lookups of the same
// instance share one call.
type CachedResolver struct {
	inner Resolver
	names *cache.TTL[string, string]
	group singleflight.Group
}

// NewCachedResolver wraps inner with names as the memo
func NewCachedResolver(inner Resolver, names *cache.TTL[string, string]) *CachedResolver {
	return &CachedResolver{inner: inner, names: names}
}

// InstanceName implements Resolver
func (r *CachedResolver) InstanceName(ctx context.Context, instanceID string) (string, error) {
	if name, ok := r.names.Get(instanceID); ok {
		return name, nil
	}
	v, err, shared := r.group.Do(instanceID, func() (interface{}, error) {
		name, err := r.inner.InstanceName(ctx, instanceID)
		if err != nil {
			return "", err
		}
		r.names.Set(instanceID, name)
		return name, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		log.G(ctx).WithField("instance_id", instanceID).Debug("shared instance name lookup")
	}
	return v.(string), nil
}

// Static resolves names from a fixed map. Unknown instances are not found.
type Static map[string]string

// InstanceName implements Resolver
func (s Static) InstanceName(ctx context.Context, instanceID string) (string, error) {
	if name, ok := s[instanceID]; ok {
		return name, nil
	}
	return "", fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
}
