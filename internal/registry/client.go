package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/angelmondragon/fleetpulse-inbound/pkg/auth"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/config"
	pkgerrors "github.com/angelmondragon/fleetpulse-inbound/pkg/errors"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/logger"
	"github.com/google/uuid"
)

var (
	errBaseURLRequired = errors.New("registry base url is required")
	errLoggerRequired  = errors.New("registry logger is required")
)

// HTTPClient talks to the platform device-registry service. Request
// timeouts are enforced here; callers get no retries.
type HTTPClient struct {
	http      *http.Client
	baseURL   string
	authToken string
	logg      *logger.Logger
}

// NewHTTPClient validates the configuration and builds a registry client.
func NewHTTPClient(cfg config.RegistryConfig, logg *logger.Logger) (*HTTPClient, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errBaseURLRequired
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parsing registry base url: %w", err)
	}
	return &HTTPClient{
		http:      &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:   base,
		authToken: strings.TrimSpace(cfg.AuthToken),
		logg:      logg,
	}, nil
}

// DeviceByToken resolves a device identity. A 404 yields (nil, nil).
func (c *HTTPClient) DeviceByToken(ctx context.Context, token string) (*DeviceIdentity, error) {
	endpoint := fmt.Sprintf("%s/api/devices/%s", c.baseURL, url.PathEscape(token))

	var identity DeviceIdentity
	found, err := c.getJSON(ctx, endpoint, &identity)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &identity, nil
}

// ActiveAssignments resolves the full active assignment records for a device.
func (c *HTTPClient) ActiveAssignments(ctx context.Context, deviceID uuid.UUID) ([]ActiveAssignment, error) {
	endpoint := fmt.Sprintf("%s/api/devices/%s/assignments?status=active", c.baseURL, deviceID)

	var assignments []ActiveAssignment
	found, err := c.getJSON(ctx, endpoint, &assignments)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("device %s not found during assignment lookup", deviceID))
	}
	return assignments, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, endpoint string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build registry request")
	}
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if principal, ok := auth.PrincipalFrom(ctx); ok {
		req.Header.Set("X-Actor-Subject", principal.Subject)
		if principal.Tenant != "" {
			req.Header.Set("X-Actor-Tenant", principal.Tenant)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "registry unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 300:
		return false, pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("registry returned status %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode registry response")
	}
	return true, nil
}
