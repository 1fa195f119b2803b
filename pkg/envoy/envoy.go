// Package envoy implements a client for the local API of an Enphase Envoy
// gateway. Local calls require a bearer token issued by the Enphase cloud,
// which the client fetches on first use and caches for as long as the
// gateway keeps accepting it.
package envoy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/envoymon/envoymon/pkg/common"
	"github.com/envoymon/envoymon/pkg/log"
	"github.com/levenlabs/go-lflag"
)

const (
	defaultLoginURL = "https://enlighten.enphaseenergy.com/login/login.json"
	defaultTokenURL = "https://entrez.enphaseenergy.com/tokens"

	cloudTimeout  = 30 * time.Second
	deviceTimeout = 15 * time.Second
)

var (
	// ErrCloudLogin means the Enlighten cloud rejected the account credentials.
	ErrCloudLogin = errors.New("enlighten login failed")
	// ErrTokenIssuance means the token service refused to issue a gateway token.
	ErrTokenIssuance = errors.New("token issuance failed")
	// ErrMalformedResponse means a cloud response could not be parsed.
	ErrMalformedResponse = errors.New("malformed enlighten response")
	// ErrUnauthorized means the gateway rejected the token even after
	// re-authenticating.
	ErrUnauthorized = errors.New("gateway rejected token")
)

// Client talks to a single Envoy gateway on the local network.
// It is safe for concurrent use.
type Client struct {
	address  string
	username string
	password string
	serial   string

	loginURL string
	tokenURL string

	cloud  *http.Client
	device *http.Client

	mu          sync.RWMutex
	tokenStr    string
	tokenExpiry time.Time
}

// Option overrides a default on the Client, mainly for tests.
type Option func(*Client)

// WithLoginURL overrides the Enlighten login endpoint.
func WithLoginURL(u string) Option {
	return func(c *Client) { c.loginURL = u }
}

// WithTokenURL overrides the token issuance endpoint.
func WithTokenURL(u string) Option {
	return func(c *Client) { c.tokenURL = u }
}

// New returns a Client for the gateway at address (host or host:port).
func New(address, username, password, serial string, opts ...Option) *Client {
	c := &Client{
		address:  address,
		username: username,
		password: password,
		serial:   serial,
		loginURL: defaultLoginURL,
		tokenURL: defaultTokenURL,
		cloud:    common.HTTPClient(cloudTimeout),
		// the gateway serves a self-signed certificate
		device: common.InsecureHTTPClient(deviceTimeout),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns a Client whose fields are filled from flags once
// lflag.Configure runs. When no address is given the gateway is discovered
// over mDNS.
func Configured() *Client {
	c := New("", "", "", "")

	address := lflag.String("envoy-address", "", "Host or host:port of the Envoy gateway (empty to discover via mDNS)")
	serial := lflag.RequiredString("envoy-serial", "Serial number of the Envoy gateway")
	username := lflag.String("envoy-username", os.Getenv("ENVOY_USERNAME"), "Enphase account email (defaults to $ENVOY_USERNAME)")
	password := lflag.String("envoy-password", os.Getenv("ENVOY_PASSWORD"), "Enphase account password (defaults to $ENVOY_PASSWORD)")

	lflag.Do(func() {
		c.address = *address
		c.serial = *serial
		c.username = *username
		c.password = *password
		if c.username == "" || c.password == "" {
			panic("envoy-username and envoy-password are required (or set $ENVOY_USERNAME/$ENVOY_PASSWORD)")
		}
		if c.address == "" {
			addr, err := Discover(discoverTimeout)
			if err != nil {
				panic(fmt.Sprintf("failed to discover envoy gateway: %v", err))
			}
			ctx := context.Background()
			log.Ctx(ctx).InfoContext(ctx, "discovered envoy gateway", slog.String("address", addr))
			c.address = addr
		}
	})

	return c
}

// ProductionWatts returns the watts the whole system is currently producing,
// as measured by the gateway's production meter.
func (c *Client) ProductionWatts(ctx context.Context) (float64, error) {
	var res meterReport
	if err := c.get(ctx, "/ivp/meters/reports/production", &res); err != nil {
		return 0, err
	}
	return res.Cumulative.CurrentWatts, nil
}

// InverterProductionWatts returns the last reported output of every
// microinverter the gateway knows about. An empty list just means no
// inverter has reported yet.
func (c *Client) InverterProductionWatts(ctx context.Context) ([]InverterProduction, error) {
	var res []InverterProduction
	if err := c.get(ctx, "/api/v1/production/inverters", &res); err != nil {
		return nil, err
	}
	return res, nil
}

// LifetimeWattHours returns the total watt hours produced over the lifetime
// of the system. The gateway reports production per source type; a missing
// inverters entry means nothing was produced yet, not an error.
func (c *Client) LifetimeWattHours(ctx context.Context) (float64, error) {
	var res productionReport
	if err := c.get(ctx, "/production.json", &res); err != nil {
		return 0, err
	}
	for _, src := range res.Production {
		if src.Type == "inverters" {
			return src.LifetimeWattHours, nil
		}
	}
	return 0, nil
}

// token returns the cached gateway token, authenticating against the cloud
// when the cache is empty or the token is past its exp claim. The write
// lock is held across the exchange so racing callers cause a single login.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok, exp := c.tokenStr, c.tokenExpiry
	c.mu.RUnlock()
	if tokenValid(tok, exp) {
		return tok, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// another caller might have finished authenticating while we waited
	if tokenValid(c.tokenStr, c.tokenExpiry) {
		return c.tokenStr, nil
	}
	tok, err := c.authenticate(ctx)
	if err != nil {
		return "", err
	}
	c.tokenStr = tok
	c.tokenExpiry = tokenExpiry(tok)
	return tok, nil
}

// tokenValid reports whether a cached token can still be presented. A zero
// expiry means the token did not parse as a JWT and never expires locally.
func tokenValid(tok string, exp time.Time) bool {
	if tok == "" {
		return false
	}
	return exp.IsZero() || time.Now().Before(exp)
}

// invalidateToken clears the cache only if it still holds the rejected
// token, so a fresher token stored by a concurrent caller survives.
func (c *Client) invalidateToken(old string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokenStr == old {
		c.tokenStr = ""
		c.tokenExpiry = time.Time{}
	}
}

func (c *Client) get(ctx context.Context, path string, dest interface{}) error {
	// we try up to 2 times because the gateway might have expired our token
	for i := 0; i < 2; i++ {
		tok, err := c.token(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, "GET", "https://"+c.address+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := c.device.Do(req)
		if err != nil {
			return err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			if i == 0 {
				log.Ctx(ctx).DebugContext(ctx, "gateway rejected token, re-authenticating", slog.String("path", path))
				c.invalidateToken(tok)
				continue
			}
			return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("status %d from %s", resp.StatusCode, path)
		}

		if err := json.Unmarshal(body, dest); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decode gateway response", slog.String("path", path), slog.Any("error", err))
			return fmt.Errorf("failed to decode %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// Wire formats of the local gateway endpoints.

// InverterProduction is one microinverter's last report.
type InverterProduction struct {
	SerialNumber    string  `json:"serialNumber"`
	LastReportWatts float64 `json:"lastReportWatts"`
}

type meterReport struct {
	Cumulative cumulativeReport `json:"cumulative"`
}

type cumulativeReport struct {
	CurrentWatts float64 `json:"currW"`
}

type productionReport struct {
	Production []productionSource `json:"production"`
}

type productionSource struct {
	Type              string  `json:"type"`
	LifetimeWattHours float64 `json:"whLifetime"`
}
