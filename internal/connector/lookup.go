// Package connector implements the relay's outbound HTTP dependency: the
// server-data lookup that tells a client which backend to connect to.
package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaygate-project/relaygate/internal/config"
	"github.com/relaygate-project/relaygate/internal/metrics"
	"github.com/relaygate-project/relaygate/internal/protocol"
)

// ErrLookupFailed wraps every lookup failure: transport errors, non-200
// responses and bodies missing the backend address.
var ErrLookupFailed = errors.New("backend lookup failed")

const maxLookupBody = 64 << 10

// Backend is a resolved lookup response.
type Backend struct {
	Host string
	Port int
	Meta string

	// Record is the parsed response. Raw is the body as received, kept so
	// the bootstrap endpoint can echo the lines the relay does not rewrite.
	Record *protocol.Record
	Raw    []byte
}

// Addr returns host:port.
func (b *Backend) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Resolver resolves the backend for a new session.
type Resolver interface {
	Lookup(ctx context.Context) (*Backend, error)
}

// LookupClient queries the server-data endpoint over HTTPS.
type LookupClient struct {
	cfg     config.UpstreamConfig
	client  *http.Client
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// baseURL overrides the scheme and authority, used by tests.
	baseURL string
}

// NewLookupClient creates a lookup client. m may be nil.
func NewLookupClient(cfg config.UpstreamConfig, m *metrics.Metrics) *LookupClient {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &LookupClient{
		cfg:     cfg,
		metrics: m,
		logger:  log.With().Str("component", "lookup").Logger(),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    4,
				IdleConnTimeout: 90 * time.Second,
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: cfg.InsecureTLS,
					ServerName:         cfg.HostHeader,
				},
			},
		},
	}
}

// endpoint returns the lookup URL. A pinned LookupAddress replaces the host
// while the Host header keeps the public name.
func (c *LookupClient) endpoint() string {
	if c.baseURL != "" {
		return strings.TrimRight(c.baseURL, "/") + c.cfg.LookupPath
	}

	host := c.cfg.LookupHost
	if c.cfg.LookupAddress != "" {
		host = c.cfg.LookupAddress
	}
	return "https://" + host + c.cfg.LookupPath
}

// requestBody returns the form body in the field order the game client uses.
// url.Values.Encode would sort the keys.
func (c *LookupClient) requestBody() string {
	return fmt.Sprintf("version=%s&platform=%s&protocol=%d",
		url.QueryEscape(c.cfg.Version), url.QueryEscape(c.cfg.Platform), c.cfg.Protocol)
}

// Lookup performs one lookup.
func (c *LookupClient) Lookup(ctx context.Context) (*Backend, error) {
	start := time.Now()
	backend, err := c.lookup(ctx)
	c.metrics.ObserveLookup(time.Since(start), err)

	if err != nil {
		c.logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("lookup failed")
		return nil, err
	}

	c.logger.Debug().
		Str("backend", backend.Addr()).
		Dur("elapsed", time.Since(start)).
		Msg("lookup resolved")
	return backend, nil
}

func (c *LookupClient) lookup(ctx context.Context) (*Backend, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), strings.NewReader(c.requestBody()))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrLookupFailed, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.HostHeader != "" {
		req.Host = c.cfg.HostHeader
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLookupBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrLookupFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrLookupFailed, resp.StatusCode)
	}

	return ParseBackend(body)
}

// ParseBackend extracts the backend from a lookup body. Lines without a
// separator are ignored and carriage returns stripped.
func ParseBackend(body []byte) (*Backend, error) {
	rec := protocol.DecodeRecordLoose(body)

	host, ok := rec.Get("server")
	host = strings.TrimSpace(host)
	if !ok || host == "" {
		return nil, fmt.Errorf("%w: response has no server", ErrLookupFailed)
	}

	portStr, _ := rec.Get("port")
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %q", ErrLookupFailed, portStr)
	}

	meta, _ := rec.Get("meta")

	return &Backend{
		Host:   host,
		Port:   port,
		Meta:   meta,
		Record: rec,
		Raw:    body,
	}, nil
}
