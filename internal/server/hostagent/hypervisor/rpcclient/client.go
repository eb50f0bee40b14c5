package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor"
)

// ErrDisabled indicates the client has no endpoint configured.
var ErrDisabled = errors.New("hypervisor client disabled")

// APIError captures error responses returned by the hypervisor daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("hypervisor returned status %d", e.Status)
}

// Unwrap lets callers match a missing domain with errors.Is.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return hypervisor.ErrVMNotFound
	}
	return nil
}

// Client talks to one hypervisor daemon over HTTP/JSON.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

var _ hypervisor.Client = (*Client)(nil)

// New creates a configured client.
func New(endpoint, token string, client *http.Client) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, ErrDisabled
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse hypervisor endpoint: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("hypervisor endpoint must include scheme and host")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	base := *parsed
	base.Path = strings.TrimRight(parsed.Path, "/")
	return &Client{baseURL: &base, token: strings.TrimSpace(token), httpClient: client}, nil
}

// Endpoint returns the base URL the client talks to.
func (c *Client) Endpoint() string {
	return c.baseURL.String()
}

func (c *Client) ListVMs(ctx context.Context) ([]hypervisor.VMConfig, error) {
	var out []hypervisor.VMConfig
	if err := c.call(ctx, http.MethodGet, "/v1/vms", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) HostIdentity(ctx context.Context) (hypervisor.HostIdentity, error) {
	var out hypervisor.HostIdentity
	if err := c.call(ctx, http.MethodGet, "/v1/host", nil, &out); err != nil {
		return hypervisor.HostIdentity{}, err
	}
	return out, nil
}

func (c *Client) TakeOwnership(ctx context.Context, ownerID string) error {
	return c.call(ctx, http.MethodPost, "/v1/host/ownership", hypervisor.OwnershipRequest{OwnerID: ownerID}, nil)
}

func (c *Client) CreateVM(ctx context.Context, poolID string, def hypervisor.VMDefinition) error {
	return c.call(ctx, http.MethodPost, "/v1/vms", hypervisor.CreateVMRequest{PoolID: poolID, Definition: def}, nil)
}

func (c *Client) StartVM(ctx context.Context, poolID, name string) error {
	return c.call(ctx, http.MethodPost, vmPath(name, "start"), hypervisor.VMActionRequest{PoolID: poolID}, nil)
}

func (c *Client) StopVM(ctx context.Context, poolID, name string) error {
	return c.call(ctx, http.MethodPost, vmPath(name, "stop"), hypervisor.VMActionRequest{PoolID: poolID}, nil)
}

func (c *Client) RebootVM(ctx context.Context, poolID, name string) (int, error) {
	var out hypervisor.VNCPortResponse
	if err := c.call(ctx, http.MethodPost, vmPath(name, "reboot"), hypervisor.VMActionRequest{PoolID: poolID}, &out); err != nil {
		return 0, err
	}
	return out.VNCPort, nil
}

func (c *Client) DeleteVM(ctx context.Context, poolID, name string) error {
	suffix := vmPath(name, "")
	if poolID != "" {
		suffix += "?pool_id=" + url.QueryEscape(poolID)
	}
	return c.call(ctx, http.MethodDelete, suffix, nil, nil)
}

func (c *Client) MigrateVM(ctx context.Context, poolID, name, destIP string) error {
	return c.call(ctx, http.MethodPost, vmPath(name, "migrate"), hypervisor.VMActionRequest{PoolID: poolID, DestIP: destIP}, nil)
}

func (c *Client) VNCPort(ctx context.Context, name string) (int, error) {
	var out hypervisor.VNCPortResponse
	if err := c.call(ctx, http.MethodGet, vmPath(name, "vnc"), nil, &out); err != nil {
		return 0, err
	}
	return out.VNCPort, nil
}

func (c *Client) CreatePooledFilesystem(ctx context.Context, fs hypervisor.PooledFilesystem) error {
	return c.call(ctx, http.MethodPost, "/v1/pool/filesystems", fs, nil)
}

func (c *Client) CreateServerPool(ctx context.Context, pool hypervisor.ServerPool) error {
	return c.call(ctx, http.MethodPost, "/v1/pool", pool, nil)
}

func (c *Client) JoinServerPool(ctx context.Context, pool hypervisor.ServerPool) error {
	return c.call(ctx, http.MethodPost, "/v1/pool/join", pool, nil)
}

func (c *Client) PoolMembers(ctx context.Context) ([]string, error) {
	var out hypervisor.MembersBody
	if err := c.call(ctx, http.MethodGet, "/v1/pool/members", nil, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

func (c *Client) SetMembershipList(ctx context.Context, members []string) error {
	return c.call(ctx, http.MethodPut, "/v1/pool/members", hypervisor.MembersBody{Members: members}, nil)
}

func vmPath(name, action string) string {
	p := "/v1/vms/" + url.PathEscape(name)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) call(ctx context.Context, method, suffix string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, suffix, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, suffix string, body io.Reader) (*http.Request, error) {
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	rawQuery := ""
	if idx := strings.Index(suffix, "?"); idx >= 0 {
		rawQuery = suffix[idx+1:]
		suffix = suffix[:idx]
	}
	full := *c.baseURL
	full.Path = path.Clean(c.baseURL.Path + suffix)
	full.RawQuery = rawQuery
	req, err := http.NewRequestWithContext(ctx, method, full.String(), body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	apiErr := &APIError{Status: resp.StatusCode}
	var payload hypervisor.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	}
	return apiErr
}

// Dialer opens clients for peer hosts that expose the daemon on a fixed port.
type Dialer struct {
	Port       int
	Token      string
	HTTPClient *http.Client
}

var _ hypervisor.Dialer = (*Dialer)(nil)

// Dial builds a client for address. No request is made until first use.
func (d *Dialer) Dial(ctx context.Context, address string) (hypervisor.Client, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("dial: address required")
	}
	host := address
	if _, _, err := net.SplitHostPort(address); err != nil {
		host = net.JoinHostPort(address, strconv.Itoa(d.Port))
	}
	return New("http://"+host, d.Token, d.HTTPClient)
}
