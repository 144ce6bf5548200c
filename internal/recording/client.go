package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"liveclass/pkg/types"
)

const (
	// DefaultBaseURL is the cloud recording REST endpoint.
	DefaultBaseURL = "https://api.agora.io/v1"

	// CompositeUID and IndividualUID identify the recorder in a channel.
	// Participant uids start at 100 so these never collide.
	CompositeUID  = 10
	IndividualUID = 11

	// codeAlreadyStopped is the provider's "no recorder running" code.
	codeAlreadyStopped = 435
)

// UID returns the recorder uid for a mode.
func UID(composite bool) int {
	if composite {
		return CompositeUID
	}
	return IndividualUID
}

func mode(composite bool) string {
	if composite {
		return "mix"
	}
	return "individual"
}

// StorageConfig tells the provider where to upload recorded files.
type StorageConfig struct {
	Vendor    int    `json:"vendor" mapstructure:"vendor"`
	Region    int    `json:"region" mapstructure:"region"`
	Bucket    string `json:"bucket" mapstructure:"bucket"`
	AccessKey string `json:"accessKey" mapstructure:"access_key"`
	SecretKey string `json:"secretKey" mapstructure:"secret_key"`
}

// ClientConfig configures the provider client.
type ClientConfig struct {
	Enabled        bool
	BaseURL        string
	AppID          string
	CustomerKey    string
	CustomerSecret string
	Timeout        time.Duration
	Storage        StorageConfig
}

// Client talks to the cloud recording REST API. It implements
// interfaces.RecordingProvider.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient builds a client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg ClientConfig, httpClient *http.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{cfg: cfg, http: httpClient}
}

func (c *Client) Enabled() bool { return c.cfg.Enabled }

type clientRequest struct {
	Cname         string         `json:"cname"`
	UID           string         `json:"uid"`
	ClientRequest map[string]any `json:"clientRequest"`
}

type providerResponse struct {
	ResourceID     string          `json:"resourceId"`
	SID            string          `json:"sid"`
	Code           int             `json:"code"`
	Reason         string          `json:"reason"`
	ServerResponse json.RawMessage `json:"serverResponse"`
}

// Acquire reserves a recording resource for channel and uid.
func (c *Client) Acquire(ctx context.Context, channel string, uid int) (string, error) {
	if !c.cfg.Enabled {
		zerolog.Ctx(ctx).Debug().Str("component", "recording_client").Msg("Recording disabled, skipping acquire")
		return "", nil
	}
	req := clientRequest{Cname: channel, UID: strconv.Itoa(uid), ClientRequest: map[string]any{}}
	var resp providerResponse
	status, err := c.do(ctx, http.MethodPost, "/cloud_recording/acquire", req, &resp)
	if err != nil {
		return "", fmt.Errorf("acquire %s/%d: %w", channel, uid, err)
	}
	if status != http.StatusOK || resp.ResourceID == "" {
		return "", fmt.Errorf("acquire %s/%d: status %d: %w", channel, uid, status, ErrProviderResponse)
	}
	return resp.ResourceID, nil
}

// Start begins a recording on an acquired resource.
func (c *Client) Start(ctx context.Context, channel string, uid int, resourceID, token string, composite bool) (string, error) {
	if !c.cfg.Enabled {
		return "", nil
	}
	recordingConfig := map[string]any{"maxIdleTime": 120}
	if composite {
		recordingConfig["transcodingConfig"] = map[string]any{
			"width":            640,
			"height":           360,
			"fps":              30,
			"bitrate":          600,
			"mixedVideoLayout": 1,
		}
	} else {
		recordingConfig["subscribeUidGroup"] = 0
	}
	req := clientRequest{
		Cname: channel,
		UID:   strconv.Itoa(uid),
		ClientRequest: map[string]any{
			"token":           token,
			"recordingConfig": recordingConfig,
			"storageConfig":   c.cfg.Storage,
		},
	}

	path := fmt.Sprintf("/cloud_recording/resourceid/%s/mode/%s/start", resourceID, mode(composite))
	var resp providerResponse
	status, err := c.do(ctx, http.MethodPost, path, req, &resp)
	if err != nil {
		return "", fmt.Errorf("start %s: %w", channel, err)
	}
	if status != http.StatusOK || resp.SID == "" {
		return "", fmt.Errorf("start %s: status %d code %d: %w", channel, status, resp.Code, ErrProviderResponse)
	}
	return resp.SID, nil
}

// Stop ends a recording. A recording the provider no longer knows yields
// ErrAlreadyStopped.
func (c *Client) Stop(ctx context.Context, channel string, uid int, resourceID, sid string, composite bool) (*types.ProviderStatus, error) {
	if !c.cfg.Enabled {
		return nil, nil
	}
	req := clientRequest{Cname: channel, UID: strconv.Itoa(uid), ClientRequest: map[string]any{}}
	path := fmt.Sprintf("/cloud_recording/resourceid/%s/sid/%s/mode/%s/stop", resourceID, sid, mode(composite))

	var resp providerResponse
	status, err := c.do(ctx, http.MethodPost, path, req, &resp)
	if err != nil {
		return nil, fmt.Errorf("stop %s: %w", sid, err)
	}
	if status == http.StatusNotFound || resp.Code == codeAlreadyStopped {
		return nil, ErrAlreadyStopped
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("stop %s: status %d code %d: %w", sid, status, resp.Code, ErrProviderResponse)
	}
	return &types.ProviderStatus{ResourceID: resp.ResourceID, SID: resp.SID, ServerResponse: resp.ServerResponse}, nil
}

// Query reports the provider's view of a recording; (nil, nil) means the
// provider has no live recording for sid.
func (c *Client) Query(ctx context.Context, resourceID, sid string, composite bool) (*types.ProviderStatus, error) {
	if !c.cfg.Enabled {
		return nil, nil
	}
	path := fmt.Sprintf("/cloud_recording/resourceid/%s/sid/%s/mode/%s/query", resourceID, sid, mode(composite))

	var resp providerResponse
	status, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", sid, err)
	}
	if status == http.StatusNotFound || resp.Code == codeAlreadyStopped {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("query %s: status %d: %w", sid, status, ErrProviderResponse)
	}
	return &types.ProviderStatus{ResourceID: resp.ResourceID, SID: resp.SID, ServerResponse: resp.ServerResponse}, nil
}

// do sends one request and decodes a JSON body into out when present.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := c.cfg.BaseURL + "/apps/" + c.cfg.AppID + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	req.SetBasicAuth(c.cfg.CustomerKey, c.cfg.CustomerSecret)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) > 0 && out != nil {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode == http.StatusOK {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}

	zerolog.Ctx(ctx).Debug().
		Str("component", "recording_client").
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("Recording provider call")
	return resp.StatusCode, nil
}
