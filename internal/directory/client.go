package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"e2ee-session/internal/dto"
)

// Client talks to the directory HTTP API on behalf of one device.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

func NewClient(baseURL string) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "http://localhost:8082"
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// WithToken returns a copy of c that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Register uploads the device's keys and keeps the issued access token.
func (c *Client) Register(ctx context.Context, req dto.RegisterDeviceRequest) (dto.RegisterDeviceResponse, error) {
	var resp dto.RegisterDeviceResponse
	if err := c.do(ctx, http.MethodPost, "/v1/keys/devices", req, &resp); err != nil {
		return dto.RegisterDeviceResponse{}, err
	}
	c.token = resp.AccessToken
	return resp, nil
}

func (c *Client) Bundle(ctx context.Context, deviceID string) (dto.PreKeyBundleResponse, error) {
	var resp dto.PreKeyBundleResponse
	err := c.do(ctx, http.MethodGet, "/v1/keys/devices/"+deviceID+"/bundle", nil, &resp)
	return resp, err
}

func (c *Client) UploadOneTimePreKeys(ctx context.Context, deviceID string, req dto.UploadOneTimePreKeysRequest) (dto.UploadOneTimePreKeysResponse, error) {
	var resp dto.UploadOneTimePreKeysResponse
	err := c.do(ctx, http.MethodPost, "/v1/keys/devices/"+deviceID+"/one-time-prekeys", req, &resp)
	return resp, err
}

func (c *Client) RotateSignedPreKey(ctx context.Context, deviceID string, req dto.RotateSignedPreKeyRequest) (dto.RotateSignedPreKeyResponse, error) {
	var resp dto.RotateSignedPreKeyResponse
	err := c.do(ctx, http.MethodPut, "/v1/keys/devices/"+deviceID+"/signed-prekey", req, &resp)
	return resp, err
}

func (c *Client) CountOneTimePreKeys(ctx context.Context, deviceID string) (dto.OneTimePreKeyCountResponse, error) {
	var resp dto.OneTimePreKeyCountResponse
	err := c.do(ctx, http.MethodGet, "/v1/keys/devices/"+deviceID+"/one-time-prekeys/count", nil, &resp)
	return resp, err
}

func (c *Client) DeleteUser(ctx context.Context, userID string) (dto.DeleteUserResponse, error) {
	var resp dto.DeleteUserResponse
	err := c.do(ctx, http.MethodDelete, "/v1/keys/users/"+userID, nil, &resp)
	return resp, err
}

// StatusError is a non-2xx directory response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("directory: %d %s: %s", e.Code, http.StatusText(e.Code), e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
