package storage

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

	"github.com/Maphikza/datafi-verifier.git/internal/auth"
	"github.com/Maphikza/datafi-verifier.git/internal/logger"
)

const (
	apiKeyHeader       = "X-API-Key"
	defaultHTTPTimeout = 30 * time.Second
)

type uploadRequest struct {
	Owner   string     `json:"owner"`
	Payload []byte     `json:"payload"`
	Auth    auth.Proof `json:"auth"`
}

type shareRequest struct {
	ContentID string     `json:"contentId"`
	Grantees  []string   `json:"grantees"`
	Owner     string     `json:"owner"`
	Auth      auth.Proof `json:"auth"`
}

type shareResponse struct {
	Success bool `json:"success"`
}

type accessResponse struct {
	Allowed bool `json:"allowed"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPClient talks to a hosted encrypted object service. The service seals
// payloads itself; the client only checks signatures before sending them.
type HTTPClient struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	verifier *auth.Verifier
}

func NewHTTPClient(baseURL, apiKey string, verifier *auth.Verifier) (*HTTPClient, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid storage url %q: %w", baseURL, err)
	}
	if verifier == nil {
		return nil, errors.New("a signature verifier is required")
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: defaultHTTPTimeout},
		verifier: verifier,
	}, nil
}

func (c *HTTPClient) EncryptAndUpload(ctx context.Context, payload []byte, ownerRef string, authProof auth.Proof) (*UploadResult, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	owner := auth.NormalizeRef(ownerRef)
	if err := c.verifier.CheckSignature(owner, authProof); err != nil {
		return nil, fmt.Errorf("upload not authorized: %w", err)
	}

	var result UploadResult
	err := c.do(ctx, http.MethodPost, "/upload", uploadRequest{Owner: owner, Payload: payload, Auth: authProof}, &result)
	if err != nil {
		return nil, err
	}
	if !validContentID(result.ContentID) {
		return nil, fmt.Errorf("storage service returned invalid content id %q", result.ContentID)
	}
	return &result, nil
}

func (c *HTTPClient) ShareAccess(ctx context.Context, contentID string, granteeRefs []string, ownerRef string, authProof auth.Proof) (bool, error) {
	owner := auth.NormalizeRef(ownerRef)
	if err := c.verifier.CheckSignature(owner, authProof); err != nil {
		return false, fmt.Errorf("share not authorized: %w", err)
	}

	var resp shareResponse
	req := shareRequest{ContentID: contentID, Grantees: normalizeRefs(granteeRefs), Owner: owner, Auth: authProof}
	if err := c.do(ctx, http.MethodPost, "/share", req, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

func (c *HTTPClient) DecryptAndDownload(ctx context.Context, contentID, requesterRef string) ([]byte, error) {
	path := "/download/" + url.PathEscape(contentID) + "?requester=" + url.QueryEscape(auth.NormalizeRef(requesterRef))

	var payload []byte
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *HTTPClient) CheckAccess(ctx context.Context, contentID, requesterRef string) (bool, error) {
	path := "/access/" + url.PathEscape(contentID) + "?requester=" + url.QueryEscape(auth.NormalizeRef(requesterRef))

	var resp accessResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Allowed, nil
}

// do sends body as JSON and decodes the response into out. A *[]byte out
// receives the raw response body.
func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("storage request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusForbidden:
		return ErrAccessDenied
	case http.StatusNotFound:
		return ErrNotFound
	default:
		var e errorResponse
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			return fmt.Errorf("storage service returned %d: %s", resp.StatusCode, e.Error)
		}
		logger.Debug("Storage service error body", "status", resp.StatusCode, "body", string(respBody))
		return fmt.Errorf("storage service returned status %d", resp.StatusCode)
	}

	if raw, ok := out.(*[]byte); ok {
		*raw = respBody
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode storage response: %w", err)
	}
	return nil
}
