package iqdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/artvault/artvault/internal/pkg/logger"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Client talks to the external perceptual-similarity service. The service
// is authoritative for "what looks similar right now"; local match rows
// are only a cache of its last answer.
type Client struct {
	config     *Config
	httpClient *http.Client
	tokens     *tokenSource
	logger     *logger.Logger
}

// New creates a similarity service client
func New(cfg *Config, log *logger.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: log,
	}
	c.tokens = newTokenSource(cfg.TokenSkew, c.fetchToken)

	return c, nil
}

// fetchToken exchanges the API key for a short-lived access token
func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	body, err := json.Marshal(map[string]string{"api_key": c.config.APIKey})
	if err != nil {
		return "", 0, fmt.Errorf("iqdb: marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("iqdb: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("iqdb: token request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("iqdb: read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("iqdb: token request returned %d: %s", resp.StatusCode, data)
	}

	var token tokenResponse
	if err := json.Unmarshal(data, &token); err != nil {
		return "", 0, fmt.Errorf("iqdb: unmarshal token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", 0, fmt.Errorf("iqdb: token response carried no token")
	}

	ttl := time.Duration(token.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return token.AccessToken, ttl, nil
}

// Query submits a variant image and returns the ranked candidate list.
// A response that is not the expected list shape is logged and treated
// as no matches.
func (c *Client) Query(ctx context.Context, variant []byte) ([]Candidate, error) {
	data, err := c.postImage(ctx, "/query", variant)
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		c.logger.Warn("iqdb query returned a non-list response, treating as no matches",
			zap.String("body", truncate(string(data), 512)),
		)
		return nil, nil
	}

	var candidates []Candidate
	for _, entry := range parsed.Array() {
		post := entry.Get("post.posts")
		candidates = append(candidates, Candidate{
			PostID:      post.Get("id").Int(),
			Score:       entry.Get("score").Float(),
			PostWidth:   int(post.Get("image_width").Int()),
			PostHeight:  int(post.Get("image_height").Int()),
			PostSize:    post.Get("file_size").Int(),
			PostDeleted: post.Get("is_deleted").Bool(),
			PostHash:    post.Get("md5").String(),
			Raw:         json.RawMessage(post.Raw),
		})
	}

	c.logger.Debug("iqdb query finished", zap.Int("candidates", len(candidates)))
	return candidates, nil
}

// QueryIndexed submits a variant and returns hits among the items this
// archive has indexed itself, identified by their references.
func (c *Client) QueryIndexed(ctx context.Context, variant []byte) ([]IndexedHit, error) {
	data, err := c.postImage(ctx, "/query/indexed", variant)
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		c.logger.Warn("iqdb indexed query returned a non-list response, treating as no hits",
			zap.String("body", truncate(string(data), 512)),
		)
		return nil, nil
	}

	var hits []IndexedHit
	for _, entry := range parsed.Array() {
		hits = append(hits, IndexedHit{
			Ref:   entry.Get("ref").String(),
			Score: entry.Get("score").Float(),
		})
	}
	return hits, nil
}

// Update indexes (or re-indexes) a variant under the given reference and
// returns the perceptual signature the service assigned to it.
func (c *Client) Update(ctx context.Context, ref string, variant []byte) (string, error) {
	data, err := c.postImage(ctx, "/images/"+ref, variant)
	if err != nil {
		return "", err
	}

	var update updateResponse
	if err := json.Unmarshal(data, &update); err != nil {
		return "", fmt.Errorf("iqdb: unmarshal update response: %w", err)
	}
	if update.Signature == "" {
		return "", fmt.Errorf("iqdb: update response carried no signature")
	}

	return update.Signature, nil
}

// Remove drops a previously indexed item
func (c *Client) Remove(ctx context.Context, ref string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.config.BaseURL+"/images/"+ref, nil)
	if err != nil {
		return fmt.Errorf("iqdb: create remove request: %w", err)
	}

	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("iqdb: remove request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("iqdb: remove %s returned %d", ref, resp.StatusCode)
	}

	c.logger.Debug("iqdb item removed", zap.String("ref", ref))
	return nil
}

// postImage uploads the variant as a multipart form and returns the body
func (c *Client) postImage(ctx context.Context, path string, variant []byte) ([]byte, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "variant.jpg")
	if err != nil {
		return nil, fmt.Errorf("iqdb: create form file: %w", err)
	}
	if _, err := part.Write(variant); err != nil {
		return nil, fmt.Errorf("iqdb: write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("iqdb: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, &body)
	if err != nil {
		return nil, fmt.Errorf("iqdb: create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("iqdb request failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("iqdb: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("iqdb: read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		// Token may have been revoked ahead of its stated expiry.
		c.tokens.Invalidate()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("iqdb: %s returned %d: %s", path, resp.StatusCode, truncate(string(data), 512))
	}

	return data, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("iqdb: acquire token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
