// Package gateway is the auth and artifact service the endpoints talk to:
// a client used by endpoints and the server handlers behind cmd/gateway.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Intercom/internal/domain"
)

var ErrNoToken = errors.New("gateway: no token, call Token first")

type tokenResponse struct {
	Token string `json:"token"`
	Error string `json:"error"`
}

type uploadResponse struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type Client struct {
	BaseURL  string
	Password string
	HTTP     *http.Client

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL, password string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Password: password,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Token exchanges the shared password for a credential bound to id.
// A rejection is an *domain.AuthError; transport failures are not.
func (c *Client) Token(ctx context.Context, id domain.Identity) (string, error) {
	q := url.Values{}
	q.Set("pwd", c.Password)
	q.Set("identity", string(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/token?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway token: %w", err)
	}
	defer resp.Body.Close()

	var body tokenResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || body.Error != "":
		reason := body.Error
		if reason == "" {
			reason = resp.Status
		}
		return "", &domain.AuthError{Identity: id, Reason: reason}
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("gateway token: %s", resp.Status)
	case decodeErr != nil:
		return "", fmt.Errorf("gateway token: %w", decodeErr)
	case body.Token == "":
		return "", &domain.AuthError{Identity: id, Reason: "empty token"}
	}

	c.mu.Lock()
	c.token = body.Token
	c.mu.Unlock()
	log.Info().Str("module", "gateway").Str("identity", string(id)).Msg("token acquired")
	return body.Token, nil
}

func (c *Client) bearer() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return "", ErrNoToken
	}
	return "Bearer " + c.token, nil
}

// Upload posts the file at path and returns the name it was stored under.
func (c *Client) Upload(ctx context.Context, path string) (string, error) {
	auth, err := c.bearer()
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/upload", pr)
	if err != nil {
		_ = pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", auth)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway upload: %w", err)
	}
	defer resp.Body.Close()

	var body uploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil && resp.StatusCode == http.StatusOK {
		return "", fmt.Errorf("gateway upload: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway upload: %s: %s", resp.Status, body.Error)
	}
	log.Info().Str("module", "gateway").Str("file", filepath.Base(path)).Str("name", body.Name).Msg("uploaded")
	return body.Name, nil
}

func (c *Client) ArtifactURL(name string) string {
	return c.BaseURL + "/artifacts/" + url.PathEscape(name)
}

// Latest writes the most recent artifact to w and returns its name.
func (c *Client) Latest(ctx context.Context, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/latest", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway latest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway latest: %s", resp.Status)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", err
	}
	return resp.Header.Get(HeaderArtifactName), nil
}
