package share

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gregjones/httpcache"
)

// Visibility of a shareable link.
type Visibility string

const (
	VisibilityRestricted Visibility = "restricted"
	VisibilityPublic     Visibility = "public"
)

// ErrVisibilityUnsupported means the storage account tier cannot create a
// link with the requested visibility. The caller is expected to fall back.
var ErrVisibilityUnsupported = errors.New("link visibility not supported by storage tier")

// Client talks to the object-storage/sharing service. Capability lookups go
// through an in-memory caching transport since the account tier rarely
// changes and the endpoint sets Cache-Control.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Transport: httpcache.NewTransport(httpcache.NewMemoryCache()),
			Timeout:   timeout,
		},
	}
}

// Capabilities describes what the backing storage account supports.
type Capabilities struct {
	RestrictedLinks bool `json:"restrictedLinks"`
	PublicLinks     bool `json:"publicLinks"`
}

// Capabilities fetches the storage account capabilities document.
func (c *Client) Capabilities(ctx context.Context) (*Capabilities, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/account/capabilities", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capabilities lookup failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("capabilities lookup returned %d", resp.StatusCode)
	}

	var caps Capabilities
	if err := json.NewDecoder(resp.Body).Decode(&caps); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	return &caps, nil
}

type createLinkRequest struct {
	Path       string `json:"path"`
	Visibility string `json:"visibility"`
}

type createLinkResponse struct {
	URL string `json:"url"`
}

// CreateLink creates a shareable link for the artifact bundle at path.
// A 422 from the service means the account tier does not support the
// requested visibility.
func (c *Client) CreateLink(ctx context.Context, path string, visibility Visibility) (string, error) {
	body, err := json.Marshal(createLinkRequest{Path: path, Visibility: string(visibility)})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/links", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create %s link: %w", visibility, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%w: %s", ErrVisibilityUnsupported, visibility)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("create %s link returned %d: %s", visibility, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out createLinkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode link response: %w", err)
	}
	return out.URL, nil
}
