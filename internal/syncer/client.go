// Package syncer reconciles the local outfit store with the remote system
// of record using Last-Write-Wins resolution keyed on content timestamps.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dali-labs/dali-sync/internal/outfits"
)

var (
	// ErrUnreachable indicates the remote could not be contacted at all.
	// A pass that hits this aborts early instead of looping per record.
	ErrUnreachable = errors.New("syncer: remote unreachable")
	// ErrUnauthorized indicates the credential was rejected. Refresh is the
	// wrapping HTTP layer's job; the pass aborts like a network failure.
	ErrUnauthorized = errors.New("syncer: unauthorized")
	// ErrRemotePreferencesNotFound indicates the server has no preference
	// document for the user yet.
	ErrRemotePreferencesNotFound = errors.New("syncer: remote preferences not found")

	errMissingBaseURL = errors.New("api base url is required")
	errMissingTokens  = errors.New("token provider is required")
)

const defaultCallTimeout = 15 * time.Second

// RemoteOutfit is the wire representation of one outfit record. Content
// payloads stay opaque JSON; the client transports them uninterpreted.
type RemoteOutfit struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Name            string          `json:"name"`
	Occasion        string          `json:"occasion"`
	GarmentImageURL *string         `json:"garment_image_url"`
	Items           json.RawMessage `json:"items"`
	Theory          json.RawMessage `json:"theory"`
	StyleTags       json.RawMessage `json:"style_tags"`
	IsLiked         bool            `json:"is_liked"`
	IsFavorited     bool            `json:"is_favorited"`
	IsDeleted       bool            `json:"is_deleted"`
	CreatedAtMs     int64           `json:"created_at"`
	UpdatedAtMs     int64           `json:"updated_at"`
}

// RemotePreferences is the wire representation of a preference document.
type RemotePreferences struct {
	UserID      string          `json:"user_id"`
	Payload     json.RawMessage `json:"payload"`
	UpdatedAtMs int64           `json:"updated_at"`
}

// RemoteClient is the contract the engine needs from the cloud API.
type RemoteClient interface {
	UpsertOutfit(ctx context.Context, outfit RemoteOutfit) error
	ListOutfitsSince(ctx context.Context, userID string, sinceMs int64) ([]RemoteOutfit, error)
	GetPreferences(ctx context.Context, userID string) (RemotePreferences, error)
	PutPreferences(ctx context.Context, preferences RemotePreferences) error
}

// TokenProvider supplies the bearer credential attached to every call.
type TokenProvider interface {
	BearerToken() (string, error)
}

func rawOrNull(value string) json.RawMessage {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return json.RawMessage("null")
	}
	return json.RawMessage(trimmed)
}

// ToRemote converts a local record to its wire representation.
func ToRemote(record outfits.Record) RemoteOutfit {
	return RemoteOutfit{
		ID:              record.ID,
		UserID:          record.UserID,
		Name:            record.Name,
		Occasion:        record.Occasion,
		GarmentImageURL: record.GarmentImageURL,
		Items:           rawOrNull(record.ItemsJSON),
		Theory:          rawOrNull(record.TheoryJSON),
		StyleTags:       rawOrNull(record.StyleTagsJSON),
		IsLiked:         record.IsLiked,
		IsFavorited:     record.IsFavorited,
		IsDeleted:       record.IsDeleted,
		CreatedAtMs:     record.CreatedAtMs,
		UpdatedAtMs:     record.UpdatedAtMs,
	}
}

// FromRemote converts a wire outfit to the local record shape.
func FromRemote(remote RemoteOutfit) outfits.Record {
	return outfits.Record{
		ID:              remote.ID,
		UserID:          remote.UserID,
		Name:            remote.Name,
		Occasion:        remote.Occasion,
		GarmentImageURL: remote.GarmentImageURL,
		ItemsJSON:       string(rawOrNull(string(remote.Items))),
		TheoryJSON:      string(rawOrNull(string(remote.Theory))),
		StyleTagsJSON:   string(rawOrNull(string(remote.StyleTags))),
		IsLiked:         remote.IsLiked,
		IsFavorited:     remote.IsFavorited,
		IsDeleted:       remote.IsDeleted,
		CreatedAtMs:     remote.CreatedAtMs,
		UpdatedAtMs:     remote.UpdatedAtMs,
	}
}

// HTTPClientConfig configures the HTTP remote client.
type HTTPClientConfig struct {
	BaseURL    string
	Tokens     TokenProvider
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPClient talks to the remote outfit and preferences endpoints.
type HTTPClient struct {
	baseURL string
	tokens  TokenProvider
	client  *http.Client
}

// NewHTTPClient validates configuration and constructs an HTTPClient.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultCallTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{baseURL: baseURL, tokens: cfg.Tokens, client: client}, nil
}

type remoteStatusError struct {
	status int
	body   string
}

func (e *remoteStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("remote returned status %d", e.status)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.status, e.body)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	token, err := c.tokens.BearerToken()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer response.Body.Close() //nolint:errcheck

	if response.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return &remoteStatusError{status: response.StatusCode, body: strings.TrimSpace(string(snippet))}
	}

	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// UpsertOutfit pushes one record to the remote upsert endpoint.
func (c *HTTPClient) UpsertOutfit(ctx context.Context, outfit RemoteOutfit) error {
	path := "/api/v1/outfits/" + url.PathEscape(outfit.ID)
	return c.do(ctx, http.MethodPut, path, nil, outfit, nil)
}

type listOutfitsResponse struct {
	Outfits []RemoteOutfit `json:"outfits"`
}

// ListOutfitsSince fetches the user's records updated after the given
// timestamp. A zero timestamp requests the full set (first-run sync).
func (c *HTTPClient) ListOutfitsSince(ctx context.Context, userID string, sinceMs int64) ([]RemoteOutfit, error) {
	query := url.Values{}
	query.Set("user_id", userID)
	if sinceMs > 0 {
		query.Set("updated_since", strconv.FormatInt(sinceMs, 10))
	}
	var response listOutfitsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/outfits", query, nil, &response); err != nil {
		return nil, err
	}
	return response.Outfits, nil
}

// GetPreferences fetches the server's preference document for the user.
func (c *HTTPClient) GetPreferences(ctx context.Context, userID string) (RemotePreferences, error) {
	path := "/api/v1/preferences/" + url.PathEscape(userID)
	var preferences RemotePreferences
	err := c.do(ctx, http.MethodGet, path, nil, nil, &preferences)
	var statusErr *remoteStatusError
	if errors.As(err, &statusErr) && statusErr.status == http.StatusNotFound {
		return RemotePreferences{}, ErrRemotePreferencesNotFound
	}
	if err != nil {
		return RemotePreferences{}, err
	}
	return preferences, nil
}

// PutPreferences uploads the user's preference document.
func (c *HTTPClient) PutPreferences(ctx context.Context, preferences RemotePreferences) error {
	path := "/api/v1/preferences/" + url.PathEscape(preferences.UserID)
	return c.do(ctx, http.MethodPut, path, nil, preferences, nil)
}
