package items

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/njoerd114/calsync/internal/model"
)

// ErrAlreadyExists is returned by [Client.CreateFromRemote] when the item
// service reports a conflict but the winning item cannot be retrieved.
var ErrAlreadyExists = errors.New("item already exists")

// statusError carries a non-2xx item-service response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("item service returned %d: %s", e.code, e.body)
}

// isPermanent reports whether a request error must not be retried.
func isPermanent(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 400 && se.code < 500
	}
	return errors.Is(err, ErrAlreadyExists)
}

// Client calls the item-service REST API. Create one with [NewClient].
type Client struct {
	baseURL string
	hc      *http.Client
	logger  *slog.Logger
}

// NewClient creates a Client for the item service at baseURL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// ListWindow returns the user's syncable items (Events and Reminders) whose
// provider block overlaps [start, end).
func (c *Client) ListWindow(ctx context.Context, token string, start, end time.Time) ([]model.Item, error) {
	q := url.Values{}
	q.Set("types", "event,reminder")
	q.Set("from", start.UTC().Format(time.RFC3339))
	q.Set("to", end.UTC().Format(time.RFC3339))

	var resp struct {
		Items []wireItem `json:"items"`
	}
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return c.do(ctx, token, http.MethodGet, "/items?"+q.Encode(), nil, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}

	out := make([]model.Item, 0, len(resp.Items))
	for _, w := range resp.Items {
		out = append(out, w.toModel())
	}
	return out, nil
}

// GetByExternalEventID returns the item linked to the given provider event
// id, or (nil, nil) if no item is linked to it.
func (c *Client) GetByExternalEventID(ctx context.Context, token, externalEventID string) (*model.Item, error) {
	var w wireItem
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return c.do(ctx, token, http.MethodGet, "/items/by-external-event/"+url.PathEscape(externalEventID), nil, &w)
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up item for event %q: %w", externalEventID, err)
	}
	item := w.toModel()
	return &item, nil
}

// CreateFromRemote creates an item seeded from a provider event. The item
// service inserts atomically keyed by externalEventId; created reports
// whether this call actually created the item — false means a concurrent
// writer won the race and the existing item is returned instead.
func (c *Client) CreateFromRemote(ctx context.Context, token string, item *model.Item) (_ *model.Item, created bool, _ error) {
	// Defense in depth against the duplicate-create race: re-check right
	// before creating, and treat a conflict as "someone else won".
	if existing, err := c.GetByExternalEventID(ctx, token, item.ExternalEventID); err == nil && existing != nil {
		return existing, false, nil
	}

	var out wireItem
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return c.do(ctx, token, http.MethodPost, "/items?ifAbsent=externalEventId", fromModel(item), &out)
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusConflict {
			existing, lookupErr := c.GetByExternalEventID(ctx, token, item.ExternalEventID)
			if lookupErr == nil && existing != nil {
				return existing, false, nil
			}
			return nil, false, fmt.Errorf("creating item %q: %w", item.Title, ErrAlreadyExists)
		}
		return nil, false, fmt.Errorf("creating item %q: %w", item.Title, err)
	}

	m := out.toModel()
	return &m, true, nil
}

// Update overwrites the item's syncable fields.
func (c *Client) Update(ctx context.Context, token string, item *model.Item) error {
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return c.do(ctx, token, http.MethodPut, "/items/"+url.PathEscape(item.ID), fromModel(item), nil)
	})
	if err != nil {
		return fmt.Errorf("updating item %q: %w", item.ID, err)
	}
	return nil
}

// SetExternalEventID links an item to a provider event.
func (c *Client) SetExternalEventID(ctx context.Context, token, itemID, externalEventID string) error {
	body := map[string]string{"externalEventId": externalEventID}
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return c.do(ctx, token, http.MethodPatch, "/items/"+url.PathEscape(itemID)+"/external-event", body, nil)
	})
	if err != nil {
		return fmt.Errorf("linking item %q to event %q: %w", itemID, externalEventID, err)
	}
	return nil
}

// Delete removes an item. Deleting an item that is already gone is not an
// error.
func (c *Client) Delete(ctx context.Context, token, itemID string) error {
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return c.do(ctx, token, http.MethodDelete, "/items/"+url.PathEscape(itemID), nil, nil)
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("deleting item %q: %w", itemID, err)
	}
	return nil
}

// do executes one authenticated JSON request and decodes the response into
// out when out is non-nil.
func (c *Client) do(ctx context.Context, token, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
