// Package server exposes the sync engine over HTTP: the webhook endpoint the
// calendar provider pushes notifications to, and the internal API the item
// service calls when items change locally.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/njoerd114/calsync/internal/auth"
	"github.com/njoerd114/calsync/internal/config"
	"github.com/njoerd114/calsync/internal/model"
	"github.com/njoerd114/calsync/internal/state"
	"github.com/njoerd114/calsync/internal/sync"
)

// notifyTimeout bounds the asynchronous processing of one webhook
// notification after the HTTP response has been sent.
const notifyTimeout = 2 * time.Minute

// Syncer is the engine surface the HTTP layer drives.
// Implemented by [sync.Engine].
type Syncer interface {
	PushCreate(ctx context.Context, token string, item *model.Item) (string, error)
	PushUpdate(ctx context.Context, token string, item *model.Item) error
	PushDelete(ctx context.Context, token, externalEventID string) error
	FullSync(ctx context.Context, token, userID string, start, end time.Time) (sync.Stats, error)
	ProcessNotification(ctx context.Context, resourceID string) error
}

// Subscriber manages watch channels.
// Implemented by [sync.SubscriptionManager].
type Subscriber interface {
	Subscribe(ctx context.Context, token, userID string) (*state.Subscription, error)
	Unsubscribe(ctx context.Context, token, userID string) error
}

// Credentials exchanges end-user sessions for provider tokens.
// Implemented by [auth.Client].
type Credentials interface {
	GoogleToken(ctx context.Context, userJWT string) (string, error)
	ResolveUser(ctx context.Context, userJWT string) (string, error)
}

// Server is the calsync HTTP front end. Create one with [New] and start it
// with [Server.Run].
type Server struct {
	engine Syncer
	subs   Subscriber
	creds  Credentials
	log    *slog.Logger
}

// New creates a Server wired to the given engine, subscription manager, and
// credential client.
func New(engine Syncer, subs Subscriber, creds Credentials, logger *slog.Logger) *Server {
	return &Server{engine: engine, subs: subs, creds: creds, log: logger}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+config.WebhookPath, s.handleWebhookChallenge)
	mux.HandleFunc("POST "+config.WebhookPath, s.handleWebhookNotification)

	mux.HandleFunc("POST /sync/calendar/create", s.handleSyncCreate)
	mux.HandleFunc("POST /sync/calendar/update", s.handleSyncUpdate)
	mux.HandleFunc("POST /sync/calendar/delete", s.handleSyncDelete)
	mux.HandleFunc("POST /sync/full", s.handleFullSync)

	mux.HandleFunc("POST /subscriptions/calendar", s.handleSubscribe)
	mux.HandleFunc("DELETE /subscriptions/calendar", s.handleUnsubscribe)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

// Run serves HTTP on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down HTTP server: %w", err)
		}
		s.log.Info("HTTP server stopped")
		return nil
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	}
}

// --- Webhook -----------------------------------------------------------------

// handleWebhookChallenge answers the provider's endpoint verification probe by
// echoing the challenge token.
func (s *Server) handleWebhookChallenge(w http.ResponseWriter, r *http.Request) {
	challenge := r.URL.Query().Get("token")
	if challenge == "" {
		writeError(w, http.StatusBadRequest, "missing token parameter")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(challenge))
}

// handleWebhookNotification acknowledges a push notification immediately and
// processes it asynchronously. The provider retries on non-2xx responses, so
// the ack must never wait on downstream services.
func (s *Server) handleWebhookNotification(w http.ResponseWriter, r *http.Request) {
	resourceID := r.Header.Get("X-Goog-Resource-Id")
	if resourceID == "" {
		// Some senders put the identifiers in a JSON body instead.
		var body struct {
			ResourceID string `json:"resourceId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		resourceID = body.ResourceID
	}

	// The ack goes out regardless; the provider cannot act on anything else.
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})

	// No resource id means a heartbeat. Sync messages announce the channel
	// itself; there is nothing to fetch yet either way.
	if resourceID == "" || r.Header.Get("X-Goog-Resource-State") == "sync" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := s.engine.ProcessNotification(ctx, resourceID); err != nil {
			s.log.Error("processing notification failed", "resource_id", resourceID, "error", err)
		}
	}()
}

// --- Sync API ----------------------------------------------------------------

// itemPayload is the wire form of an item in sync API requests. The type is
// optional: a payload carrying reminderTime is a Reminder, everything else an
// Event.
type itemPayload struct {
	ItemID          string     `json:"itemId"`
	UserID          string     `json:"userId,omitempty"`
	Type            string     `json:"type,omitempty"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Location        string     `json:"location,omitempty"`
	StartDate       *time.Time `json:"startDate,omitempty"`
	EndDate         *time.Time `json:"endDate,omitempty"`
	ReminderTime    *time.Time `json:"reminderTime,omitempty"`
	ExternalEventID string     `json:"externalEventId,omitempty"`
}

func (p *itemPayload) itemType() (model.ItemType, error) {
	if p.Type != "" {
		return model.ParseItemType(p.Type)
	}
	if p.ReminderTime != nil {
		return model.TypeReminder, nil
	}
	return model.TypeEvent, nil
}

func (p *itemPayload) toModel() (*model.Item, error) {
	typ, err := p.itemType()
	if err != nil {
		return nil, err
	}
	item := &model.Item{
		ID:              p.ItemID,
		UserID:          p.UserID,
		Type:            typ,
		Title:           p.Title,
		Description:     p.Description,
		Location:        p.Location,
		ExternalEventID: p.ExternalEventID,
	}
	if p.StartDate != nil {
		item.StartDate = *p.StartDate
	}
	if p.EndDate != nil {
		item.EndDate = *p.EndDate
	}
	if p.ReminderTime != nil {
		item.ReminderTime = *p.ReminderTime
	}
	return item, nil
}

func (s *Server) handleSyncCreate(w http.ResponseWriter, r *http.Request) {
	token, item, ok := s.decodeItemRequest(w, r)
	if !ok {
		return
	}

	eventID, err := s.engine.PushCreate(r.Context(), token, item)
	if err != nil {
		// The caller stores the returned event id, so a create failure must
		// surface instead of being swallowed.
		s.syncError(w, "create", item.ID, err, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"externalEventId": eventID})
}

func (s *Server) handleSyncUpdate(w http.ResponseWriter, r *http.Request) {
	token, item, ok := s.decodeItemRequest(w, r)
	if !ok {
		return
	}

	if err := s.engine.PushUpdate(r.Context(), token, item); err != nil {
		if isCallerError(err) {
			s.syncError(w, "update", item.ID, err, http.StatusBadRequest)
			return
		}
		// Best-effort: a failed push is repaired by the next full sync and
		// must not fail the user's edit.
		s.log.Warn("calendar update failed, continuing", "item_id", item.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSyncDelete(w http.ResponseWriter, r *http.Request) {
	token, ok := s.bearerToken(w, r)
	if !ok {
		return
	}

	var body struct {
		ExternalEventID string `json:"externalEventId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ExternalEventID == "" {
		writeError(w, http.StatusBadRequest, "externalEventId is required")
		return
	}

	providerToken, ok := s.exchangeToken(w, r.Context(), token)
	if !ok {
		return
	}
	if err := s.engine.PushDelete(r.Context(), providerToken, body.ExternalEventID); err != nil {
		// Same best-effort contract as updates.
		s.log.Warn("calendar delete failed, continuing", "event_id", body.ExternalEventID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleFullSync(w http.ResponseWriter, r *http.Request) {
	token, ok := s.bearerToken(w, r)
	if !ok {
		return
	}

	var body struct {
		StartDate time.Time `json:"startDate"`
		EndDate   time.Time `json:"endDate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.StartDate.IsZero() || body.EndDate.IsZero() {
		writeError(w, http.StatusBadRequest, "startDate and endDate are required")
		return
	}

	userID, err := s.creds.ResolveUser(r.Context(), token)
	if err != nil {
		s.authError(w, err)
		return
	}
	providerToken, ok := s.exchangeToken(w, r.Context(), token)
	if !ok {
		return
	}

	stats, err := s.engine.FullSync(r.Context(), providerToken, userID, body.StartDate, body.EndDate)
	if err != nil {
		if isCallerError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Partial progress still counts; report what happened alongside the error.
		s.log.Error("full sync finished with errors", "user_id", userID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": err == nil,
		"stats": map[string]any{
			"remoteToLocal": map[string]int{
				"created": stats.RemoteToLocal.Created,
				"updated": stats.RemoteToLocal.Updated,
				"deleted": stats.RemoteToLocal.Deleted,
			},
			"localToRemote": map[string]int{
				"created": stats.LocalToRemote.Created,
				"updated": stats.LocalToRemote.Updated,
			},
			"errors": stats.Errors,
		},
	})
}

// --- Subscriptions -----------------------------------------------------------

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	token, ok := s.bearerToken(w, r)
	if !ok {
		return
	}
	userID, err := s.creds.ResolveUser(r.Context(), token)
	if err != nil {
		s.authError(w, err)
		return
	}
	providerToken, ok := s.exchangeToken(w, r.Context(), token)
	if !ok {
		return
	}

	sub, err := s.subs.Subscribe(r.Context(), providerToken, userID)
	if err != nil {
		s.log.Error("subscribe failed", "user_id", userID, "error", err)
		writeError(w, http.StatusBadGateway, "subscribing to calendar changes failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"channelId":  sub.ChannelID,
		"resourceId": sub.ResourceID,
		"expiration": sub.Expiration.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token, ok := s.bearerToken(w, r)
	if !ok {
		return
	}
	userID, err := s.creds.ResolveUser(r.Context(), token)
	if err != nil {
		s.authError(w, err)
		return
	}
	providerToken, ok := s.exchangeToken(w, r.Context(), token)
	if !ok {
		return
	}

	err = s.subs.Unsubscribe(r.Context(), providerToken, userID)
	if errors.Is(err, sync.ErrNoSubscription) {
		writeError(w, http.StatusNotFound, "no subscription registered")
		return
	}
	if err != nil {
		s.log.Error("unsubscribe failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "removing subscription failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- Helpers -----------------------------------------------------------------

// bearerToken extracts the session JWT from the Authorization header, writing
// a 401 when it is absent.
func (s *Server) bearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(h, "Bearer ")
	if !found || token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}
	return token, true
}

// exchangeToken swaps a session JWT for a provider token, writing the
// appropriate error response on failure.
func (s *Server) exchangeToken(w http.ResponseWriter, ctx context.Context, sessionJWT string) (string, bool) {
	token, err := s.creds.GoogleToken(ctx, sessionJWT)
	if err != nil {
		s.authError(w, err)
		return "", false
	}
	return token, true
}

// decodeItemRequest handles the shared preamble of create/update: bearer
// token, JSON body, payload validation, token exchange.
func (s *Server) decodeItemRequest(w http.ResponseWriter, r *http.Request) (string, *model.Item, bool) {
	sessionJWT, ok := s.bearerToken(w, r)
	if !ok {
		return "", nil, false
	}

	var payload itemPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return "", nil, false
	}
	item, err := payload.toModel()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", nil, false
	}
	if item.ID == "" {
		writeError(w, http.StatusBadRequest, "item id is required")
		return "", nil, false
	}

	token, ok := s.exchangeToken(w, r.Context(), sessionJWT)
	if !ok {
		return "", nil, false
	}
	return token, item, true
}

// isCallerError reports whether the error is the caller's fault (400) rather
// than a downstream failure.
func isCallerError(err error) bool {
	return errors.Is(err, sync.ErrInvalidWindow) ||
		errors.Is(err, sync.ErrNotSyncable) ||
		errors.Is(err, sync.ErrNotLinked)
}

func (s *Server) syncError(w http.ResponseWriter, op, itemID string, err error, downstreamStatus int) {
	switch {
	case isCallerError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "session rejected")
	default:
		s.log.Error("sync operation failed", "op", op, "item_id", itemID, "error", err)
		writeError(w, downstreamStatus, "calendar "+op+" failed")
	}
}

func (s *Server) authError(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "session rejected")
		return
	}
	s.log.Error("credential service error", "error", err)
	writeError(w, http.StatusBadGateway, "credential service unavailable")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
