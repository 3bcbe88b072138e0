package api

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/types"
)

// WebhookCreateRequest registers an endpoint for selected event types.
type WebhookCreateRequest struct {
	Name          string                     `json:"name"`
	URL           string                     `json:"url"`
	EventTypes    []types.EventType          `json:"event_types"`
	SecretToken   *string                    `json:"secret_token,omitempty"`
	MessageFormat types.WebhookMessageFormat `json:"message_format,omitempty"`
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be http or https")
	}
	return nil
}

func validateEventTypes(eventTypes []types.EventType) error {
	if len(eventTypes) == 0 {
		return fmt.Errorf("event_types must not be empty")
	}
	for _, et := range eventTypes {
		if !types.ValidEventType(et) {
			return fmt.Errorf("unknown event type %q", et)
		}
	}
	return nil
}

// redactWebhook strips the delivery secret before a webhook leaves the API.
func redactWebhook(w *types.Webhook) *types.Webhook {
	redacted := *w
	redacted.SecretToken = nil
	return &redacted
}

func (s *Server) handleWebhookGet(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("webhook_id") {
		webhookID, ok := queryUUID(w, r, "webhook_id")
		if !ok {
			return
		}
		hook, err := s.registry.Webhooks.Get(webhookID)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		writeJSON(w, http.StatusOK, redactWebhook(hook))
		return
	}

	hooks, err := s.registry.Webhooks.List()
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(hooks, func(h *types.Webhook, _ int) *types.Webhook {
		return redactWebhook(h)
	}))
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	var req WebhookCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "name is required")
		return
	}
	if err := validateWebhookURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, err.Error())
		return
	}
	if err := validateEventTypes(req.EventTypes); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, err.Error())
		return
	}
	if req.MessageFormat == "" {
		req.MessageFormat = types.WebhookMessageFormatFlat
	}
	if req.MessageFormat != types.WebhookMessageFormatFlat && req.MessageFormat != types.WebhookMessageFormatEventGrid {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest,
			fmt.Sprintf("message_format must be %s or %s", types.WebhookMessageFormatFlat, types.WebhookMessageFormatEventGrid))
		return
	}

	hook := &types.Webhook{
		WebhookID:     uuid.New(),
		Name:          req.Name,
		URL:           req.URL,
		EventTypes:    req.EventTypes,
		SecretToken:   req.SecretToken,
		MessageFormat: req.MessageFormat,
	}
	if err := s.registry.Webhooks.Create(hook); err != nil {
		writeStoreError(w, err, types.ErrorUnableToCreate)
		return
	}
	writeJSON(w, http.StatusOK, redactWebhook(hook))
}

// WebhookUpdateRequest adjusts an existing webhook; nil fields keep their
// current value.
type WebhookUpdateRequest struct {
	WebhookID     uuid.UUID                   `json:"webhook_id"`
	Name          *string                     `json:"name,omitempty"`
	URL           *string                     `json:"url,omitempty"`
	EventTypes    []types.EventType           `json:"event_types,omitempty"`
	SecretToken   *string                     `json:"secret_token,omitempty"`
	MessageFormat *types.WebhookMessageFormat `json:"message_format,omitempty"`
}

func (s *Server) handleWebhookUpdate(w http.ResponseWriter, r *http.Request) {
	var req WebhookUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	hook, err := s.registry.Webhooks.Get(req.WebhookID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	if req.Name != nil {
		hook.Name = *req.Name
	}
	if req.URL != nil {
		if err := validateWebhookURL(*req.URL); err != nil {
			writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, err.Error())
			return
		}
		hook.URL = *req.URL
	}
	if req.EventTypes != nil {
		if err := validateEventTypes(req.EventTypes); err != nil {
			writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, err.Error())
			return
		}
		hook.EventTypes = req.EventTypes
	}
	if req.SecretToken != nil {
		hook.SecretToken = req.SecretToken
	}
	if req.MessageFormat != nil {
		hook.MessageFormat = *req.MessageFormat
	}
	if err := s.registry.Webhooks.Save(hook); err != nil {
		writeStoreError(w, err, types.ErrorUnableToUpdate)
		return
	}
	writeJSON(w, http.StatusOK, redactWebhook(hook))
}

// WebhookSelector names a webhook for delete, ping and log requests.
type WebhookSelector struct {
	WebhookID uuid.UUID `json:"webhook_id"`
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	var sel WebhookSelector
	if !decodeJSON(w, r, &sel) {
		return
	}
	hook, err := s.registry.Webhooks.Get(sel.WebhookID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	if err := s.registry.Webhooks.Delete(hook); err != nil {
		writeStoreError(w, err, types.ErrorUnableToUpdate)
		return
	}
	writeJSON(w, http.StatusOK, BoolResult{Result: true})
}

func (s *Server) handleWebhookPing(w http.ResponseWriter, r *http.Request) {
	var sel WebhookSelector
	if !decodeJSON(w, r, &sel) {
		return
	}
	hook, err := s.registry.Webhooks.Get(sel.WebhookID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	ping, err := s.webhooks.Ping(hook)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToCreate, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ping)
}

func (s *Server) handleWebhookLogs(w http.ResponseWriter, r *http.Request) {
	var sel WebhookSelector
	if !decodeJSON(w, r, &sel) {
		return
	}
	logs, err := s.registry.WebhookLogs.SearchByWebhook(sel.WebhookID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
