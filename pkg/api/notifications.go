package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/cuemby/hutch/pkg/blob"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/types"
)

// NotificationCreateRequest binds a notifier config to a container.
type NotificationCreateRequest struct {
	Container       string          `json:"container"`
	Config          json.RawMessage `json:"config"`
	ReplaceExisting bool            `json:"replace_existing,omitempty"`
}

func (s *Server) handleNotificationList(w http.ResponseWriter, r *http.Request) {
	if container := r.URL.Query().Get("container"); container != "" {
		notifications, err := s.registry.Notifications.SearchByContainer(container)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		writeJSON(w, http.StatusOK, notifications)
		return
	}

	notifications, err := s.registry.Notifications.List()
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (s *Server) handleNotificationCreate(w http.ResponseWriter, r *http.Request) {
	var req NotificationCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !blob.ValidContainerName(req.Container) {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidContainer, "invalid container name")
		return
	}
	if len(req.Config) == 0 || !json.Valid(req.Config) {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "config must be a json object")
		return
	}
	if req.ReplaceExisting {
		existing, err := s.registry.Notifications.SearchByContainer(req.Container)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		for _, n := range existing {
			if err := s.registry.Notifications.Delete(n); err != nil {
				writeStoreError(w, err, types.ErrorUnableToUpdate)
				return
			}
		}
	}

	notification := &types.Notification{
		NotificationID: uuid.New(),
		Container:      req.Container,
		Config:         req.Config,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.registry.Notifications.Create(notification); err != nil {
		writeStoreError(w, err, types.ErrorUnableToCreate)
		return
	}
	writeJSON(w, http.StatusOK, notification)
}

// NotificationSelector names a notification for delete and test requests.
type NotificationSelector struct {
	NotificationID uuid.UUID `json:"notification_id"`
}

func (s *Server) handleNotificationDelete(w http.ResponseWriter, r *http.Request) {
	var sel NotificationSelector
	if !decodeJSON(w, r, &sel) {
		return
	}
	notification, err := s.registry.Notifications.Get(sel.NotificationID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	if err := s.registry.Notifications.Delete(notification); err != nil {
		writeStoreError(w, err, types.ErrorUnableToUpdate)
		return
	}
	writeJSON(w, http.StatusOK, notification)
}

// handleNotificationTest pushes a synthetic crash report through the event
// pipeline so users can verify their notifier wiring end to end.
func (s *Server) handleNotificationTest(w http.ResponseWriter, r *http.Request) {
	var sel NotificationSelector
	if !decodeJSON(w, r, &sel) {
		return
	}
	notification, err := s.registry.Notifications.Get(sel.NotificationID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}

	report, err := json.Marshal(map[string]any{
		"input_blob": map[string]string{
			"container": notification.Container,
			"name":      "test-crash",
		},
		"executable": "fuzz.exe",
		"crash_type": "fake crash report",
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorNotificationFailure, err.Error())
		return
	}
	s.broker.Publish(events.CrashReported{
		Container: notification.Container,
		Filename:  "test-crash",
		Report:    report,
	})
	writeJSON(w, http.StatusOK, BoolResult{Result: true})
}
