package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
)

// Session lifecycle events.
const (
	EventLogin              = "session.login"
	EventLogout             = "session.logout"
	EventRefreshed          = "session.refreshed"
	EventOrganizationChosen = "session.organization.selected"
	EventOrganizationReset  = "session.organization.cleared"
)

// LogEvent writes an audit log entry enriched with request and session context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid, ok := auth.RequestIDFromContext(ctx); ok {
		entry["request_id"] = rid
	}
	if sid, ok := auth.SessionIDFromContext(ctx); ok {
		entry["session_id"] = sid
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
