package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"meshgate.org/internal/auth"
	"meshgate.org/internal/ids"
	"meshgate.org/internal/obs"
)

// Audit events.
const (
	EventLogout             = "auth.logout"
	EventUserDenied         = "auth.user_denied"
	EventOrgProvisioned     = "org.provisioned"
	EventOrgProvisionFailed = "org.provision_failed"
)

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields ...zap.Field) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := make([]zap.Field, 0, len(fields)+3)
	entry = append(entry, zap.String("type", "audit"))
	if rid := ids.RequestIDFromContext(ctx); rid != "" {
		entry = append(entry, zap.String("request_id", rid))
	}
	if user, ok := auth.UserFromContext(ctx); ok {
		entry = append(entry, zap.String("user_id", user.ID))
	}
	entry = append(entry, fields...)
	obs.Logger().Named("audit").Info(event, entry...)
	return nil
}
