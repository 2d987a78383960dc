package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Event types written by the engine.
const (
	ProjectCreated      = "project.created"
	ProjectUpdated      = "project.updated"
	ProjectPaused       = "project.paused"
	ProjectResumed      = "project.resumed"
	ProjectDeleted      = "project.deleted"
	ProjectCompleted    = "project.completed"
	ProjectReopened     = "project.reopened"
	ProjectExpired      = "project.expired"
	ProjectHidden       = "project.hidden"
	ItemsImported       = "items.imported"
	ItemClaimed         = "item.claimed"
	ApplicationCreated  = "application.created"
	ApplicationApproved = "application.approved"
	ApplicationRejected = "application.rejected"
	ReportCreated       = "report.created"
	UserBanned          = "user.banned"
	UserUnbanned        = "user.unbanned"
)

// SystemActor marks events not caused by a user.
const SystemActor = "system"

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an audit event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = SystemActor
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// Actor formats a user id as an event actor.
func Actor(userID int64) string {
	if userID == 0 {
		return SystemActor
	}
	return strconv.FormatInt(userID, 10)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
