package http

import (
	"time"

	"github.com/fyrsmithlabs/actiond/internal/action"
	"github.com/fyrsmithlabs/actiond/internal/registry"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	Mode          string `json:"mode"`
	ActiveActions int    `json:"active_actions"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ActionView is one entry of GET /api/v1/actions.
type ActionView struct {
	ActionID  string          `json:"action_id"`
	Type      action.Type     `json:"action_type"`
	Target    string          `json:"target"`
	StartedAt time.Time       `json:"started_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Status    registry.Status `json:"status"`
}

// ActionsResponse is the response body for GET /api/v1/actions.
type ActionsResponse struct {
	Actions []ActionView `json:"actions"`
	Count   int          `json:"count"`
}

// RollbackRequest is the request body for POST /api/v1/actions/:id/rollback.
type RollbackRequest struct {
	Reason string `json:"reason"`
}

// RollbacksResponse is the response body for GET /api/v1/rollbacks.
type RollbacksResponse struct {
	Rollbacks []registry.RollbackRecord `json:"rollbacks"`
	Count     int                       `json:"count"`
}

func viewOf(a registry.ActiveAction) ActionView {
	return ActionView{
		ActionID:  a.ID(),
		Type:      a.Decision.Type,
		Target:    a.Decision.Target(),
		StartedAt: a.StartedAt,
		ExpiresAt: a.ExpiresAt,
		Status:    a.Status,
	}
}
