package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/actiond/internal/action"
	"github.com/fyrsmithlabs/actiond/internal/executor"
	"github.com/fyrsmithlabs/actiond/internal/governor"
	"github.com/fyrsmithlabs/actiond/internal/registry"
	"github.com/fyrsmithlabs/actiond/internal/translate"
)

const (
	defaultOutcomeLimit = 20
	maxOutcomeLimit     = 500
	defaultTopK         = 5
	maxTopK             = 50
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       s.config.Version,
		Mode:          s.config.Mode,
		ActiveActions: len(s.service.Active()),
	})
}

// handleSubmit accepts an action.Decision. The response status mirrors the
// submission result: 202 for accepted or escalated, 422 for rejected and
// 502 when the control plane or metrics source failed.
func (s *Server) handleSubmit(c echo.Context) error {
	var d action.Decision
	if err := json.NewDecoder(c.Request().Body).Decode(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid decision: "+err.Error())
	}

	ctx := c.Request().Context()
	res, err := s.service.Submit(ctx, d, nil)
	if err != nil {
		s.metrics.recordSubmission(ctx, "direct", "error")
		return s.submitError(err)
	}
	s.metrics.recordSubmission(ctx, "direct", string(res.Status))
	return c.JSON(submitStatusCode(res.Status), res)
}

func (s *Server) handleSubmitUpstream(c echo.Context) error {
	var u translate.Upstream
	if err := json.NewDecoder(c.Request().Body).Decode(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid upstream decision: "+err.Error())
	}

	ctx := c.Request().Context()
	res, err := s.service.SubmitUpstream(ctx, u)
	if err != nil {
		s.metrics.recordSubmission(ctx, "upstream", "error")
		return s.submitError(err)
	}
	s.metrics.recordSubmission(ctx, "upstream", string(res.Status))
	return c.JSON(submitStatusCode(res.Status), res)
}

func (s *Server) submitError(err error) error {
	switch {
	case errors.Is(err, governor.ErrShuttingDown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, registry.ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, action.ErrInvalidDecision),
		errors.Is(err, action.ErrUnknownType),
		errors.Is(err, action.ErrInvalidParams):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("submission failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func submitStatusCode(st governor.SubmitStatus) int {
	switch st {
	case governor.SubmitAccepted, governor.SubmitEscalated:
		return http.StatusAccepted
	case governor.SubmitRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

// handleValidate dry-runs the safety checks without reserving a slot.
func (s *Server) handleValidate(c echo.Context) error {
	var d action.Decision
	if err := json.NewDecoder(c.Request().Body).Decode(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid decision: "+err.Error())
	}
	if err := d.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, s.service.Validate(d))
}

func (s *Server) handleListActions(c echo.Context) error {
	active := s.service.Active()
	views := make([]ActionView, 0, len(active))
	for _, a := range active {
		views = append(views, viewOf(a))
	}
	return c.JSON(http.StatusOK, ActionsResponse{Actions: views, Count: len(views)})
}

func (s *Server) handleGetAction(c echo.Context) error {
	a, ok := s.service.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "action not found")
	}
	return c.JSON(http.StatusOK, a)
}

// handleRollback issues a manual rollback. Repeating it for an action that
// is already rolled back answers 409.
func (s *Server) handleRollback(c echo.Context) error {
	var req RollbackRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	res := s.service.Rollback(c.Request().Context(), c.Param("id"), req.Reason)
	code := http.StatusOK
	switch res.Status {
	case executor.RollbackNotFound:
		code = http.StatusNotFound
	case executor.RollbackNoop:
		code = http.StatusConflict
	case executor.RollbackFailed:
		code = http.StatusBadGateway
	}
	return c.JSON(code, res)
}

func (s *Server) handleRollbacks(c echo.Context) error {
	records := s.service.Rollbacks()
	if records == nil {
		records = []registry.RollbackRecord{}
	}
	return c.JSON(http.StatusOK, RollbacksResponse{Rollbacks: records, Count: len(records)})
}

func (s *Server) handleRecentOutcomes(c echo.Context) error {
	limit, err := intParam(c, "limit", defaultOutcomeLimit, maxOutcomeLimit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.service.RecentOutcomes(limit))
}

func (s *Server) handleOutcomeStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.OutcomeStats())
}

func (s *Server) handleLearningStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.LearningStats(c.Request().Context()))
}

// handleSimilar takes optional features as a JSON object in the features
// query parameter.
func (s *Server) handleSimilar(c echo.Context) error {
	topK, err := intParam(c, "top_k", defaultTopK, maxTopK)
	if err != nil {
		return err
	}
	var features map[string]any
	if raw := c.QueryParam("features"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &features); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "features must be a JSON object")
		}
	}
	return c.JSON(http.StatusOK, s.service.Similar(c.Request().Context(), c.Param("type"), features, topK))
}

func intParam(c echo.Context, name string, def, maxVal int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a positive integer")
	}
	return min(n, maxVal), nil
}
