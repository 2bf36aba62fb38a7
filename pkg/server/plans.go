package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/raterudder/batteryplan/pkg/controller"
	"github.com/raterudder/batteryplan/pkg/log"
	"github.com/raterudder/batteryplan/pkg/plan"
	"github.com/raterudder/batteryplan/pkg/types"
)

const maxListPlans = 100

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	filter := types.PlanFilter{
		Type:   types.PlanType(q.Get("type")),
		Status: types.PlanStatus(q.Get("status")),
		Limit:  20,
	}
	if l := q.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 1 || limit > maxListPlans {
			writeJSONError(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	plans, err := s.controller.Plans().ListPlans(ctx, filter)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list plans", slog.Any("error", err))
		writeJSONError(w, "failed to list plans", http.StatusInternalServerError)
		return
	}
	if plans == nil {
		plans = []types.Plan{}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, plans)
}

func (s *Server) handleActivePlan(w http.ResponseWriter, r *http.Request) {
	p := s.controller.Plans().GetActivePlan()
	if p == nil {
		writeJSONError(w, "no active plan", http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, p)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.controller.Plans().GetPlan(ctx, r.PathValue("id"))
	if err != nil {
		s.writePlanError(w, r, "failed to get plan", err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, p)
}

// manualPlanRequest asks for a plan reaching TargetSOCPercent by TargetTime.
type manualPlanRequest struct {
	TargetSOCPercent float64     `json:"targetSOCPercent"`
	TargetTime       time.Time   `json:"targetTime"`
	HoldingHours     *float64    `json:"holdingHours,omitempty"`
	HoldingMode      *types.Mode `json:"holdingMode,omitempty"`
	// Hours overrides the planning horizon.
	Hours    float64 `json:"hours,omitempty"`
	Activate bool    `json:"activate,omitempty"`
}

func (s *Server) handleCreateManualPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req manualPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode manual plan", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	settings, err := s.controller.Settings(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}

	now := s.controller.Now()
	hours := settings.HorizonHours
	if req.Hours > 0 {
		hours = req.Hours
	}
	end := now.Add(time.Duration(hours * float64(time.Hour)))

	switch {
	case req.TargetSOCPercent <= 0 || req.TargetSOCPercent > 100:
		writeJSONError(w, "targetSOCPercent must be in (0, 100]", http.StatusBadRequest)
		return
	case !req.TargetTime.After(now) || !req.TargetTime.Before(end):
		writeJSONError(w, "targetTime must be inside the planning horizon", http.StatusBadRequest)
		return
	case req.HoldingHours != nil && *req.HoldingHours < 0:
		writeJSONError(w, "holdingHours must not be negative", http.StatusBadRequest)
		return
	case req.HoldingMode != nil && !req.HoldingMode.Valid():
		writeJSONError(w, "invalid holdingMode", http.StatusBadRequest)
		return
	}

	status, err := s.controller.Status(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get status", slog.Any("error", err))
		writeJSONError(w, "failed to get status", http.StatusBadGateway)
		return
	}
	sim, err := s.controller.Simulator(ctx, now, settings, status)
	if err != nil {
		if errors.Is(err, controller.ErrSOCUnknown) {
			writeJSONError(w, "battery state of charge is unknown", http.StatusConflict)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to build simulator", slog.Any("error", err))
		writeJSONError(w, "failed to build simulator", http.StatusInternalServerError)
		return
	}

	p, err := s.controller.Plans().CreateManualPlan(ctx, sim, now, end, req.TargetSOCPercent, req.TargetTime, req.HoldingHours, req.HoldingMode)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create manual plan", slog.Any("error", err))
		writeJSONError(w, "failed to create manual plan", http.StatusInternalServerError)
		return
	}
	if req.Activate {
		p, err = s.controller.Plans().ActivatePlan(ctx, p.ID)
		if err != nil {
			s.writePlanError(w, r, "failed to activate plan", err)
			return
		}
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"manual plan created",
		slog.String("planID", p.ID),
		slog.Bool("activated", req.Activate),
		slog.String("email", s.getEmail(r)),
	)
	writeJSONStatus(w, http.StatusCreated, p)
}

func (s *Server) handleActivatePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.controller.Plans().ActivatePlan(ctx, r.PathValue("id"))
	if err != nil {
		s.writePlanError(w, r, "failed to activate plan", err)
		return
	}
	writeJSON(w, p)
}

func (s *Server) handleDeactivatePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.controller.Plans().DeactivatePlan(ctx, r.PathValue("id"))
	if err != nil {
		s.writePlanError(w, r, "failed to deactivate plan", err)
		return
	}
	writeJSON(w, p)
}

func (s *Server) writePlanError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, plan.ErrPlanNotFound):
		writeJSONError(w, "plan not found", http.StatusNotFound)
	case errors.Is(err, plan.ErrPlanDeactivated):
		writeJSONError(w, "plan was deactivated", http.StatusConflict)
	default:
		log.Ctx(ctx).ErrorContext(ctx, msg, slog.Any("error", err))
		writeJSONError(w, msg, http.StatusInternalServerError)
	}
}

func (s *Server) handleBalancingState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, s.controller.Balancing().State())
}

func (s *Server) handleWeatherState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, s.controller.Weather().State())
}
