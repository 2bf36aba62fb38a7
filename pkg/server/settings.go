package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/raterudder/batteryplan/pkg/controller"
	"github.com/raterudder/batteryplan/pkg/log"
	"github.com/raterudder/batteryplan/pkg/types"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings, err := s.controller.Settings(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// start from the stored settings so omitted fields keep their values
	settings, err := s.controller.Settings(ctx)
	if err != nil && !errors.Is(err, controller.ErrInvalidSettings) {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	if err != nil {
		settings = types.DefaultSettings()
	}

	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.controller.SaveSettings(ctx, settings); err != nil {
		if errors.Is(err, controller.ErrInvalidSettings) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
		writeJSONError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "settings updated", slog.String("email", s.getEmail(r)))
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, settings)
}
