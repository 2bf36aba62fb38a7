package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/raterudder/batteryplan/pkg/controller"
	"github.com/raterudder/batteryplan/pkg/log"
)

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	res, err := s.controller.Update(ctx)
	if err != nil {
		switch {
		case errors.Is(err, controller.ErrUpdateInProgress):
			log.Ctx(ctx).WarnContext(ctx, "update already in progress")
			writeJSONError(w, "update already in progress", http.StatusConflict)
		case errors.Is(err, controller.ErrInvalidSettings):
			log.Ctx(ctx).ErrorContext(ctx, "update failed", slog.Any("error", err))
			writeJSONError(w, err.Error(), http.StatusBadRequest)
		default:
			log.Ctx(ctx).ErrorContext(ctx, "update failed", slog.Any("error", err))
			writeJSONError(w, "update failed", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, res)
}

// runUpdates calls Update every interval until ctx is done.
func (s *Server) runUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.controller.Update(ctx); err != nil {
				if errors.Is(err, controller.ErrUpdateInProgress) {
					log.Ctx(ctx).DebugContext(ctx, "skipping scheduled update, one is already running")
					continue
				}
				log.Ctx(ctx).ErrorContext(ctx, "scheduled update failed", slog.Any("error", err))
			}
		}
	}
}
