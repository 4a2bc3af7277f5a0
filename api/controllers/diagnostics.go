package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/stockhold/api/responses"
	"github.com/angelmondragon/stockhold/internal/diagnostics"
	"github.com/angelmondragon/stockhold/pkg/logger"
)

type snapshotter interface {
	Snapshot(ctx context.Context) (*diagnostics.Snapshot, error)
}

// Diagnostics serves the read-only reservation snapshot.
func Diagnostics(reporter snapshotter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := reporter.Snapshot(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, snap)
	}
}
