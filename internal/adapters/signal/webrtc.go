package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/proctor/internal/core"
	"github.com/dkeye/proctor/internal/domain"
	"github.com/rs/zerolog/log"
)

// handleOffer negotiates off the read loop so pings keep flowing while
// ICE gathers.
func (ctl *SignalWSController) handleOffer(ctx context.Context, client string, conn *WsSignalConn, data []byte) {
	var offer domain.Offer
	if err := json.Unmarshal(data, &offer); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad offer payload")
		ctl.sendError(conn, "malformed offer")
		return
	}
	offer.Client = client

	go func() {
		answer, err := ctl.Orch.Negotiate(ctx, offer)
		if err != nil {
			ctl.sendError(conn, errorText(err))
			return
		}
		ctl.sendJSON(conn, answer)
	}()
}

// errorText hides internal details; the full error is in the server log.
func errorText(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidOffer):
		return err.Error()
	case errors.Is(err, core.ErrRateLimited):
		return core.ErrRateLimited.Error()
	case errors.Is(err, core.ErrShuttingDown):
		return core.ErrShuttingDown.Error()
	default:
		return core.ErrNegotiationFailed.Error()
	}
}
