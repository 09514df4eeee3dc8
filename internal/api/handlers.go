package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"equities-bot/internal/broker"
	"equities-bot/internal/positions"
	"equities-bot/internal/stream"
	"equities-bot/pkg/types"
)

type handlers struct {
	scheduler SchedulerControl
	broker    broker.Broker
	syncer    *positions.Syncer
	hub       *stream.Hub
	origins   []string
	logger    *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch types.KindOf(err) {
	case types.KindInvalidRequest:
		return http.StatusConflict // lifecycle ops: wrong current state
	case types.KindConflict:
		return http.StatusConflict
	case types.KindCapacity:
		return http.StatusServiceUnavailable
	case types.KindDisconnected, types.KindUnavailable:
		return http.StatusServiceUnavailable
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"scheduler": h.scheduler.Stats(r.Context()),
		"broker": map[string]any{
			"connected": h.broker.IsConnected(),
		},
		"sync": h.syncer.Stats(),
	})
}

func (h *handlers) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Stats(r.Context()))
}

// schedulerOp wraps one lifecycle transition.
func (h *handlers) schedulerOp(name string, op func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		h.logger.Info("scheduler operation", "op", name, "state", h.scheduler.State())
		writeJSON(w, http.StatusOK, map[string]string{"state": h.scheduler.State()})
	}
}

func (h *handlers) brokerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"connected": h.broker.IsConnected()})
}

func (h *handlers) brokerConnect(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.Connect(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connected": true})
}

func (h *handlers) brokerDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.Disconnect(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connected": false})
}

// positionsSync runs one manual pass. 202 accepted with the pass result;
// 409 while another pass holds the lock.
func (h *handlers) positionsSync(w http.ResponseWriter, r *http.Request) {
	res, err := h.syncer.Sync(r.Context(), true)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// websocket checks the origin, upgrades, and hands the socket to the hub.
func (h *handlers) websocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable,
			types.Errorf(types.KindUnavailable, "api.websocket", "streaming disabled"))
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.originAllowed,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	if _, err := h.hub.Accept(conn); err != nil {
		h.logger.Warn("websocket rejected", "error", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "at capacity"))
		conn.Close()
	}
}

// originAllowed applies the configured allowlist. "*" or an empty list
// admits everything; browsers without an Origin header are admitted too.
func (h *handlers) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
