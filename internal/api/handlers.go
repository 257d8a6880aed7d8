// Package api exposes the daemon control surface: a JSON HTTP API served
// over the session's unix socket, consumed by voxctl.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/gbarbosa/vox/internal/bus"
	"github.com/gbarbosa/vox/internal/channel"
	"github.com/gbarbosa/vox/internal/creds"
	"github.com/gbarbosa/vox/internal/status"
	"github.com/gbarbosa/vox/internal/store"
	syncengine "github.com/gbarbosa/vox/internal/sync"
)

// Queue is the delivery queue surface the API drives.
type Queue interface {
	Enqueue(messageID int64, kind channel.Kind) (string, error)
	Cancel(messageID int64) error
	Retry(messageID int64) (string, error)
	Resume(messageID int64, outcome string) error
}

// Sync is the sync engine surface the API drives.
type Sync interface {
	Trigger()
	Status() syncengine.Status
}

// Ledger records and replays compensating logouts.
type Ledger interface {
	Record(deviceID, accountID, token string) error
	DrainAll(ctx context.Context) error
}

// Handler serves the control API.
type Handler struct {
	db       *store.DB
	queue    Queue
	sync     Sync
	ledger   Ledger
	creds    creds.Store
	machine  *status.Machine
	bus      *bus.Bus
	session  string
	deviceID string
	logger   *zap.Logger
}

// NewHandler creates the control API handler.
func NewHandler(db *store.DB, q Queue, s Sync, l Ledger, cs creds.Store, m *status.Machine, eb *bus.Bus, session, deviceID string, logger *zap.Logger) *Handler {
	return &Handler{
		db:       db,
		queue:    q,
		sync:     s,
		ledger:   l,
		creds:    cs,
		machine:  m,
		bus:      eb,
		session:  session,
		deviceID: deviceID,
		logger:   logger,
	}
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/status", h.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/chats", h.listChats).Methods(http.MethodGet)
	r.HandleFunc("/v1/chats/{id:[0-9]+}/messages", h.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/messages", h.createMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{id:[0-9]+}/retry", h.retryMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{id:[0-9]+}/cancel", h.cancelMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{id:[0-9]+}/resume", h.resumeMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/sync", h.triggerSync).Methods(http.MethodPost)
	r.HandleFunc("/v1/sync/status", h.syncStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/logout", h.logout).Methods(http.MethodPost)
	r.HandleFunc("/v1/callbacks/sms", h.smsCallback).Methods(http.MethodPost)
	return r
}

type StatusResponse struct {
	Session       string            `json:"session"`
	State         status.State      `json:"state"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Account       string            `json:"account"`
	Sync          syncengine.Status `json:"sync"`
}

func (h *Handler) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Session:       h.session,
		State:         h.machine.Current(),
		UptimeSeconds: int64(h.machine.Uptime().Seconds()),
		Account:       h.creds.Account(),
		Sync:          h.sync.Status(),
	})
}

func (h *Handler) listChats(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 100)
	offset := intQuery(r, "offset", 0)
	chats, err := h.db.ListChats(limit, offset)
	if err != nil {
		h.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	chatID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	before := int64(intQuery(r, "before", 0))
	limit := intQuery(r, "limit", 50)
	msgs, err := h.db.ListMessages(chatID, before, limit)
	if err != nil {
		h.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type CreateMessageRequest struct {
	Recipients    []string `json:"recipients"`
	Subject       string   `json:"subject"`
	Body          string   `json:"body"`
	RecordingPath string   `json:"recording_path"`
	DurationMS    int64    `json:"duration_ms"`
	Channel       string   `json:"channel"`
}

type CreateMessageResponse struct {
	MessageID int64  `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
	TaskUID   string `json:"task_uid"`
}

func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request) {
	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Recipients) == 0 {
		h.failMsg(w, http.StatusBadRequest, "at least one recipient required")
		return
	}
	kind, err := channel.ParseKind(req.Channel)
	if err != nil {
		h.fail(w, http.StatusBadRequest, err)
		return
	}

	chatID, err := h.db.UpsertChat(req.Recipients[0], "")
	if err != nil {
		h.fail(w, http.StatusInternalServerError, err)
		return
	}

	msg := &store.Message{
		ChatID:       chatID,
		AuthorEmail:  h.creds.Account(),
		Subject:      req.Subject,
		Body:         req.Body,
		RegisteredAt: time.Now().UnixMilli(),
	}
	if req.RecordingPath != "" {
		rec := &store.Recording{Path: req.RecordingPath, DurationMS: req.DurationMS}
		if err := h.db.CreateRecording(rec); err != nil {
			h.fail(w, http.StatusInternalServerError, err)
			return
		}
		msg.RecordingID = rec.ID
	}
	if err := h.db.CreateMessage(msg, req.Recipients); err != nil {
		h.fail(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.db.TouchChat(chatID, msg.RegisteredAt, req.Subject); err != nil {
		h.fail(w, http.StatusInternalServerError, err)
		return
	}

	uid, err := h.queue.Enqueue(msg.ID, kind)
	if err != nil {
		h.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateMessageResponse{MessageID: msg.ID, ChatID: chatID, TaskUID: uid})
}

func (h *Handler) retryMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	uid, err := h.queue.Retry(id)
	if err != nil {
		h.fail(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_uid": uid})
}

func (h *Handler) cancelMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err := h.queue.Cancel(id); err != nil {
		h.fail(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ResumeRequest struct {
	Outcome string `json:"outcome"`
}

func (h *Handler) resumeMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	var req ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, http.StatusBadRequest, err)
		return
	}
	if err := h.queue.Resume(id, req.Outcome); err != nil {
		h.fail(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) triggerSync(w http.ResponseWriter, _ *http.Request) {
	h.sync.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) syncStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sync.Status())
}

// logout records the compensating action with the current token snapshot,
// then destroys local credentials, then tries one immediate drain. The
// recorded entry survives a failed drain and rides along with later sync
// cycles.
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	token, _ := h.creds.Peek()
	account := h.creds.Account()
	if err := h.ledger.Record(h.deviceID, account, token); err != nil {
		h.fail(w, http.StatusInternalServerError, err)
		return
	}
	h.creds.Invalidate()

	drained := true
	if err := h.ledger.DrainAll(r.Context()); err != nil {
		drained = false
		h.logger.Warn("logout drain deferred", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"drained": drained})
}

type smsCallbackRequest struct {
	UID    string `json:"uid"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

func (h *Handler) smsCallback(w http.ResponseWriter, r *http.Request) {
	var req smsCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, http.StatusBadRequest, err)
		return
	}
	if req.UID == "" {
		h.failMsg(w, http.StatusBadRequest, "uid required")
		return
	}
	h.bus.Emit(bus.KindSMSReport, bus.SMSReport{TaskUID: req.UID, Status: req.Status, Detail: req.Detail})
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) fail(w http.ResponseWriter, code int, err error) {
	if code >= 500 {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (h *Handler) failMsg(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func intQuery(r *http.Request, key string, def int) int {
	if s := r.URL.Query().Get(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}
