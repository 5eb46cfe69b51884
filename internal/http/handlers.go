package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/parthasarathi-encipherhealth/ar-sip/internal/core"
	"github.com/parthasarathi-encipherhealth/ar-sip/internal/db"
	"github.com/parthasarathi-encipherhealth/ar-sip/internal/observer"
	"github.com/parthasarathi-encipherhealth/ar-sip/pkg"
)

const (
	gatherTimeoutSeconds = 4
	sayVoice             = "Polly.Matthew"
	sayLanguage          = "en-US"
	defaultPageSize      = 20
	maxPageSize          = 200
	maxBodyBytes         = 1 << 20
)

// Engine is the conversation engine as seen by the HTTP surface.
type Engine interface {
	StartCall(ctx context.Context, patient pkg.PatientRecord, prompt core.PendingPrompt) (string, error)
	HandleUtterance(ctx context.Context, u core.Utterance) (core.Action, error)
	NotifyTyping(callID string)
	EndCall(ctx context.Context, callID string) error
	EndAll(ctx context.Context) int
	Snapshots() []pkg.CallRecord
	Snapshot(callID string) (pkg.CallRecord, bool)
}

// Repository is the durable store behind the trigger and listing endpoints.
type Repository interface {
	UpsertPatient(ctx context.Context, p pkg.PatientRecord) error
	GetPatient(ctx context.Context, id string) (pkg.PatientRecord, error)
	GetCallRecord(ctx context.Context, callID string) (pkg.CallRecord, error)
	ListCallRecords(ctx context.Context, limit, offset int) ([]pkg.CallRecord, int, error)
	EndKeywords(ctx context.Context) ([]string, error)
}

// Server bundles together the dependencies required by HTTP handlers.  It
// implements http.Handler so it can be passed to an http.Server.
type Server struct {
	Engine    Engine
	Repo      Repository
	Observers http.Handler
	Metrics   http.Handler
	// BaseURL prefixes the redirect and gather URLs handed to the
	// telephony gateway.  When empty it is derived from the request host.
	BaseURL string

	logger *zap.Logger
	router *mux.Router
}

// NewServer wires the routes.  observers and metrics may be nil, in which
// case their routes are not mounted.
func NewServer(engine Engine, repo Repository, observers, metrics http.Handler, baseURL string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		Engine:    engine,
		Repo:      repo,
		Observers: observers,
		Metrics:   metrics,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger,
		router:    mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.recoverer)

	ar := r.PathPrefix("/ar").Subrouter()
	ar.HandleFunc("/trigger", s.handleTrigger).Methods(http.MethodPost)
	ar.HandleFunc("/connect", s.handleConnect).Methods(http.MethodGet, http.MethodPost)
	ar.HandleFunc("/asterisk", s.handleAsterisk).Methods(http.MethodGet, http.MethodPost)
	ar.HandleFunc("/gather", s.handleGather).Methods(http.MethodPost)
	ar.HandleFunc("/end/{callId}", s.handleEnd).Methods(http.MethodGet, http.MethodPost)
	ar.HandleFunc("/endAllLiveCalls", s.handleEndAll).Methods(http.MethodGet, http.MethodPost)
	ar.HandleFunc("/getAllLiveCalls", s.handleLiveCalls).Methods(http.MethodGet)
	ar.HandleFunc("/getAllCallDetails", s.handleCallDetails).Methods(http.MethodGet)
	ar.HandleFunc("/callStatus", s.handleCallStatus).Methods(http.MethodGet)
	ar.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	if s.Observers != nil {
		r.Handle("/ws", s.Observers)
		r.HandleFunc("/ws/{callId}", s.handleObserverPath)
	}
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics).Methods(http.MethodGet)
	}
}

// ServeHTTP dispatches to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type triggerRequest struct {
	Patient     pkg.PatientRecord `json:"patient"`
	Prompt      string            `json:"prompt"`
	EndKeywords []string          `json:"endKeywords"`
}

type triggerResponse struct {
	CallID string `json:"callId"`
}

// handleTrigger stores the patient and starts an outbound call with the
// supplied prompt.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req triggerRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Patient.ID) == "" {
		http.Error(w, "patient.id is required", http.StatusBadRequest)
		return
	}
	if err := s.Repo.UpsertPatient(ctx, req.Patient); err != nil {
		s.logger.Warn("failed to store patient", zap.String("patient_id", req.Patient.ID), zap.Error(err))
	}

	callID, err := s.Engine.StartCall(ctx, req.Patient, core.PendingPrompt{
		SystemPrompt: req.Prompt,
		EndKeywords:  req.EndKeywords,
	})
	if err != nil {
		s.logger.Error("failed to start call", zap.String("patient_id", req.Patient.ID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{CallID: callID})
}

// handleConnect starts a call for a stored patient with the default prompt
// and the stored end keywords.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := param(r, "patientId")
	if patientID == "" {
		http.Error(w, "patientId is required", http.StatusBadRequest)
		return
	}
	patient, err := s.Repo.GetPatient(ctx, patientID)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "patient not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	keywords, err := s.Repo.EndKeywords(ctx)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		s.logger.Warn("failed to load end keywords, using defaults", zap.Error(err))
	}

	callID, err := s.Engine.StartCall(ctx, patient, core.PendingPrompt{EndKeywords: keywords})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeText(w, http.StatusOK, callID)
}

type redirectTarget struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

type gatherResponse struct {
	Type    string `json:"type"`
	Input   string `json:"input"`
	Action  string `json:"action"`
	Method  string `json:"method"`
	Timeout int    `json:"timeout"`
}

type actionResponse struct {
	Type     string          `json:"type"`
	URL      string          `json:"url,omitempty"`
	Digits   string          `json:"digits,omitempty"`
	Voice    string          `json:"voice,omitempty"`
	Language string          `json:"language,omitempty"`
	Text     string          `json:"text,omitempty"`
	Redirect *redirectTarget `json:"redirect,omitempty"`
}

// handleAsterisk tells the observer the remote party is about to speak and
// asks the gateway to gather speech.
func (s *Server) handleAsterisk(w http.ResponseWriter, r *http.Request) {
	patientID := param(r, "patientId")
	s.Engine.NotifyTyping(param(r, "CallSid"))
	writeJSON(w, http.StatusOK, gatherResponse{
		Type:    "gather",
		Input:   "speech",
		Action:  s.base(r) + "/ar/gather?patientId=" + url.QueryEscape(patientID),
		Method:  http.MethodPost,
		Timeout: gatherTimeoutSeconds,
	})
}

// handleGather feeds recognized speech into the dialog and renders the
// resulting action for the gateway.
func (s *Server) handleGather(w http.ResponseWriter, r *http.Request) {
	patientID := param(r, "patientId")
	callID := param(r, "CallSid")
	text := param(r, "SpeechResult")

	act, err := s.Engine.HandleUtterance(r.Context(), core.Utterance{
		CallID:    callID,
		PatientID: patientID,
		Text:      text,
		Via:       core.ViaGather,
	})
	switch {
	case errors.Is(err, core.ErrSessionNotFound):
		act = core.Action{Type: core.ActionHangup}
	case err != nil:
		s.logger.Error("gather transition failed",
			zap.String("call_id", callID),
			zap.String("patient_id", patientID),
			zap.Error(err))
		act = core.Action{Type: core.ActionRedirect}
	}
	s.renderAction(w, r, patientID, act)
}

func (s *Server) renderAction(w http.ResponseWriter, r *http.Request, patientID string, act core.Action) {
	next := s.base(r) + "/ar/asterisk?patientId=" + url.QueryEscape(patientID)
	redirect := &redirectTarget{URL: next, Method: http.MethodPost}

	switch act.Type {
	case core.ActionHangup, core.ActionNone:
		w.WriteHeader(http.StatusOK)
	case core.ActionPlay:
		writeJSON(w, http.StatusOK, actionResponse{Type: "play", Digits: act.Digits, Redirect: redirect})
	case core.ActionSay:
		writeJSON(w, http.StatusOK, actionResponse{
			Type:     "say",
			Voice:    sayVoice,
			Language: sayLanguage,
			Text:     act.Text,
			Redirect: redirect,
		})
	default:
		writeJSON(w, http.StatusOK, actionResponse{Type: "redirect", URL: next})
	}
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["callId"]
	err := s.Engine.EndCall(r.Context(), callID)
	if errors.Is(err, core.ErrSessionNotFound) {
		http.Error(w, "Call not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeText(w, http.StatusOK, "Call Ended")
}

func (s *Server) handleEndAll(w http.ResponseWriter, r *http.Request) {
	n := s.Engine.EndAll(r.Context())
	writeText(w, http.StatusOK, fmt.Sprintf("Total live calls ended: %d", n))
}

func (s *Server) handleLiveCalls(w http.ResponseWriter, r *http.Request) {
	number, size, err := pageParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	live := s.Engine.Snapshots()
	lo := min(number*size, len(live))
	hi := min(lo+size, len(live))
	writeJSON(w, http.StatusOK, pkg.NewPage(live[lo:hi], len(live), number, size))
}

func (s *Server) handleCallDetails(w http.ResponseWriter, r *http.Request) {
	number, size, err := pageParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, total, err := s.Repo.ListCallRecords(r.Context(), size, number*size)
	if err != nil {
		s.logger.Error("failed to list calls", zap.Error(err))
		http.Error(w, "failed to list calls", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pkg.NewPage(records, total, number, size))
}

// handleCallStatus prefers the live view of a call and falls back to the
// stored record once the call has ended.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	callID := param(r, "callId")
	if callID == "" {
		http.Error(w, "callId is required", http.StatusBadRequest)
		return
	}
	if rec, ok := s.Engine.Snapshot(callID); ok {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	rec, err := s.Repo.GetCallRecord(r.Context(), callID)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "Call not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "Asterisk IVR System is running")
}

// handleObserverPath accepts the call id as a path segment and hands it to
// the observer handler as a connection attribute.
func (s *Server) handleObserverPath(w http.ResponseWriter, r *http.Request) {
	ctx := observer.WithCallID(r.Context(), mux.Vars(r)["callId"])
	s.Observers.ServeHTTP(w, r.WithContext(ctx))
}

func (s *Server) base(r *http.Request) string {
	if s.BaseURL != "" {
		return s.BaseURL
	}
	return "https://" + r.Host
}

// param reads a value from the query string or a form body.
func param(r *http.Request, key string) string {
	return strings.TrimSpace(r.FormValue(key))
}

func pageParams(r *http.Request) (number, size int, err error) {
	number, size = 0, defaultPageSize
	q := r.URL.Query()
	if raw := q.Get("page"); raw != "" {
		if number, err = strconv.Atoi(raw); err != nil || number < 0 {
			return 0, 0, fmt.Errorf("page must be a non-negative integer")
		}
	}
	if raw := q.Get("size"); raw != "" {
		if size, err = strconv.Atoi(raw); err != nil || size < 1 {
			return 0, 0, fmt.Errorf("size must be a positive integer")
		}
	}
	return number, min(size, maxPageSize), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
