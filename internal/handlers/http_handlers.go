// Package handlers exposes the campaign engine's HTTP API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegis-shield/campaign-engine/internal/apperrors"
	"github.com/aegis-shield/campaign-engine/internal/audience"
	"github.com/aegis-shield/campaign-engine/internal/config"
	"github.com/aegis-shield/campaign-engine/internal/database"
	"github.com/aegis-shield/campaign-engine/internal/lifecycle"
	"github.com/aegis-shield/campaign-engine/internal/metrics"
	"github.com/aegis-shield/campaign-engine/internal/scheduler"
)

// orgHeader carries the calling organization. Every campaign route is
// scoped by it.
const orgHeader = "X-Org-ID"

// StatsSource is anything that can report point-in-time statistics
type StatsSource interface {
	GetStats() map[string]interface{}
}

// HTTPHandler handles HTTP requests for the campaign engine
type HTTPHandler struct {
	config         *config.Config
	logger         *slog.Logger
	controller     *lifecycle.Controller
	campaignRepo   *database.CampaignRepository
	assignmentRepo *database.AssignmentRepository
	blackoutRepo   *database.BlackoutRepository
	profileRepo    *database.ProfileRepository
	evaluator      *audience.Evaluator
	launchSched    *scheduler.LaunchScheduler
	runner         StatsSource
	sequencer      StatsSource
	producer       StatsSource
	collector      *metrics.Collector
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	cfg *config.Config,
	logger *slog.Logger,
	controller *lifecycle.Controller,
	campaignRepo *database.CampaignRepository,
	assignmentRepo *database.AssignmentRepository,
	blackoutRepo *database.BlackoutRepository,
	profileRepo *database.ProfileRepository,
	evaluator *audience.Evaluator,
	launchSched *scheduler.LaunchScheduler,
	runner StatsSource,
	sequencer StatsSource,
	producer StatsSource,
	collector *metrics.Collector,
) *HTTPHandler {
	return &HTTPHandler{
		config:         cfg,
		logger:         logger,
		controller:     controller,
		campaignRepo:   campaignRepo,
		assignmentRepo: assignmentRepo,
		blackoutRepo:   blackoutRepo,
		profileRepo:    profileRepo,
		evaluator:      evaluator,
		launchSched:    launchSched,
		runner:         runner,
		sequencer:      sequencer,
		producer:       producer,
		collector:      collector,
	}
}

// RegisterRoutes registers HTTP routes
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.Use(h.metricsMiddleware)

	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	router.HandleFunc("/status", h.handleStatus).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	campaignRouter := router.PathPrefix("/campaigns").Subrouter()
	campaignRouter.HandleFunc("", h.handleCreateCampaign).Methods("POST")
	campaignRouter.HandleFunc("", h.handleListCampaigns).Methods("GET")
	campaignRouter.HandleFunc("/{id}", h.handleGetCampaign).Methods("GET")
	campaignRouter.HandleFunc("/{id}", h.handleUpdateCampaign).Methods("PUT")
	campaignRouter.HandleFunc("/{id}/launch", h.handleLaunchCampaign).Methods("POST")
	campaignRouter.HandleFunc("/{id}/schedule", h.handleScheduleCampaign).Methods("POST")
	campaignRouter.HandleFunc("/{id}/schedule", h.handleUnscheduleCampaign).Methods("DELETE")
	campaignRouter.HandleFunc("/{id}/pause", h.handlePauseCampaign).Methods("POST")
	campaignRouter.HandleFunc("/{id}/resume", h.handleResumeCampaign).Methods("POST")
	campaignRouter.HandleFunc("/{id}/cancel", h.handleCancelCampaign).Methods("POST")
	campaignRouter.HandleFunc("/{id}/complete", h.handleCompleteCampaign).Methods("POST")
	campaignRouter.HandleFunc("/{id}/waves", h.handleGetWaves).Methods("GET")
	campaignRouter.HandleFunc("/{id}/reminders", h.handleGetReminders).Methods("GET")
	campaignRouter.HandleFunc("/{id}/reminders", h.handleUpdateReminders).Methods("PUT")
	campaignRouter.HandleFunc("/{id}/assignments", h.handleListAssignments).Methods("GET")
	campaignRouter.HandleFunc("/{id}/assignments/{assignmentId}/complete", h.handleCompleteAssignment).Methods("POST")
	campaignRouter.HandleFunc("/{id}/assignments/{assignmentId}/skip", h.handleSkipAssignment).Methods("POST")
	campaignRouter.HandleFunc("/{id}/translations", h.handleCreateTranslation).Methods("POST")
	campaignRouter.HandleFunc("/{id}/translations/stale", h.handleStaleTranslations).Methods("GET")

	blackoutRouter := router.PathPrefix("/blackout-dates").Subrouter()
	blackoutRouter.HandleFunc("", h.handleCreateBlackout).Methods("POST")
	blackoutRouter.HandleFunc("", h.handleListBlackouts).Methods("GET")
	blackoutRouter.HandleFunc("/{id}", h.handleGetBlackout).Methods("GET")
	blackoutRouter.HandleFunc("/{id}", h.handleUpdateBlackout).Methods("PUT")
	blackoutRouter.HandleFunc("/{id}", h.handleDeleteBlackout).Methods("DELETE")

	audienceRouter := router.PathPrefix("/audience").Subrouter()
	audienceRouter.HandleFunc("/preview", h.handlePreviewAudience).Methods("POST")

	profileRouter := router.PathPrefix("/profiles").Subrouter()
	profileRouter.HandleFunc("/non-responders", h.handleListNonResponders).Methods("GET")
	profileRouter.HandleFunc("/{recipientId}", h.handleGetProfile).Methods("GET")
}

func (h *HTTPHandler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.collector == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		h.collector.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(recorder.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Health and Status Handlers

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "campaign-engine",
	})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"service":   "campaign-engine",
		"status":    "running",
		"timestamp": time.Now().UTC(),
	}
	if h.runner != nil {
		status["scheduler"] = h.runner.GetStats()
	}
	if h.sequencer != nil {
		status["reminders"] = h.sequencer.GetStats()
	}
	if h.producer != nil {
		status["events"] = h.producer.GetStats()
	}
	if h.collector != nil {
		status["metrics"] = h.collector.GetStats()
	}

	h.writeJSON(w, http.StatusOK, status)
}

// Campaign Handlers

func (h *HTTPHandler) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	var req struct {
		Name            string                 `json:"name"`
		Description     string                 `json:"description"`
		Targeting       database.TargetingSpec `json:"targeting"`
		DueDate         time.Time              `json:"due_date"`
		LaunchAt        *time.Time             `json:"launch_at,omitempty"`
		RolloutStrategy string                 `json:"rollout_strategy"`
		RolloutPlan     *database.RolloutPlan  `json:"rollout_plan,omitempty"`
		ReminderSteps   database.ReminderSteps `json:"reminder_steps"`
		Language        string                 `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	campaign := &database.Campaign{
		ID:              uuid.New().String(),
		OrgID:           orgID,
		Name:            req.Name,
		Description:     req.Description,
		Targeting:       req.Targeting,
		DueDate:         req.DueDate,
		LaunchAt:        req.LaunchAt,
		RolloutStrategy: req.RolloutStrategy,
		RolloutPlan:     req.RolloutPlan,
		ReminderSteps:   req.ReminderSteps,
		Language:        req.Language,
	}

	if err := h.controller.Create(r.Context(), campaign); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, campaign)
}

func (h *HTTPHandler) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	status := r.URL.Query().Get("status")
	limit, offset := h.pagination(r)

	campaigns, total, err := h.campaignRepo.List(r.Context(), orgID, status, limit, offset)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaigns": campaigns,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

func (h *HTTPHandler) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	campaign, err := h.campaignRepo.GetByID(r.Context(), orgID, mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if campaign == nil {
		h.writeError(w, http.StatusNotFound, "Campaign not found")
		return
	}

	h.writeJSON(w, http.StatusOK, campaign)
}

func (h *HTTPHandler) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	var edit lifecycle.CampaignEdit
	if err := json.NewDecoder(r.Body).Decode(&edit); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	campaign, err := h.controller.Update(r.Context(), orgID, mux.Vars(r)["id"], &edit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, campaign)
}

func (h *HTTPHandler) handleLaunchCampaign(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	campaign, err := h.controller.Launch(r.Context(), orgID, mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if h.collector != nil {
		h.collector.RecordLaunch(campaign.RolloutStrategy, campaign.TotalAssignments)
	}

	h.writeJSON(w, http.StatusOK, campaign)
}

func (h *HTTPHandler) handleScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	var req struct {
		LaunchAt    time.Time             `json:"launch_at"`
		RolloutPlan *database.RolloutPlan `json:"rollout_plan,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	details, err := h.launchSched.ScheduleLaunch(r.Context(), orgID, mux.Vars(r)["id"], req.LaunchAt, req.RolloutPlan)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, details)
}

func (h *HTTPHandler) handleUnscheduleCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.controller.Unschedule)
}

func (h *HTTPHandler) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.controller.Pause)
}

func (h *HTTPHandler) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.controller.Resume)
}

func (h *HTTPHandler) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.controller.Cancel)
}

func (h *HTTPHandler) handleCompleteCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.controller.Complete)
}

func (h *HTTPHandler) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, orgID, campaignID string) error) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	id := mux.Vars(r)["id"]
	if err := op(r.Context(), orgID, id); err != nil {
		h.writeDomainError(w, err)
		return
	}

	campaign, err := h.campaignRepo.GetByID(r.Context(), orgID, id)
	if err != nil || campaign == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"id": id})
		return
	}

	h.writeJSON(w, http.StatusOK, campaign)
}

func (h *HTTPHandler) handleGetWaves(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	waves, err := h.launchSched.GetWaves(r.Context(), orgID, mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"waves": waves})
}

func (h *HTTPHandler) handleGetReminders(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	campaign, err := h.campaignRepo.GetByID(r.Context(), orgID, mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if campaign == nil {
		h.writeError(w, http.StatusNotFound, "Campaign not found")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"reminder_steps": campaign.ReminderSteps})
}

func (h *HTTPHandler) handleUpdateReminders(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	var req struct {
		ReminderSteps database.ReminderSteps `json:"reminder_steps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if max := h.config.Reminders.MaxSteps; max > 0 && len(req.ReminderSteps) > max {
		h.writeError(w, http.StatusBadRequest, "Too many reminder steps")
		return
	}

	campaign, err := h.controller.Update(r.Context(), orgID, mux.Vars(r)["id"],
		&lifecycle.CampaignEdit{ReminderSteps: &req.ReminderSteps})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"reminder_steps": campaign.ReminderSteps})
}

func (h *HTTPHandler) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	campaign, err := h.campaignRepo.GetByID(r.Context(), orgID, mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if campaign == nil {
		h.writeError(w, http.StatusNotFound, "Campaign not found")
		return
	}

	assignments, err := h.assignmentRepo.ListByCampaign(r.Context(), campaign.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"assignments": assignments})
}

func (h *HTTPHandler) handleCompleteAssignment(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	if err := h.controller.CompleteAssignment(r.Context(), orgID, vars["id"], vars["assignmentId"]); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": database.AssignmentStatusCompleted})
}

func (h *HTTPHandler) handleSkipAssignment(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	if err := h.controller.SkipAssignment(r.Context(), orgID, vars["id"], vars["assignmentId"]); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": database.AssignmentStatusSkipped})
}

func (h *HTTPHandler) handleCreateTranslation(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	var req struct {
		Language string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	child, err := h.controller.CreateTranslation(r.Context(), orgID, mux.Vars(r)["id"], req.Language)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, child)
}

func (h *HTTPHandler) handleStaleTranslations(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	stale, err := h.controller.StaleTranslations(r.Context(), orgID, mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"stale": stale})
}

// Blackout Date Handlers

func (h *HTTPHandler) handleCreateBlackout(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	var blackout database.BlackoutDate
	if err := json.NewDecoder(r.Body).Decode(&blackout); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := validateBlackout(&blackout); err != nil {
		h.writeDomainError(w, err)
		return
	}

	blackout.ID = uuid.New().String()
	blackout.OrgID = orgID

	if err := h.blackoutRepo.Create(r.Context(), &blackout); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, blackout)
}

func (h *HTTPHandler) handleListBlackouts(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	blackouts, err := h.blackoutRepo.ListByOrg(r.Context(), orgID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"blackout_dates": blackouts})
}

func (h *HTTPHandler) handleGetBlackout(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	blackout, err := h.blackoutRepo.GetByID(r.Context(), orgID, mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if blackout == nil {
		h.writeError(w, http.StatusNotFound, "Blackout date not found")
		return
	}

	h.writeJSON(w, http.StatusOK, blackout)
}

func (h *HTTPHandler) handleUpdateBlackout(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	existing, err := h.blackoutRepo.GetByID(r.Context(), orgID, mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if existing == nil {
		h.writeError(w, http.StatusNotFound, "Blackout date not found")
		return
	}

	var blackout database.BlackoutDate
	if err := json.NewDecoder(r.Body).Decode(&blackout); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := validateBlackout(&blackout); err != nil {
		h.writeDomainError(w, err)
		return
	}

	blackout.ID = existing.ID
	blackout.OrgID = orgID

	if err := h.blackoutRepo.Update(r.Context(), &blackout); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, blackout)
}

func (h *HTTPHandler) handleDeleteBlackout(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	deleted, err := h.blackoutRepo.Delete(r.Context(), orgID, mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !deleted {
		h.writeError(w, http.StatusNotFound, "Blackout date not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Audience Handlers

func (h *HTTPHandler) handlePreviewAudience(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	var req struct {
		Targeting database.TargetingSpec `json:"targeting"`
		Page      int                    `json:"page"`
		PageSize  int                    `json:"page_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	preview, err := h.evaluator.Preview(r.Context(), req.Targeting, orgID, req.Page, req.PageSize)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, preview)
}

// Profile Handlers

func (h *HTTPHandler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	profile, err := h.profileRepo.Get(r.Context(), orgID, mux.Vars(r)["recipientId"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if profile == nil {
		h.writeError(w, http.StatusNotFound, "Compliance profile not found")
		return
	}

	h.writeJSON(w, http.StatusOK, profile)
}

func (h *HTTPHandler) handleListNonResponders(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	profiles, err := h.profileRepo.ListNonResponders(r.Context(), orgID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"non_responders": profiles})
}

// Helpers

func validateBlackout(blackout *database.BlackoutDate) error {
	if blackout.Name == "" {
		return apperrors.NewValidation("blackout name is required", "name")
	}
	if blackout.StartDate.IsZero() || blackout.EndDate.IsZero() {
		return apperrors.NewValidation("blackout start and end dates are required", "start_date", "end_date")
	}
	if !blackout.EndDate.After(blackout.StartDate) {
		return apperrors.NewValidation("blackout end date must be after start date", "end_date")
	}
	if blackout.IsRecurring {
		if blackout.RecurringPattern == nil {
			return apperrors.NewValidation("recurring blackout needs a pattern", "recurring_pattern")
		}
		switch *blackout.RecurringPattern {
		case database.RecurringYearly, database.RecurringQuarterly, database.RecurringMonthly:
		default:
			return apperrors.NewValidation("unknown recurring pattern", "recurring_pattern")
		}
	}
	return nil
}

func (h *HTTPHandler) orgID(w http.ResponseWriter, r *http.Request) (string, bool) {
	orgID := r.Header.Get(orgHeader)
	if orgID == "" {
		h.writeError(w, http.StatusBadRequest, "Missing X-Org-ID header")
		return "", false
	}
	return orgID, true
}

func (h *HTTPHandler) pagination(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func (h *HTTPHandler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case apperrors.IsValidation(err):
		var vErr *apperrors.ValidationError
		errors.As(err, &vErr)
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":     vErr.Message,
			"fields":    vErr.Fields,
			"status":    http.StatusBadRequest,
			"timestamp": time.Now().UTC(),
		})
	case apperrors.IsNotFound(err):
		h.writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("Request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
