// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/spacegate/internal/log"
	"github.com/ManuGH/spacegate/internal/occupancy/engine"
	"github.com/ManuGH/spacegate/internal/occupancy/model"
)

const (
	forecastDefaultSteps = 30
	forecastMinSteps     = 10
	forecastMaxSteps     = 60
)

type scanRequest struct {
	Token string `json:"token"`
}

type sessionJSON struct {
	Occupant   string    `json:"occupant"`
	EnteredAt  time.Time `json:"entered_at"`
	Deadline   time.Time `json:"deadline"`
	Seq        uint64    `json:"seq"`
	Privileged bool      `json:"privileged"`
}

type scanResponse struct {
	Outcome       string       `json:"outcome"`
	Session       *sessionJSON `json:"session,omitempty"`
	Evicted       *sessionJSON `json:"evicted,omitempty"`
	StatusMessage string       `json:"status_message,omitempty"`
}

func toSessionJSON(s *model.Session) *sessionJSON {
	if s == nil {
		return nil
	}
	return &sessionJSON{
		Occupant:   string(s.Occupant),
		EnteredAt:  s.EnteredAt,
		Deadline:   s.Deadline,
		Seq:        s.Seq,
		Privileged: s.Privileged,
	}
}

// handleScan is the turnstile endpoint. Business rejections map onto 4xx
// codes with the outcome in the body; store failures onto 503.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeBadRequest(w, "body must be a JSON object with a non-empty token")
		return
	}

	out, err := s.engine.HandleScan(r.Context(), req.Token)
	if err != nil {
		writeError(w, err)
		return
	}

	code := http.StatusOK
	switch out.Kind {
	case model.OutcomeInvalidToken:
		code = http.StatusNotFound
	case model.OutcomeRejectedClosed:
		code = http.StatusForbidden
	case model.OutcomeRejectedFull:
		code = http.StatusConflict
	}
	writeJSON(w, code, scanResponse{
		Outcome:       string(out.Kind),
		Session:       toSessionJSON(out.Session),
		Evicted:       toSessionJSON(out.Evicted),
		StatusMessage: out.StatusMessage,
	})
}

func (s *Server) handleOccupancy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.State())
}

type statusJSON struct {
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	AutoOpen    string    `json:"auto_open,omitempty"`
	AutoClose   string    `json:"auto_close,omitempty"`
	AutoEnabled bool      `json:"auto_enabled"`
	UpdatedAt   time.Time `json:"updated_at"`
	UpdatedBy   string    `json:"updated_by,omitempty"`
}

func toStatusJSON(rec model.StatusRecord) statusJSON {
	return statusJSON{
		Status:      string(rec.Status),
		Message:     rec.Message,
		AutoOpen:    rec.AutoOpen,
		AutoClose:   rec.AutoClose,
		AutoEnabled: rec.AutoEnabled,
		UpdatedAt:   rec.UpdatedAt,
		UpdatedBy:   rec.UpdatedBy,
	}
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toStatusJSON(s.engine.StatusSnapshot()))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := model.OccupantID(chi.URLParam(r, "id"))
	view, ok := s.engine.SessionInfo(id)
	if !ok {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	k := forecastDefaultSteps
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "k must be an integer")
			return
		}
		k = parsed
	}
	if k < forecastMinSteps || k > forecastMaxSteps {
		writeBadRequest(w, "k must be between 10 and 60")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Forecast(k))
}

type scoredJSON struct {
	Occupant  string         `json:"occupant"`
	EnteredAt time.Time      `json:"entered_at"`
	Deadline  time.Time      `json:"deadline"`
	Score     float64        `json:"score"`
	Breakdown map[string]any `json:"breakdown"`
}

func (s *Server) handleListScored(w http.ResponseWriter, _ *http.Request) {
	ranked := s.engine.ListScored()
	out := make([]scoredJSON, 0, len(ranked))
	for _, sc := range ranked {
		// Round-trip through JSON to reuse the breakdown's component tags.
		var parts map[string]any
		raw, _ := json.Marshal(sc.Breakdown)
		_ = json.Unmarshal(raw, &parts)
		out = append(out, scoredJSON{
			Occupant:  string(sc.Session.Occupant),
			EnteredAt: sc.Session.EnteredAt,
			Deadline:  sc.Session.Deadline,
			Score:     sc.Breakdown.Total,
			Breakdown: parts,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type removeTopRequest struct {
	Count int `json:"count"`
}

type removeTopResponse struct {
	Removed []model.OccupantID `json:"removed"`
	Count   int                `json:"count"`
}

func (s *Server) handleRemoveTop(w http.ResponseWriter, r *http.Request) {
	var req removeTopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "body must be a JSON object with count")
		return
	}
	removed, err := s.engine.ForceRemoveTop(r.Context(), req.Count)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, removeTopResponse{Removed: removed, Count: len(removed)})
}

type capacityRequest struct {
	Max int `json:"max"`
}

func (s *Server) handleSetCapacity(w http.ResponseWriter, r *http.Request) {
	var req capacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "body must be a JSON object with max")
		return
	}
	state, err := s.engine.SetMaxCapacity(r.Context(), req.Max)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type adjustRequest struct {
	Mode   string `json:"mode"` // "+", "-" or "="
	Amount int    `json:"amount"`
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "body must be a JSON object with mode and amount")
		return
	}
	state, err := s.engine.AdjustOccupancy(r.Context(), engine.AdjustMode(req.Mode), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type setStatusRequest struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	AutoOpen    string `json:"auto_open"`
	AutoClose   string `json:"auto_close"`
	AutoEnabled bool   `json:"auto_enabled"`
	UpdatedBy   string `json:"updated_by"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "body must be a JSON status record")
		return
	}
	rec, err := s.engine.SetStatus(r.Context(), model.StatusRecord{
		Status:      model.Status(req.Status),
		Message:     req.Message,
		AutoOpen:    req.AutoOpen,
		AutoClose:   req.AutoClose,
		AutoEnabled: req.AutoEnabled,
		UpdatedBy:   req.UpdatedBy,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusJSON(rec))
}

type putOccupantRequest struct {
	Token       string `json:"token"`
	Tier        string `json:"tier"`
	Age         int    `json:"age"`
	Demographic string `json:"demographic"`
}

// handlePutOccupant upserts an occupant profile. History-derived fields
// (cooperativeness, frequency, last visit) are preserved for existing
// occupants and seeded with defaults for new ones.
func (s *Server) handlePutOccupant(w http.ResponseWriter, r *http.Request) {
	id := model.OccupantID(chi.URLParam(r, "id"))
	var req putOccupantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeBadRequest(w, "body must be a JSON object with a non-empty token")
		return
	}
	tier := model.Tier(req.Tier)
	if req.Tier == "" {
		tier = model.TierRegular
	}
	if !tier.Valid() {
		writeBadRequest(w, "tier must be privileged or regular")
		return
	}
	if req.Age < 0 {
		writeBadRequest(w, "age must not be negative")
		return
	}

	occ := model.Occupant{
		ID:              id,
		Token:           req.Token,
		Tier:            tier,
		Age:             req.Age,
		Demographic:     req.Demographic,
		Cooperativeness: 0.5,
	}
	existing, err := s.store.Occupant(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if existing != nil {
		occ.Cooperativeness = existing.Cooperativeness
		occ.FrequencyUsed = existing.FrequencyUsed
		occ.LastVisit = existing.LastVisit
	}
	if err := s.store.PutOccupant(r.Context(), occ); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info().Str(log.FieldOccupantID, string(id)).Msg("occupant profile upserted")
	writeJSON(w, http.StatusOK, map[string]string{"id": string(id)})
}

type observationJSON struct {
	Minute    time.Time `json:"minute"`
	Occupancy float64   `json:"occupancy"`
	EntryRate float64   `json:"entry_rate"`
	ExitRate  float64   `json:"exit_rate"`
}

type ingestHistoryRequest struct {
	Observations []observationJSON `json:"observations"`
}

func (s *Server) handleIngestHistory(w http.ResponseWriter, r *http.Request) {
	var req ingestHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "body must be a JSON object with observations")
		return
	}
	if len(req.Observations) == 0 {
		writeBadRequest(w, "observations must not be empty")
		return
	}

	batch := make([]model.Observation, 0, len(req.Observations))
	for _, o := range req.Observations {
		if o.Minute.IsZero() {
			writeBadRequest(w, "every observation needs a minute timestamp")
			return
		}
		batch = append(batch, model.Observation{
			Minute:    o.Minute.Truncate(time.Minute),
			Occupancy: o.Occupancy,
			EntryRate: o.EntryRate,
			ExitRate:  o.ExitRate,
		})
	}
	loaded, err := s.engine.IngestHistory(r.Context(), batch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"loaded": loaded})
}
