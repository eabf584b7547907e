package api

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cognitivecities/neuralhub/internal/core"
	"github.com/cognitivecities/neuralhub/internal/knowledge"
	"github.com/cognitivecities/neuralhub/internal/mesh"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// maxValidateBody bounds POST /validate the same way the hub bounds frames
const maxValidateBody = 1 << 20

// --- Health ---

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status        string            `json:"status"`
	Uptime        string            `json:"uptime"`
	Connections   int               `json:"connections"`
	Registered    int               `json:"registered"`
	KnowledgeSize int               `json:"knowledge_items"`
	Checks        map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	conns, registered := s.hub.Stats()
	resp := HealthResponse{
		Status:      "ok",
		Uptime:      time.Since(s.started).Truncate(time.Second).String(),
		Connections: conns,
		Registered:  registered,
		Checks:      map[string]string{},
	}
	if s.knowledge != nil {
		resp.KnowledgeSize = s.knowledge.Len()
	}

	status := http.StatusOK
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Checks["storage"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks["storage"] = "ok"
		}
	}

	respondJSON(w, status, resp)
}

// --- Participants ---

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	infos := s.hub.Participants()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ParticipantID != infos[j].ParticipantID {
			return infos[i].ParticipantID < infos[j].ParticipantID
		}
		if infos[i].DistrictID != infos[j].DistrictID {
			return infos[i].DistrictID < infos[j].DistrictID
		}
		return infos[i].ConnectionID < infos[j].ConnectionID
	})

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"participants": infos,
		"count":        len(infos),
	})
}

func (s *Server) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	participant := chi.URLParam(r, "participant")
	district := r.URL.Query().Get("district")
	address := participant
	if district != "" {
		address = participant + "/" + district
	}

	conns := []mesh.ConnInfo{}
	for _, info := range s.hub.Participants() {
		if info.ParticipantID != participant {
			continue
		}
		if district != "" && info.DistrictID != district {
			continue
		}
		conns = append(conns, info)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ConnectionID < conns[j].ConnectionID })

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"address":     address,
		"online":      s.hub.Online(address),
		"connections": conns,
	})
}

// --- Knowledge ---

func (s *Server) handleListKnowledge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	preds := []knowledge.Predicate{knowledge.Matching(q.Get("q"), q["tag"]...)}
	if kind := q.Get("kind"); kind != "" {
		preds = append(preds, knowledge.OfKind(kind))
	}
	if raw := q.Get("min_confidence"); raw != "" {
		floor, err := strconv.ParseFloat(raw, 64)
		if err != nil || floor < 0 || floor > 1 {
			respondError(w, http.StatusBadRequest, "min_confidence must be a number in [0, 1]")
			return
		}
		preds = append(preds, knowledge.MinConfidence(floor))
	}

	items := knowledge.Collect(s.knowledge.Query(knowledge.All(preds...)), limit)
	if items == nil {
		items = []core.KnowledgeItem{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleGetKnowledge(w http.ResponseWriter, r *http.Request) {
	item, err := s.knowledge.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (s *Server) handleSimilarKnowledge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	text := q.Get("q")
	if strings.TrimSpace(text) == "" {
		respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	matches, err := s.similar.Similar(r.Context(), text, limit, q.Get("kind"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"matches": matches,
		"count":   len(matches),
	})
}

// --- Messages ---

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var envs []core.Envelope
	if participant := q.Get("participant"); participant != "" {
		envs, err = s.archive.ByParticipant(r.Context(), participant, limit)
	} else {
		envs, err = s.archive.Recent(r.Context(), limit)
	}
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if envs == nil {
		envs = []core.Envelope{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"messages": envs,
		"count":    len(envs),
	})
}

// --- Validation ---

// ValidateResponse is the body of POST /api/v1/validate
type ValidateResponse struct {
	Valid    bool           `json:"valid"`
	Envelope *core.Envelope `json:"envelope,omitempty"`
	Error    string         `json:"error,omitempty"`
	Code     string         `json:"code,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxValidateBody+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(data) > maxValidateBody {
		respondError(w, http.StatusRequestEntityTooLarge, "envelope too large")
		return
	}

	msg, err := s.validator.Validate(data)
	if err != nil {
		respondJSON(w, http.StatusUnprocessableEntity, ValidateResponse{
			Error: err.Error(),
			Code:  core.Code(err),
		})
		return
	}

	env, err := msg.Envelope()
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ValidateResponse{Valid: true, Envelope: &env})
}

// --- Scheduler ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": s.scheduler.ListTasks(),
		"stats": s.scheduler.GetStats(),
	})
}

// parseLimit reads a limit query value, defaulting and capping it
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errInvalidLimit
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

var errInvalidLimit = errors.New("limit must be a positive integer")
