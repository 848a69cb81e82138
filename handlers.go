package transitdisplay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/theoremus-urban-solutions/transit-display/transit"
	"github.com/theoremus-urban-solutions/transit-display/utils"
)

type healthResponse struct {
	Status        string `json:"status"`
	LatestDataAge string `json:"latestDataAge,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := healthResponse{Status: "ok"}
	if sv, ok := s.svc.fetch.GetCachedStale(s.svc.source.VehiclesKey()); ok {
		resp.LatestDataAge = sv.Age.String()
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// displayRequest is the POST body for /api/display.
type displayRequest struct {
	Targets          []transit.TargetLocation `json:"targets"`
	FavoriteRouteIDs []string                 `json:"favoriteRouteIds"`
	OrgID            string                   `json:"orgId"`
	UserID           string                   `json:"userId"`
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req displayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Targets) == 0 {
		writeError(w, http.StatusBadRequest, "at least one target location is required")
		return
	}

	tctx := &transit.TransformContext{
		Targets:          req.Targets,
		FavoriteRouteIDs: req.FavoriteRouteIDs,
		OrgID:            req.OrgID,
		UserID:           req.UserID,
	}
	result, err := s.svc.Display(r.Context(), tctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := s.svc.Vehicles(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Vehicles    []transit.VehicleRecord `json:"vehicles"`
		GeneratedAt string                  `json:"generatedAt"`
	}{vehicles, utils.Iso8601FromTime(s.svc.clock.Now())})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.svc.Stats())
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		IDs []string `json:"ids"`
		All bool     `json:"all"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	dropped := 0
	if req.All {
		s.svc.InvalidateAll()
	} else {
		dropped = s.svc.Invalidate(req.IDs)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"dropped": dropped})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	op := strings.TrimSpace(r.URL.Query().Get("operation"))
	if op == "" {
		writeError(w, http.StatusBadRequest, "operation query parameter is required")
		return
	}
	s.svc.ResetBreaker(op)
	w.WriteHeader(http.StatusNoContent)
}

// writeDomainError maps domain failures to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		valErr  *transit.ValidationError
		circErr *transit.CircuitOpenError
		netErr  *transit.NetworkError
		trErr   *transit.TransformationError
	)
	switch {
	case errors.As(err, &circErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(circErr.RetryAfter.Seconds())+1))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &valErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &netErr):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &trErr) && !trErr.Recoverable:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
