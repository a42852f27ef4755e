package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"dropletindex/internal/config"
	"dropletindex/internal/models"
)

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// handleHealth reports per-chain cursor lag, the latest snapshot job, and
// per-asset price staleness. Cached briefly: probes hit it often.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	s.healthCache.mu.Lock()
	if now.Before(s.healthCache.expiresAt) && len(s.healthCache.payload) > 0 {
		cached := append([]byte(nil), s.healthCache.payload...)
		s.healthCache.mu.Unlock()
		w.Write(cached)
		return
	}
	s.healthCache.mu.Unlock()

	payload, err := s.buildHealthPayload(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.healthCache.mu.Lock()
	s.healthCache.payload = payload
	s.healthCache.expiresAt = time.Now().Add(10 * time.Second)
	s.healthCache.mu.Unlock()
	w.Write(payload)
}

func (s *Server) buildHealthPayload(ctx context.Context) ([]byte, error) {
	cursors, err := s.repo.ListCursors(ctx)
	if err != nil {
		return nil, err
	}
	tips := s.chainTips(ctx)

	type cursorHealth struct {
		Chain    string `json:"chain"`
		Contract string `json:"contract"`
		Block    uint64 `json:"block"`
		Lag      uint64 `json:"lag"`
	}
	cursorOut := make([]cursorHealth, 0, len(cursors))
	healthy := true
	for _, c := range cursors {
		cc, ok := s.reg.ChainByID(c.ChainID)
		if !ok {
			continue
		}
		var lag uint64
		if tip, ok := tips[cc.Name]; ok && tip > c.LastSafeBlock {
			lag = tip - c.LastSafeBlock
		}
		cursorOut = append(cursorOut, cursorHealth{
			Chain: cc.Name, Contract: c.ContractAddress, Block: c.LastSafeBlock, Lag: lag,
		})
	}

	job, err := s.repo.GetLatestJob(ctx)
	if err != nil {
		return nil, err
	}
	if job != nil && job.Status == models.JobFailed {
		healthy = false
	}

	staleness := map[string]bool{}
	maxAge := config.GetEnvDuration("PRICE_MAX_AGE", 24*time.Hour)
	for _, a := range s.reg.Assets {
		fresh, err := s.oracle.Validate(ctx, a.Symbol, maxAge)
		if err != nil {
			return nil, err
		}
		staleness[a.Symbol] = fresh
	}

	status := "ok"
	if !healthy {
		status = "degraded"
	}
	return json.Marshal(map[string]interface{}{
		"status":       status,
		"cursors":      cursorOut,
		"latest_job":   job,
		"prices_fresh": staleness,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// chainTips returns the latest height per chain, cached for 15 seconds so
// /health does not hammer the RPC pool.
func (s *Server) chainTips(ctx context.Context) map[string]uint64 {
	s.tipCache.mu.Lock()
	defer s.tipCache.mu.Unlock()
	if time.Since(s.tipCache.updatedAt) < 15*time.Second && len(s.tipCache.tips) > 0 {
		return s.tipCache.tips
	}

	tips := map[string]uint64{}
	for _, c := range s.reg.Chains {
		pool, ok := s.chains.Pool(c.Name)
		if !ok {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, 4*time.Second)
		if h, err := pool.BlockNumber(callCtx); err == nil {
			tips[c.Name] = h
		} else if prev, ok := s.tipCache.tips[c.Name]; ok {
			tips[c.Name] = prev
		}
		cancel()
	}
	s.tipCache.tips = tips
	s.tipCache.updatedAt = time.Now()
	return tips
}

func (s *Server) handleDroplets(w http.ResponseWriter, r *http.Request) {
	address := config.NormalizeAddress(mux.Vars(r)["address"])
	if len(address) != 42 {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}

	summary, err := s.repo.GetDropletsFor(r.Context(), address)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	json.NewEncoder(w).Encode(summary)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	entries, err := s.repo.GetLeaderboard(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []models.LeaderboardEntry{}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entries": entries,
		"offset":  offset,
	})
}

// handleDaySnapshot serves one day's aggregates. If the requested day's
// job failed, the response falls back to the newest completed date so
// readers always see a consistent day.
func (s *Server) handleDaySnapshot(w http.ResponseWriter, r *http.Request) {
	date := mux.Vars(r)["date"]
	if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, http.StatusBadRequest, "invalid date, want YYYY-MM-DD")
		return
	}

	agg, err := s.repo.GetDayAggregates(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if agg.JobStatus == models.JobFailed {
		fallback, err := s.repo.GetLatestCompletedDate(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if fallback != "" && fallback != date {
			served, err := s.repo.GetDayAggregates(r.Context(), fallback)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"requested": agg,
				"served":    served,
				"note":      "requested day failed; serving latest completed day",
			})
			return
		}
	}
	json.NewEncoder(w).Encode(agg)
}

// handleAdminRerun re-drives a failed or pending snapshot job. The run
// happens in the background; poll /day/{date} for the outcome.
func (s *Server) handleAdminRerun(w http.ResponseWriter, r *http.Request) {
	date := mux.Vars(r)["date"]
	if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, http.StatusBadRequest, "invalid date, want YYYY-MM-DD")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := s.engine.RunOnce(ctx, date); err != nil {
			log.Printf("[api] admin rerun for %s failed: %v", date, err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started", "date": date})
}

func (s *Server) handleAdminValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Chain string `json:"chain"`
		From  uint64 `json:"from"`
		To    uint64 `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cc, ok := s.reg.ChainByName(req.Chain)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown chain "+req.Chain)
		return
	}
	if req.To < req.From {
		writeError(w, http.StatusBadRequest, "to < from")
		return
	}

	report, err := s.reconciler.Run(r.Context(), cc.ChainID, req.From, req.To)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	json.NewEncoder(w).Encode(report)
}
