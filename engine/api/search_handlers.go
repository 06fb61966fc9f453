package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
)

// searchRequest is the body for POST /api/search and /api/search/multi.
type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
	EntityType string `json:"entity_type"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter")
		return
	}
	if req.MaxResults <= 0 {
		req.MaxResults = 20
	}

	query := ProcessQuery(req.Query)
	if req.EntityType != "" {
		query.EntityType = req.EntityType
	}
	results := s.search.Search(query, req.MaxResults)

	writeJSON(w, http.StatusOK, map[string]any{
		"query":           req.Query,
		"processed_query": query,
		"results":         results,
		"result_count":    len(results),
		"status":          "success",
	})
}

// searchStep is one stage of a multi-step search response.
type searchStep struct {
	Step           int            `json:"step"`
	Query          string         `json:"query"`
	ProcessedQuery Query          `json:"processed_query"`
	Results        []SearchResult `json:"results"`
	ResultCount    int            `json:"result_count"`
}

func (s *Server) handleMultiSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter")
		return
	}
	if req.MaxResults <= 0 {
		req.MaxResults = 20
	}

	steps := DecomposeQuery(req.Query)
	if len(steps) == 1 {
		results := s.search.Search(steps[0], req.MaxResults)
		writeJSON(w, http.StatusOK, map[string]any{
			"query":           req.Query,
			"processed_query": steps[0],
			"results":         results,
			"result_count":    len(results),
			"is_multi_step":   false,
			"status":          "success",
		})
		return
	}

	// First step searches wide; later steps re-score the carried results and
	// keep only what still matches.
	var all []SearchResult
	var stepResults []searchStep
	for i, step := range steps {
		if i == 0 {
			all = s.search.Search(step, 100)
		} else {
			var filtered []SearchResult
			for _, res := range all {
				score := s.search.Score(res.ID, step)
				if score <= 0 {
					continue
				}
				res.Score = score
				filtered = append(filtered, res)
			}
			sort.SliceStable(filtered, func(a, b int) bool { return filtered[a].Score > filtered[b].Score })
			all = filtered
		}
		limited := all
		if len(limited) > req.MaxResults {
			limited = limited[:req.MaxResults]
		}
		stepResults = append(stepResults, searchStep{
			Step:           i + 1,
			Query:          step.Original,
			ProcessedQuery: step,
			Results:        limited,
			ResultCount:    len(all),
		})
	}

	final := all
	if len(final) > req.MaxResults {
		final = final[:req.MaxResults]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":              req.Query,
		"steps":              stepResults,
		"final_results":      final,
		"final_result_count": len(all),
		"is_multi_step":      true,
		"status":             "success",
	})
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit := 5
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":       q,
		"suggestions": s.search.Suggest(q, limit),
	})
}
