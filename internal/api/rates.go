package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rate-stream/internal/domain"
	"rate-stream/internal/storage"
)

// defaultRangeWindow is used when the hourly range query omits from.
const defaultRangeWindow = 24 * time.Hour

// PairResponse describes one tracked pair.
type PairResponse struct {
	Pair   string `json:"pair"`
	Symbol string `json:"symbol"`
}

// HourlyAverageResponse is the JSON form of a persisted hour.
type HourlyAverageResponse struct {
	Pair      string    `json:"pair"`
	HourStart time.Time `json:"hourStart"`
	Average   float64   `json:"average"`
	Count     int64     `json:"count"`
}

func toHourlyResponse(a *domain.HourlyAverage) HourlyAverageResponse {
	return HourlyAverageResponse{
		Pair:      a.Pair,
		HourStart: a.HourStart.UTC(),
		Average:   a.Average,
		Count:     a.Count,
	}
}

func (s *Server) listPairs(c *gin.Context) {
	names := domain.PairNames()
	pairs := make([]PairResponse, 0, len(names))
	for _, name := range names {
		symbol, _ := domain.SymbolForPair(name)
		pairs = append(pairs, PairResponse{Pair: name, Symbol: symbol})
	}
	c.JSON(http.StatusOK, gin.H{"pairs": pairs})
}

// pairParam reads and validates the pair query parameter.
func pairParam(c *gin.Context) (string, bool) {
	pair := c.Query("pair")
	if pair == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pair is required"})
		return "", false
	}
	if !domain.IsKnownPair(pair) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown pair %q", pair)})
		return "", false
	}
	return pair, true
}

func (s *Server) latestRate(c *gin.Context) {
	pair, ok := pairParam(c)
	if !ok {
		return
	}
	if s.deps.Latest == nil {
		s.fail(c, storage.ErrNotFound)
		return
	}

	u, err := s.deps.Latest.Get(c.Request.Context(), pair)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) latestHourly(c *gin.Context) {
	pair, ok := pairParam(c)
	if !ok {
		return
	}

	a, err := s.deps.Hourly.GetLatest(c.Request.Context(), pair)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toHourlyResponse(a))
}

func (s *Server) hourlyRange(c *gin.Context) {
	pair, ok := pairParam(c)
	if !ok {
		return
	}

	to := time.Now().UTC()
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		to = t
	}

	from := to.Add(-defaultRangeWindow)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		from = t
	}

	if from.After(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must not be after to"})
		return
	}

	records, err := s.deps.Hourly.FindByRange(c.Request.Context(), pair, from, to)
	if err != nil {
		s.fail(c, err)
		return
	}

	out := make([]HourlyAverageResponse, 0, len(records))
	for _, r := range records {
		out = append(out, toHourlyResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"pair": pair, "from": from.UTC(), "to": to.UTC(), "averages": out})
}
