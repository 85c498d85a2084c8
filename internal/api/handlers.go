package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"liquiditySync/internal/hotpool"
	"liquiditySync/internal/model"
	"liquiditySync/internal/price"
	"liquiditySync/internal/rpcpool"
	"liquiditySync/internal/statecache"
	"liquiditySync/internal/syncer"
)

type StatusResponse struct {
	Runner    *syncer.Status    `json:"runner,omitempty"`
	Cache     *statecache.Stats `json:"cache,omitempty"`
	HotPools  int               `json:"hot_pools"`
	Endpoints int               `json:"endpoints"`
	Healthy   int               `json:"healthy_endpoints"`
}

type WeightItem struct {
	Pool   common.Address `json:"pool"`
	Weight float64        `json:"weight"`
}

type WeightsResponse struct {
	Mode     string           `json:"mode"`
	Block    uint64           `json:"block"`
	Total    int              `json:"total"`
	Filtered int              `json:"filtered"`
	Unpriced int              `json:"unpriced"`
	Failed   int              `json:"failed"`
	Weights  []WeightItem     `json:"weights"`
	Missing  []common.Address `json:"missing_prices,omitempty"`
}

type TouchedRequest struct {
	Block uint64       `json:"block"`
	Pools []model.Pool `json:"pools"`
}

type TouchedResponse struct {
	Accepted int `json:"accepted"`
}

func (s *Server) GetStatus(c echo.Context) error {
	var resp StatusResponse
	if s.deps.Runner != nil {
		status := s.deps.Runner.Status()
		resp.Runner = &status
	}
	if s.deps.Cache != nil {
		stats := s.deps.Cache.Stats()
		resp.Cache = &stats
	}
	if s.deps.Hot != nil {
		resp.HotPools = len(s.deps.Hot.Entries())
	}
	if s.deps.Endpoints != nil {
		endpoints := s.deps.Endpoints.Endpoints()
		resp.Endpoints = len(endpoints)
		for _, ep := range endpoints {
			if ep.Health == rpcpool.HealthHealthy.String() {
				resp.Healthy++
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) GetEndpoints(c echo.Context) error {
	if s.deps.Endpoints == nil {
		return c.JSON(http.StatusOK, []rpcpool.EndpointStatus{})
	}
	return c.JSON(http.StatusOK, s.deps.Endpoints.Endpoints())
}

func (s *Server) GetHotPools(c echo.Context) error {
	if s.deps.Hot == nil {
		return c.JSON(http.StatusOK, []hotpool.Entry{})
	}
	return c.JSON(http.StatusOK, s.deps.Hot.Entries())
}

// GetWeights serves the last cycle's weights, heaviest first. The optional
// limit query parameter truncates the list.
func (s *Server) GetWeights(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	if s.deps.Runner == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no weights computed yet")
	}
	report, ok := s.deps.Runner.LastReport()
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no weights computed yet")
	}

	items := make([]WeightItem, 0, len(report.Weights))
	for pool, w := range report.Weights {
		items = append(items, WeightItem{Pool: pool, Weight: w})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Weight != items[j].Weight {
			return items[i].Weight > items[j].Weight
		}
		return items[i].Pool.Cmp(items[j].Pool) < 0
	})
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}

	return c.JSON(http.StatusOK, WeightsResponse{
		Mode:     report.Mode.String(),
		Block:    report.Block,
		Total:    len(report.Weights),
		Filtered: report.Filtered,
		Unpriced: report.Unpriced,
		Failed:   report.Failed,
		Weights:  items,
		Missing:  report.Missing,
	})
}

func (s *Server) GetPrices(c echo.Context) error {
	if s.deps.Prices == nil {
		return c.JSON(http.StatusOK, []price.Quote{})
	}
	return c.JSON(http.StatusOK, s.deps.Prices.Snapshot())
}

// PostTouched accepts touched-pool notifications from the discovery side.
func (s *Server) PostTouched(c echo.Context) error {
	if s.deps.Runner == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "runner not configured")
	}
	var req TouchedRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Block == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "block must be provided")
	}
	if len(req.Pools) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "pools must be provided")
	}
	accepted := s.deps.Runner.Touch(req.Pools, req.Block)
	s.logger.Debug("touched notification", zap.Uint64("block", req.Block), zap.Int("accepted", accepted))
	return c.JSON(http.StatusAccepted, TouchedResponse{Accepted: accepted})
}
