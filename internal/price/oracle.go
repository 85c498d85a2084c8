package price

import (
	"context"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquiditySync/internal/dex"
)

// oracleQuotes reads Chainlink feeds for tokens that have one. latestRoundData
// and decimals of every feed go out in a single multicall.
func (r *Resolver) oracleQuotes(ctx context.Context, tokens []common.Address) map[common.Address]Quote {
	type feedRead struct {
		token common.Address
		feed  common.Address
	}
	var (
		reads []feedRead
		calls []dex.Call
	)
	for _, token := range tokens {
		feed, ok := r.cfg.Feeds[token]
		if !ok {
			continue
		}
		roundCall, err := dex.LatestRoundDataCall(feed)
		if err != nil {
			r.logger.Warn("build oracle call failed", zap.String("feed", feed.Hex()), zap.Error(err))
			continue
		}
		decimalsCall, err := dex.DecimalsCall(feed)
		if err != nil {
			r.logger.Warn("build oracle call failed", zap.String("feed", feed.Hex()), zap.Error(err))
			continue
		}
		reads = append(reads, feedRead{token: token, feed: feed})
		calls = append(calls, roundCall, decimalsCall)
	}
	out := make(map[common.Address]Quote, len(reads))
	if len(reads) == 0 {
		return out
	}

	results, err := r.caller.BatchCall(ctx, calls, nil)
	if err != nil {
		r.logger.Warn("oracle batch failed", zap.Int("feeds", len(reads)), zap.Error(err))
		return out
	}

	now := r.now()
	for i, read := range reads {
		roundRes, decimalsRes := results[2*i], results[2*i+1]
		if !roundRes.OK() || !decimalsRes.OK() {
			continue
		}
		round, err := dex.DecodeLatestRoundData(roundRes.Data)
		if err != nil {
			r.logger.Debug("decode round data failed", zap.String("feed", read.feed.Hex()), zap.Error(err))
			continue
		}
		feedDecimals, err := dex.DecodeDecimals(decimalsRes.Data)
		if err != nil {
			continue
		}
		if round.Answer == nil || round.Answer.Sign() <= 0 {
			r.logger.Debug("oracle answer not positive", zap.String("feed", read.feed.Hex()))
			continue
		}
		if r.cfg.OracleMaxAge > 0 && now.Sub(round.UpdatedAt) > r.cfg.OracleMaxAge {
			r.logger.Debug("oracle answer stale",
				zap.String("feed", read.feed.Hex()),
				zap.Time("updated_at", round.UpdatedAt),
			)
			continue
		}
		usd := answerToUSD(round.Answer, feedDecimals)
		if math.IsInf(usd, 0) || math.IsNaN(usd) {
			continue
		}
		out[read.token] = Quote{Token: read.token, USD: usd, Source: SourceOracle, ObservedAt: now}
	}
	return out
}

func answerToUSD(answer *big.Int, decimals uint8) float64 {
	usd, _ := decimal.NewFromBigInt(answer, -int32(decimals)).Float64()
	return usd
}
