package dex

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RoundData is the latest answer of a Chainlink aggregator.
type RoundData struct {
	Answer    *big.Int
	UpdatedAt time.Time
}

// LatestRoundDataCall reads the latest answer of a price feed.
func LatestRoundDataCall(feed common.Address) (Call, error) {
	parsed, err := AggregatorV3ABI()
	if err != nil {
		return Call{}, fmt.Errorf("parse aggregator abi: %w", err)
	}
	return packCall(parsed, feed, "latestRoundData")
}

func DecodeLatestRoundData(data []byte) (RoundData, error) {
	parsed, err := AggregatorV3ABI()
	if err != nil {
		return RoundData{}, fmt.Errorf("parse aggregator abi: %w", err)
	}
	values, err := unpackCall(parsed, "latestRoundData", data)
	if err != nil {
		return RoundData{}, err
	}
	if len(values) < 4 {
		return RoundData{}, fmt.Errorf("latestRoundData return size %d", len(values))
	}
	answer, err := asBigInt(values[1])
	if err != nil {
		return RoundData{}, fmt.Errorf("answer: %w", err)
	}
	updatedAt, err := asBigInt(values[3])
	if err != nil {
		return RoundData{}, fmt.Errorf("updated at: %w", err)
	}
	return RoundData{Answer: answer, UpdatedAt: time.Unix(updatedAt.Int64(), 0)}, nil
}

// DecimalsCall reads decimals() from an ERC20 token or a price feed.
func DecimalsCall(target common.Address) (Call, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return Call{}, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return packCall(parsed, target, "decimals")
}

func DecodeDecimals(data []byte) (uint8, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return 0, fmt.Errorf("parse erc20 abi: %w", err)
	}
	values, err := unpackCall(parsed, "decimals", data)
	if err != nil {
		return 0, err
	}
	return asUint8(values[0])
}

// GetPoolCall asks a V3 factory for the pool of a token pair and fee tier.
func GetPoolCall(factory, tokenA, tokenB common.Address, fee uint32) (Call, error) {
	parsed, err := V3FactoryABI()
	if err != nil {
		return Call{}, fmt.Errorf("parse factory abi: %w", err)
	}
	return packCall(parsed, factory, "getPool", tokenA, tokenB, new(big.Int).SetUint64(uint64(fee)))
}

// DecodeGetPool returns the pool address, zero when the pair has no pool.
func DecodeGetPool(data []byte) (common.Address, error) {
	parsed, err := V3FactoryABI()
	if err != nil {
		return common.Address{}, fmt.Errorf("parse factory abi: %w", err)
	}
	values, err := unpackCall(parsed, "getPool", data)
	if err != nil {
		return common.Address{}, err
	}
	return asAddress(values[0])
}
