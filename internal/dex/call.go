package dex

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Call is a single read-only contract call.
type Call struct {
	Target common.Address
	Data   []byte
}

// CallResult is the outcome of one Call inside a batch. Success is false when
// the call reverted; Err is set when the call never got an answer.
type CallResult struct {
	Success bool
	Data    []byte
	Err     error
}

// OK reports a call that executed and returned data.
func (r CallResult) OK() bool {
	return r.Err == nil && r.Success
}

// BatchCaller executes calls in one round trip. Results keep the request order.
type BatchCaller interface {
	BatchCall(ctx context.Context, calls []Call, block *big.Int) ([]CallResult, error)
}

type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type call3Result struct {
	Success    bool
	ReturnData []byte
}

// PackAggregate3 encodes calls as a multicall3 aggregate3 request with every
// sub-call allowed to fail.
func PackAggregate3(calls []Call) ([]byte, error) {
	parsed, err := Multicall3ABI()
	if err != nil {
		return nil, fmt.Errorf("parse multicall abi: %w", err)
	}
	args := make([]call3, len(calls))
	for i, c := range calls {
		args[i] = call3{Target: c.Target, AllowFailure: true, CallData: c.Data}
	}
	data, err := parsed.Pack("aggregate3", args)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}
	return data, nil
}

// UnpackAggregate3 decodes an aggregate3 response into per-call results.
func UnpackAggregate3(data []byte, expected int) ([]CallResult, error) {
	parsed, err := Multicall3ABI()
	if err != nil {
		return nil, fmt.Errorf("parse multicall abi: %w", err)
	}
	values, err := parsed.Unpack("aggregate3", data)
	if err != nil {
		return nil, fmt.Errorf("unpack aggregate3: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("aggregate3 return size %d", len(values))
	}
	raw := *abi.ConvertType(values[0], new([]call3Result)).(*[]call3Result)
	if len(raw) != expected {
		return nil, fmt.Errorf("aggregate3 returned %d results for %d calls", len(raw), expected)
	}
	results := make([]CallResult, len(raw))
	for i, r := range raw {
		results[i] = CallResult{Success: r.Success, Data: r.ReturnData}
	}
	return results, nil
}

func packCall(parsed abi.ABI, target common.Address, method string, args ...interface{}) (Call, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return Call{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return Call{Target: target, Data: data}, nil
}

func unpackCall(parsed abi.ABI, method string, data []byte) ([]interface{}, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("unpack %s: empty return data", method)
	}
	values, err := parsed.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}
