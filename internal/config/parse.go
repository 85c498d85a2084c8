package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddresses converts string addresses into common.Address.
func ParseAddresses(inputs []string) ([]common.Address, error) {
	addresses := make([]common.Address, 0, len(inputs))
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		addr, err := parseAddress(input)
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, addr)
	}
	return addresses, nil
}

// ParseAddress parses a single optional address. An empty input yields the
// zero address.
func ParseAddress(input string) (common.Address, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return common.Address{}, nil
	}
	return parseAddress(input)
}

func parseAddress(input string) (common.Address, error) {
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("invalid address: %s", input)
	}
	return common.HexToAddress(input), nil
}

// ParseAddressMap parses token=feed pairs.
func ParseAddressMap(inputs []string) (map[common.Address]common.Address, error) {
	out := make(map[common.Address]common.Address, len(inputs))
	for _, input := range inputs {
		key, value, err := splitPair(input)
		if err != nil {
			return nil, err
		}
		token, err := parseAddress(key)
		if err != nil {
			return nil, err
		}
		feed, err := parseAddress(value)
		if err != nil {
			return nil, err
		}
		out[token] = feed
	}
	return out, nil
}

// ParsePriceMap parses token=usd pairs. Prices must be positive.
func ParsePriceMap(inputs []string) (map[common.Address]float64, error) {
	out := make(map[common.Address]float64, len(inputs))
	for _, input := range inputs {
		key, value, err := splitPair(input)
		if err != nil {
			return nil, err
		}
		token, err := parseAddress(key)
		if err != nil {
			return nil, err
		}
		usd, err := strconv.ParseFloat(value, 64)
		if err != nil || usd <= 0 {
			return nil, fmt.Errorf("invalid price for %s: %s", key, value)
		}
		out[token] = usd
	}
	return out, nil
}

func splitPair(input string) (string, string, error) {
	key, value, ok := strings.Cut(strings.TrimSpace(input), "=")
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if !ok || key == "" || value == "" {
		return "", "", fmt.Errorf("invalid key=value pair: %q", input)
	}
	return key, value, nil
}
