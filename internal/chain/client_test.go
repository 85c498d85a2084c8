package chain

import "testing"

func TestIsLocalURL(t *testing.T) {
	cases := map[string]bool{
		"http://127.0.0.1:8545":                  true,
		"ws://localhost:8546":                    true,
		"http://10.0.0.4:9545":                   true,
		"https://arb1.arbitrum.io/rpc":           false,
		"https://arb-mainnet.g.alchemy.com/v2/x": false,
		"127.0.0.1:8545":                         true,
	}
	for input, want := range cases {
		if got := IsLocalURL(input); got != want {
			t.Fatalf("IsLocalURL(%q)=%v want %v", input, got, want)
		}
	}
}
