package domain

import "sort"

// Pairs maps normalized trading pairs to upstream exchange symbols.
var Pairs = map[string]string{
	"ETH/USDC": "BINANCE:ETHUSDC",
	"ETH/USDT": "BINANCE:ETHUSDT",
	"ETH/BTC":  "BINANCE:ETHBTC",
	"BTC/USDT": "BINANCE:BTCUSDT",
}

var symbolToPair = invert(Pairs)

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// PairForSymbol resolves an upstream symbol to its pair.
func PairForSymbol(symbol string) (string, bool) {
	pair, ok := symbolToPair[symbol]
	return pair, ok
}

// SymbolForPair resolves a pair to its upstream symbol.
func SymbolForPair(pair string) (string, bool) {
	symbol, ok := Pairs[pair]
	return symbol, ok
}

// IsKnownPair reports whether pair is in the table.
func IsKnownPair(pair string) bool {
	_, ok := Pairs[pair]
	return ok
}

// Symbols returns all upstream symbols, sorted.
func Symbols() []string {
	out := make([]string, 0, len(Pairs))
	for _, s := range Pairs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// PairNames returns all pairs, sorted.
func PairNames() []string {
	out := make([]string, 0, len(Pairs))
	for p := range Pairs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
