package stream

import "strings"

// NormalizeSymbol converts common exchange spellings of a perpetual pair to
// the Binance futures form:
//
//	btc-usdt      -> BTCUSDT
//	BTC/USDT      -> BTCUSDT
//	BTC-USDT-SWAP -> BTCUSDT
//	XBTUSDTM      -> BTCUSDT
func NormalizeSymbol(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	sym = strings.TrimSuffix(sym, "-SWAP")
	sym = strings.NewReplacer("-", "", "/", "", "_", "").Replace(sym)
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
		sym = strings.TrimSuffix(sym, "M")
	}
	return sym
}
