// streams.go implements the stream-name grammar and subscription tiering.
//
// Stream names are "{symbol_lower}@{suffix}" where the suffix selects the
// stream kind. Tiering bounds how many symbols receive which streams so the
// combined connection stays under the exchange's per-connection stream cap.
package exchange

import (
	"strings"

	"futuresfeed/internal/config"
	"futuresfeed/pkg/types"
)

var kindSuffix = map[types.StreamKind]string{
	types.KindAggTrade:   "aggTrade",
	types.KindTicker:     "ticker",
	types.KindBookTicker: "bookTicker",
	types.KindDepth5:     "depth5",
}

var suffixKind = map[string]types.StreamKind{
	"aggTrade":   types.KindAggTrade,
	"ticker":     types.KindTicker,
	"bookTicker": types.KindBookTicker,
	"depth5":     types.KindDepth5,
}

// StreamName builds the wire name for a symbol/kind pair.
func StreamName(symbol string, kind types.StreamKind) string {
	return strings.ToLower(symbol) + "@" + kindSuffix[kind]
}

// ParseStreamName splits a wire name into its uppercase symbol and kind.
// ok is false for names outside the supported grammar.
func ParseStreamName(name string) (symbol string, kind types.StreamKind, ok bool) {
	i := strings.IndexByte(name, '@')
	if i <= 0 {
		return "", "", false
	}
	kind, ok = suffixKind[name[i+1:]]
	if !ok {
		return "", "", false
	}
	return strings.ToUpper(name[:i]), kind, true
}

// Tiering computes the stream list for a ranked symbol set:
// the top-N symbols get aggTrade, bookTicker and depth5; ticker goes to the
// top-N plus the next MidTier symbols. The result never exceeds MaxStreams.
type Tiering struct {
	TopN    int
	MidTier int
}

// TieringFromConfig resolves the configured profile.
func TieringFromConfig(cfg config.TieringConfig) Tiering {
	return Tiering{TopN: cfg.ResolveTopN(), MidTier: cfg.MidTier}
}

// Streams builds the stream names for symbols, which must already be sorted
// by descending quote volume.
func (t Tiering) Streams(symbols []string) []string {
	top := t.TopN
	if top > len(symbols) {
		top = len(symbols)
	}
	mid := top + t.MidTier
	if mid > len(symbols) {
		mid = len(symbols)
	}

	out := make([]string, 0, top*3+mid)
	for _, s := range symbols[:top] {
		out = append(out,
			StreamName(s, types.KindAggTrade),
			StreamName(s, types.KindBookTicker),
			StreamName(s, types.KindDepth5),
		)
	}
	for _, s := range symbols[:mid] {
		out = append(out, StreamName(s, types.KindTicker))
	}
	if len(out) > config.MaxStreams {
		out = out[:config.MaxStreams]
	}
	return out
}
