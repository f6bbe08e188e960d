package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"aitrade/rules"
)

// actionAliases maps the model's wording onto sides
var actionAliases = map[string]rules.Side{
	"buy":            rules.SideBuy,
	"open_long":      rules.SideBuy,
	"long":           rules.SideBuy,
	"sell":           rules.SideSell,
	"close_long":     rules.SideSell,
	"close":          rules.SideSell,
	"close_position": rules.SideSell,
	"hold":           rules.SideHold,
	"wait":           rules.SideHold,
	"none":           rules.SideHold,
}

// ParseResponse extracts one intent per symbol from a model answer.
//
// Accepted shapes: an object keyed by symbol, an array of objects carrying
// "symbol", or either wrapped in {"decisions": ...}, optionally inside prose
// or a ```json fence. An error is returned only when no JSON decision can be
// found at all; per-symbol problems become Hold and are described in notes.
func ParseResponse(raw string, symbols []string, sellable map[string]decimal.Decimal, maxQty decimal.Decimal) ([]rules.Intent, []string, error) {
	entries, err := extractEntries(raw)
	if err != nil {
		return nil, nil, err
	}

	known := make(map[string]string, len(symbols))
	for _, s := range symbols {
		known[strings.ToUpper(strings.TrimSpace(s))] = s
	}

	var notes []string
	chosen := make(map[string]rules.Intent, len(symbols))
	for _, e := range entries {
		sym := resolveSymbol(e.symbol, known)
		if sym == "" {
			notes = append(notes, fmt.Sprintf("%s: unknown symbol dropped", e.symbol))
			continue
		}
		if _, dup := chosen[sym]; dup {
			notes = append(notes, fmt.Sprintf("%s: duplicate entry ignored", sym))
			continue
		}
		intent, note := toIntent(sym, e.fields, sellable[sym], maxQty)
		if note != "" {
			notes = append(notes, sym+": "+note)
		}
		chosen[sym] = intent
	}

	intents := make([]rules.Intent, 0, len(symbols))
	for _, s := range symbols {
		if in, ok := chosen[s]; ok {
			intents = append(intents, in)
		} else {
			intents = append(intents, Hold(s))
		}
	}
	return intents, notes, nil
}

type entry struct {
	symbol string
	fields map[string]any
}

// extractEntries finds the first JSON value in raw that decodes into
// decision entries.
func extractEntries(raw string) ([]entry, error) {
	text := normalizeQuotes(strings.TrimSpace(raw))
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", ErrDecisionParseFailure)
	}
	if inner, ok := fenced(text); ok {
		if entries, err := scan(inner); err == nil {
			return entries, nil
		}
	}
	entries, err := scan(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecisionParseFailure, err)
	}
	return entries, nil
}

// scan tries every '{' or '[' in order until one decodes.
func scan(text string) ([]entry, error) {
	lastErr := fmt.Errorf("no JSON found")
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		end := findMatchingBracket(text, i)
		if end == -1 {
			continue
		}
		v, err := decode(text[i : end+1])
		if err != nil {
			lastErr = err
			continue
		}
		entries, ok := toEntries(v)
		if !ok {
			lastErr = fmt.Errorf("JSON at offset %d is not a decision", i)
			continue
		}
		return entries, nil
	}
	return nil, lastErr
}

func decode(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func toEntries(v any) ([]entry, bool) {
	switch val := v.(type) {
	case []any:
		out := make([]entry, 0, len(val))
		for _, item := range val {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			sym := stringField(obj, "symbol", "code", "ticker")
			if sym == "" {
				return nil, false
			}
			out = append(out, entry{symbol: sym, fields: obj})
		}
		return out, true
	case map[string]any:
		if inner, ok := val["decisions"]; ok {
			return toEntries(inner)
		}
		// single decision object
		if sym := stringField(val, "symbol"); sym != "" && actionOf(val) != "" {
			return []entry{{symbol: sym, fields: val}}, true
		}
		// keyed by symbol; non-object members such as "analysis" are skipped
		out := make([]entry, 0, len(val))
		for _, key := range sortedKeys(val) {
			if obj, ok := val[key].(map[string]any); ok {
				out = append(out, entry{symbol: key, fields: obj})
			}
		}
		return out, len(out) > 0 || len(val) == 0
	}
	return nil, false
}

func toIntent(sym string, f map[string]any, sellable decimal.Decimal, maxQty decimal.Decimal) (rules.Intent, string) {
	action := actionOf(f)
	side, ok := actionAliases[action]
	if !ok {
		return Hold(sym), fmt.Sprintf("unknown action %q", action)
	}
	if side == rules.SideHold {
		return Hold(sym), ""
	}

	intent := rules.Intent{
		Symbol:         sym,
		Side:           side,
		OrderType:      rules.OrderMarket,
		Confidence:     numberField(f, "confidence"),
		ProfitTarget:   numberField(f, "profit_target", "take_profit"),
		StopLoss:       numberField(f, "stop_loss"),
		Reason:         stringField(f, "justification", "reasoning", "reason"),
	}

	lev, err := leverageField(f)
	if err != nil {
		return Hold(sym), err.Error()
	}
	intent.TargetLeverage = lev

	qty, present, err := quantityField(f)
	switch {
	case err != nil:
		return Hold(sym), fmt.Sprintf("quantity %v", err)
	case !present && side == rules.SideSell:
		if !sellable.IsPositive() {
			return Hold(sym), "sell without quantity and nothing sellable"
		}
		qty = sellable
	case !present:
		return Hold(sym), "buy without quantity"
	}
	if !qty.IsPositive() {
		return Hold(sym), fmt.Sprintf("non-positive quantity %s", qty)
	}
	if maxQty.IsPositive() && qty.GreaterThan(maxQty) {
		return Hold(sym), fmt.Sprintf("quantity %s above maximum %s", qty, maxQty)
	}
	intent.Quantity = qty
	return intent, ""
}

func actionOf(f map[string]any) string {
	return strings.ToLower(strings.TrimSpace(stringField(f, "signal", "action", "side")))
}

func quantityField(f map[string]any) (decimal.Decimal, bool, error) {
	for _, key := range []string{"quantity", "qty", "size", "amount"} {
		v, ok := f[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case json.Number:
			d, err := decimal.NewFromString(n.String())
			return d, true, err
		case string:
			d, err := decimal.NewFromString(strings.TrimSpace(n))
			if err != nil {
				return decimal.Zero, true, fmt.Errorf("%q is not numeric", n)
			}
			return d, true, nil
		default:
			return decimal.Zero, true, fmt.Errorf("%v is not numeric", v)
		}
	}
	return decimal.Zero, false, nil
}

// leverageField returns 0 when the model leaves leverage out.
func leverageField(f map[string]any) (int, error) {
	raw, ok := f["leverage"]
	if !ok || raw == nil {
		return 0, nil
	}
	var v float64
	var err error
	switch n := raw.(type) {
	case json.Number:
		v, err = n.Float64()
	case string:
		v, err = strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		err = fmt.Errorf("%v is not numeric", raw)
	}
	if err != nil {
		return 0, fmt.Errorf("leverage %v", err)
	}
	if v < 0 || v > math.MaxInt32 || v != math.Trunc(v) {
		return 0, fmt.Errorf("leverage %v out of range", raw)
	}
	return int(v), nil
}

func numberField(f map[string]any, keys ...string) float64 {
	for _, key := range keys {
		switch n := f[key].(type) {
		case json.Number:
			if v, err := n.Float64(); err == nil {
				return v
			}
		case string:
			if v, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return v
			}
		}
	}
	return 0
}

func stringField(f map[string]any, keys ...string) string {
	for _, key := range keys {
		switch s := f[key].(type) {
		case string:
			if s != "" {
				return s
			}
		case json.Number:
			return s.String()
		}
	}
	return ""
}

// resolveSymbol matches case-insensitively, accepting "BTC" for "BTCUSDT".
// known maps upper-cased symbols to their configured spelling.
func resolveSymbol(sym string, known map[string]string) string {
	s := strings.ToUpper(strings.TrimSpace(sym))
	if configured, ok := known[s]; ok {
		return configured
	}
	if configured, ok := known[s+"USDT"]; ok {
		return configured
	}
	return ""
}

// fenced returns the body of the first ```json (or bare ```) block.
func fenced(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start == -1 {
		return "", false
	}
	body := text[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl != -1 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	}
	end := strings.Index(body, "```")
	if end == -1 {
		return "", false
	}
	return body[:end], true
}

func normalizeQuotes(s string) string {
	return strings.NewReplacer(
		"“", "\"", "”", "\"",
		"‘", "'", "’", "'",
		"：", ":", "，", ",",
	).Replace(s)
}

// findMatchingBracket returns the index closing the bracket at start,
// skipping brackets inside string literals, or -1.
func findMatchingBracket(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
