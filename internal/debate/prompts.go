package debate

import (
	"fmt"
	"strings"
)

// Role system prompts. Hard numeric limits travel in the market context
// so per-bot overrides reach the model; the prompts only set the job.

const analystSystemPrompt = `You are a technical market analyst on a crypto futures desk.

You receive indicator data for one candidate symbol plus shared market
context. Assess the technical picture and call the trend.

Rules:
- Use the symbol exactly as given. If the input says "BTC/USDT", answer "BTC/USDT".
- trend must be one of: bullish, bearish, neutral.
- Put concrete support/resistance prices in key_levels when the data
  shows them (for example {"support": 61200, "resistance": 64800}).
  Omit key_levels entirely if you have none.
- Keep the summary to two or three sentences grounded in the numbers
  you were given. Do not invent data.`

const bullSystemPrompt = `You are the bull trader in a structured debate on a crypto futures desk.

Your job is to find long opportunities among the candidate symbols using
the analyst reports and market data. Argue the strongest honest case;
when a later round shows you the bear's arguments, answer them directly
instead of repeating yourself.

Rules:
- Use symbols exactly as given in the market data.
- action must be one of: long, short, wait. As the bull you will mostly
  propose long, but wait is the right call when nothing qualifies, and
  an empty list is acceptable.
- Only propose entries you would take yourself: confidence above 60.
- Respect the risk constraints in the market data, especially the
  per-symbol allocation cap and the minimum risk/reward ratio.
- stop_loss_pct and take_profit_pct are percent distances from the
  current price, both positive (for example 2.5 means 2.5%).
- Reasoning should cite the specific indicators or levels that support
  the entry.`

const bearSystemPrompt = `You are the bear trader in a structured debate on a crypto futures desk.

Your job is to find short opportunities and to expose the weaknesses in
overextended longs, using the analyst reports and market data. Argue the
strongest honest case; when a later round shows you the bull's
arguments, answer them directly instead of repeating yourself.

Rules:
- Use symbols exactly as given in the market data.
- action must be one of: long, short, wait. As the bear you will mostly
  propose short, but wait is the right call when nothing qualifies, and
  an empty list is acceptable.
- Only propose entries you would take yourself: confidence above 60.
- Respect the risk constraints in the market data, especially the
  per-symbol allocation cap and the minimum risk/reward ratio.
- stop_loss_pct and take_profit_pct are percent distances from the
  current price, both positive (for example 2.5 means 2.5%).
- Reasoning should cite the specific indicators or levels that support
  the entry.`

const riskManagerSystemPrompt = `You are the risk manager and final decision maker on a crypto futures desk.

You have the analyst reports, the full bull and bear cases, the account
state, open positions, recent trade results and the hard risk limits.
Weigh both sides and produce one portfolio decision batch.

Rules:
- Output a decision for every candidate symbol. Use wait when in doubt.
- action must be one of: open_long, open_short, close_long, close_short,
  hold, wait. Use hold and close only for symbols with an open position.
- Never exceed the total or per-symbol allocation caps from the
  constraints. Cutting a debated entry is always acceptable; exceeding
  a cap is not.
- stop_loss and take_profit are absolute prices. For a long the stop
  must sit below the current price and the target above it. For a short
  the target must sit below the current price and the stop above it.
- Every open decision needs a stop loss and a risk/reward ratio at or
  above the minimum in the constraints.
- leverage is an integer within the allowed maximum. Use the default
  leverage from the constraints when you have no strong reason to
  deviate.
- When recent trades show a losing streak, size down or stand aside
  rather than doubling up. If an execution problem from the previous
  cycle is listed, do not repeat that exact order.
- priority orders execution: lower numbers run first. Put closes before
  opens.
- strategy_rationale should explain the portfolio as a whole in a few
  sentences.`

// JSON schemas inlined into the system prompt by the llm client.

const analystSchema = `{
  "type": "object",
  "required": ["symbol", "trend", "summary"],
  "properties": {
    "symbol": {"type": "string"},
    "trend": {"type": "string", "enum": ["bullish", "bearish", "neutral"]},
    "key_levels": {"type": "object", "additionalProperties": {"type": "number"}},
    "summary": {"type": "string"}
  }
}`

const traderSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["symbol", "action", "confidence", "reasoning"],
    "properties": {
      "symbol": {"type": "string"},
      "action": {"type": "string", "enum": ["long", "short", "wait"]},
      "confidence": {"type": "number", "minimum": 0, "maximum": 100},
      "allocation_pct": {"type": "number", "minimum": 0},
      "stop_loss_pct": {"type": "number", "minimum": 0},
      "take_profit_pct": {"type": "number", "minimum": 0},
      "reasoning": {"type": "string"}
    }
  }
}`

const batchSchema = `{
  "type": "object",
  "required": ["decisions", "strategy_rationale"],
  "properties": {
    "decisions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["symbol", "action"],
        "properties": {
          "symbol": {"type": "string"},
          "action": {"type": "string", "enum": ["open_long", "open_short", "close_long", "close_short", "hold", "wait"]},
          "allocation_pct": {"type": "number", "minimum": 0},
          "leverage": {"type": "integer", "minimum": 1},
          "stop_loss": {"type": "number"},
          "take_profit": {"type": "number"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 100},
          "reasoning": {"type": "string"},
          "priority": {"type": "integer"}
        }
      }
    },
    "total_allocation_pct": {"type": "number"},
    "cash_reserve_pct": {"type": "number"},
    "strategy_rationale": {"type": "string"}
  }
}`

// ==================== USER PROMPTS ====================

func analystUserPrompt(symbol, marketCtx string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze %s and call its trend.\n\n", symbol)
	b.WriteString(marketCtx)
	return b.String()
}

// traderUserPrompt deliberately omits the round number: a round that sees
// the same opposing case as the last one builds an identical prompt, which
// the cycle cache answers instead of re-asking a temperature-zero model.
func traderUserPrompt(role, analystSummary, marketCtx string, opposing []TraderSuggestion) string {
	var b strings.Builder
	side := "long"
	opponent := "bear"
	if role == RoleBear {
		side = "short"
		opponent = "bull"
	}
	fmt.Fprintf(&b, "Give your %s recommendations for the candidate symbols.\n\n", side)
	b.WriteString("## Analyst Reports\n")
	b.WriteString(analystSummary)
	b.WriteString("\n")
	b.WriteString(marketCtx)
	if len(opposing) > 0 {
		fmt.Fprintf(&b, "\n## Opposing View (the %s's latest arguments)\n", opponent)
		b.WriteString(renderSuggestions(opposing))
		b.WriteString("\nAddress these arguments directly where they touch your picks.\n")
	}
	return b.String()
}

func riskReviewPrompt(in Input, marketCtx, analystSummary string, bulls, bears []TraderSuggestion) string {
	var b strings.Builder
	b.WriteString("Review the debate and produce the final decision batch.\n\n")
	b.WriteString(marketCtx)
	b.WriteString("\n## Analyst Reports\n")
	b.WriteString(analystSummary)

	b.WriteString("\n## Bull Case\n")
	if len(bulls) == 0 {
		b.WriteString("No bull suggestions this cycle.\n")
	} else {
		b.WriteString(renderSuggestions(bulls))
	}
	b.WriteString("\n## Bear Case\n")
	if len(bears) == 0 {
		b.WriteString("No bear suggestions this cycle.\n")
	} else {
		b.WriteString(renderSuggestions(bears))
	}

	b.WriteString("\n## Recent Trades\n")
	b.WriteString(historyText(in))

	b.WriteString("\n## Candidate Symbols\n")
	fmt.Fprintf(&b, "Produce one decision per symbol, using these exact symbols: %s\n",
		strings.Join(in.Symbols, ", "))
	return b.String()
}

func renderSuggestions(suggestions []TraderSuggestion) string {
	var b strings.Builder
	for _, s := range suggestions {
		fmt.Fprintf(&b, "- %s: %s, allocation %.1f%%, confidence %.0f", s.Symbol, s.Action, s.AllocationPct, s.Confidence)
		if s.StopLossPct > 0 || s.TakeProfitPct > 0 {
			fmt.Fprintf(&b, ", SL -%.2f%% / TP +%.2f%%", s.StopLossPct, s.TakeProfitPct)
		}
		b.WriteString("\n")
		if s.Reasoning != "" {
			fmt.Fprintf(&b, "  %s\n", truncate(s.Reasoning, 500))
		}
	}
	return b.String()
}

func summarizeAnalysts(outputs []AnalystOutput) string {
	if len(outputs) == 0 {
		return "No analyst reports available this cycle.\n"
	}
	var b strings.Builder
	for _, a := range outputs {
		fmt.Fprintf(&b, "- %s: %s. %s", a.Symbol, a.Trend, a.Summary)
		if len(a.KeyLevels) > 0 {
			b.WriteString(" Key levels:")
			for _, name := range sortedLevelNames(a.KeyLevels) {
				fmt.Fprintf(&b, " %s %s", name, formatPrice(a.KeyLevels[name]))
			}
			b.WriteString(".")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
