package service

import (
	"github.com/shopspring/decimal"

	"github.com/dvalera/taquilla-pos/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Quote is the priced result of a quote request.  Besides the final
// amount it carries the full breakdown so invoices and displays can show
// how the number was produced.  All amounts are exact decimals; the
// rounding rule (half-up to two minor units) is applied exactly once, on
// the final total, never on the intermediate modifiers, so repeated
// quotes against unchanged state are byte-identical.
type Quote struct {
	ScopeID       string          `json:"scope_id"`
	StageID       uint64          `json:"stage_id"`
	StageOrdinal  int             `json:"stage_ordinal"`
	BasePrice     decimal.Decimal `json:"base_price"`
	StageModifier decimal.Decimal `json:"stage_modifier"`
	RowModifier   decimal.Decimal `json:"row_modifier"`
	FinalPrice    decimal.Decimal `json:"final_price"`
}

// priceQuote applies the stage modifier and an optional row markup to the
// base price.  A PERCENTAGE stage modifier scales the base; a FIXED one is
// added as-is.  The row markup is a percentage applied to the stage-priced
// subtotal.  decimal.Round rounds half away from zero, which for the
// non-negative prices handled here is exactly round-half-up.
func priceQuote(stage *model.PriceStage, base decimal.Decimal, rowPct *decimal.Decimal) Quote {
	var stageMod decimal.Decimal
	switch stage.ModifierType {
	case model.ModifierFixed:
		stageMod = stage.ModifierValue
	default: // model.ModifierPercentage
		stageMod = base.Mul(stage.ModifierValue).Div(hundred)
	}
	subtotal := base.Add(stageMod)

	rowMod := decimal.Zero
	if rowPct != nil {
		rowMod = subtotal.Mul(*rowPct).Div(hundred)
	}

	return Quote{
		ScopeID:       stage.ScopeID,
		StageID:       stage.ID,
		StageOrdinal:  stage.Ordinal,
		BasePrice:     base,
		StageModifier: stageMod,
		RowModifier:   rowMod,
		FinalPrice:    subtotal.Add(rowMod).Round(2),
	}
}
