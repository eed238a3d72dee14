package stages

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
)

// Costs in INR.
const (
	pcbBaseINR       = 150.0
	pcbPerSqCMINR    = 2.0
	pcbFreeAreaSqCM  = 25.0
	printPerGramINR  = 5.0
	printGrams       = 40.0
	shippingINR      = 80.0
	assemblyINR      = 0.0
	platformFeeRate  = 0.10
	pcbBatchQuantity = 5
	quoteCurrency    = "USD"
	quoteDelivery    = "5-7 days (parts) + 3-5 days (PCB fab)"
)

// Quoter prices the project without calling the generator.
type Quoter struct{ base }

func (h *Quoter) Handle(_ context.Context, in *Input) (any, error) {
	var pcb runtime.PCBDesign
	if in.Context.PCBDesign != nil {
		pcb = *in.Context.PCBDesign
	}
	return Quote(in.Context.BOM, pcb, h.deps.INRUSD), nil
}

// Quote computes the cost breakdown in USD from INR prices.
func Quote(bom []runtime.Part, pcb runtime.PCBDesign, inrUSD float64) runtime.Quote {
	if inrUSD <= 0 {
		inrUSD = DefaultINRUSD
	}
	partsINR := 0.0
	items := make([]runtime.QuoteLine, 0, len(bom))
	for _, p := range bom {
		qty := p.Quantity
		if qty < 1 {
			qty = 1
		}
		price := p.UnitPriceINR()
		line := price * float64(qty)
		partsINR += line
		name := p.Name
		if name == "" {
			name = "Unknown"
		}
		items = append(items, runtime.QuoteLine{
			Name:         name,
			UnitPriceINR: round2(price),
			UnitPriceUSD: round2(price * inrUSD),
			Quantity:     qty,
			TotalUSD:     round2(line * inrUSD),
		})
	}

	board := pcb.BoardSize()
	pcbINR := pcbBaseINR
	if area := board.Width * board.Height / 100; area > pcbFreeAreaSqCM {
		pcbINR += (area - pcbFreeAreaSqCM) * pcbPerSqCMINR
	}
	printINR := printGrams * printPerGramINR

	partsUSD := partsINR * inrUSD
	pcbUSD := pcbINR * inrUSD
	printUSD := printINR * inrUSD
	asmUSD := assemblyINR * inrUSD
	shipUSD := shippingINR * inrUSD
	subtotal := partsUSD + pcbUSD + printUSD + asmUSD + shipUSD
	platform := subtotal * platformFeeRate

	return runtime.Quote{
		Breakdown: runtime.QuoteBreakdown{
			Parts: runtime.PartsCost{Total: round2(partsUSD), Items: items},
			PCBFabrication: runtime.FabricationCost{
				Total:       round2(pcbUSD),
				BoardSizeMM: formatMM(board.Width) + "x" + formatMM(board.Height),
				Quantity:    pcbBatchQuantity,
				Vendor:      "JLCPCB / PCBWay",
			},
			Printing:    runtime.PrintingCost{Total: round2(printUSD), WeightGrams: printGrams, Material: "PLA"},
			Assembly:    runtime.FlatCost{Total: round2(asmUSD), Kind: "DIY"},
			Shipping:    runtime.FlatCost{Total: round2(shipUSD), Method: "Standard"},
			PlatformFee: runtime.FeeCost{Total: round2(platform), Rate: fmt.Sprintf("%.0f%%", platformFeeRate*100)},
		},
		Subtotal:       round2(subtotal),
		Total:          round2(subtotal + platform),
		Currency:       quoteCurrency,
		ConversionRate: fmt.Sprintf("1 USD = %.1f INR", 1/inrUSD),
		Delivery:       quoteDelivery,
		Notes: []string{
			fmt.Sprintf("Parts sourced from robu.in (INR converted at $1 = ₹%.1f)", 1/inrUSD),
			"PCB via JLCPCB (5-pack minimum)",
			"3D printing via local service bureau",
			"Assembly: DIY with included instructions",
		},
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func formatMM(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
