package runtime

// Requirements is the structured reading of the user's prompt.
type Requirements struct {
	ProjectName         string   `json:"project_name"`
	TargetAudience      string   `json:"target_audience"`
	CoreFunction        string   `json:"core_function"`
	ComponentsNeeded    []string `json:"components_needed"`
	SizeConstraint      string   `json:"size_constraint"`
	BatteryPowered      bool     `json:"battery_powered"`
	WirelessNeeded      bool     `json:"wireless_needed"`
	DisplayNeeded       bool     `json:"display_needed"`
	EstimatedComplexity string   `json:"estimated_complexity"`
	SafetyRequirements  []string `json:"safety_requirements"`
	SpecialNotes        string   `json:"special_notes"`
}

// Part is one bill-of-materials line. Prices are INR.
type Part struct {
	Name           string  `json:"name"`
	Quantity       int     `json:"quantity"`
	Price          float64 `json:"price,omitempty"`
	EstimatedPrice float64 `json:"estimated_price,omitempty"`
	URL            string  `json:"url,omitempty"`
	Category       string  `json:"category,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	InStock        *bool   `json:"in_stock,omitempty"`
}

// UnitPriceINR prefers the catalog price over the model's estimate.
func (p Part) UnitPriceINR() float64 {
	if p.Price > 0 {
		return p.Price
	}
	return p.EstimatedPrice
}

type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type PowerRail struct {
	Name   string `json:"name"`
	Source string `json:"source,omitempty"`
}

type Connection struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Type  string `json:"type,omitempty"`
	Notes string `json:"notes,omitempty"`
}

type CircuitDesign struct {
	BoardDimensions *Dimensions  `json:"board_dimensions,omitempty"`
	PowerRails      []PowerRail  `json:"power_rails"`
	Connections     []Connection `json:"connections"`
	Decoupling      []string     `json:"decoupling"`
	Notes           string       `json:"notes,omitempty"`
}

type Placement struct {
	Ref       string `json:"ref"`
	Component string `json:"component"`
	Position  string `json:"position,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

type PCBLayout struct {
	Layers             int            `json:"layers,omitempty"`
	BoardShape         string         `json:"board_shape,omitempty"`
	DimensionsMM       *Dimensions    `json:"dimensions_mm,omitempty"`
	ComponentPlacement []Placement    `json:"component_placement"`
	RoutingNotes       []string       `json:"routing_notes"`
	Mounting           []string       `json:"mounting"`
	Manufacturing      map[string]any `json:"manufacturing,omitempty"`
}

type PCBDesign struct {
	CircuitDesign CircuitDesign `json:"circuit_design"`
	Layout        PCBLayout     `json:"layout"`
	SchematicPath string        `json:"schematic_path,omitempty"`
	Dimensions    Dimensions    `json:"dimensions"`
	Notes         string        `json:"notes,omitempty"`
}

// BoardSize resolves the board outline: layout dimensions first, then the
// circuit's board dimensions, then the design dimensions, then 60x40mm.
func (d PCBDesign) BoardSize() Dimensions {
	for _, c := range []*Dimensions{d.Layout.DimensionsMM, d.CircuitDesign.BoardDimensions, &d.Dimensions} {
		if c != nil && c.Width > 0 && c.Height > 0 {
			return *c
		}
	}
	return Dimensions{Width: 60, Height: 40}
}

type Tool struct {
	Name  string `json:"name"`
	Notes string `json:"notes,omitempty"`
}

type AssemblyStep struct {
	Step        int      `json:"step"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Substeps    []string `json:"substeps,omitempty"`
	Tips        []string `json:"tips,omitempty"`
}

type TestProcedure struct {
	Test           string `json:"test"`
	Procedure      string `json:"procedure,omitempty"`
	ExpectedResult string `json:"expected_result,omitempty"`
}

type Troubleshooting struct {
	Problem   string   `json:"problem"`
	Solutions []string `json:"solutions,omitempty"`
}

type AssemblyGuide struct {
	Difficulty         string            `json:"difficulty"`
	EstimatedTimeHours float64           `json:"estimated_time_hours"`
	ToolsRequired      []Tool            `json:"tools_required"`
	MaterialsIncluded  []string          `json:"materials_included"`
	SafetyWarnings     []string          `json:"safety_warnings"`
	Steps              []AssemblyStep    `json:"steps"`
	Testing            []TestProcedure   `json:"testing"`
	Troubleshooting    []Troubleshooting `json:"troubleshooting"`
}

type QuoteLine struct {
	Name         string  `json:"name"`
	UnitPriceINR float64 `json:"unit_price_inr"`
	UnitPriceUSD float64 `json:"unit_price_usd"`
	Quantity     int     `json:"quantity"`
	TotalUSD     float64 `json:"total_usd"`
}

type PartsCost struct {
	Total float64     `json:"total"`
	Items []QuoteLine `json:"items"`
}

type FabricationCost struct {
	Total       float64 `json:"total"`
	BoardSizeMM string  `json:"board_size_mm"`
	Quantity    int     `json:"quantity"`
	Vendor      string  `json:"vendor"`
}

type PrintingCost struct {
	Total       float64 `json:"total"`
	WeightGrams float64 `json:"weight_grams"`
	Material    string  `json:"material"`
}

type FlatCost struct {
	Total  float64 `json:"total"`
	Kind   string  `json:"type,omitempty"`
	Method string  `json:"method,omitempty"`
}

type FeeCost struct {
	Total float64 `json:"total"`
	Rate  string  `json:"rate"`
}

type QuoteBreakdown struct {
	Parts          PartsCost       `json:"parts"`
	PCBFabrication FabricationCost `json:"pcb_fabrication"`
	Printing       PrintingCost    `json:"3d_printing"`
	Assembly       FlatCost        `json:"assembly"`
	Shipping       FlatCost        `json:"shipping"`
	PlatformFee    FeeCost         `json:"platform_fee"`
}

// Quote is the cost breakdown in USD.
type Quote struct {
	Breakdown      QuoteBreakdown `json:"breakdown"`
	Subtotal       float64        `json:"subtotal"`
	Total          float64        `json:"total"`
	Currency       string         `json:"currency"`
	ConversionRate string         `json:"conversion_rate"`
	Delivery       string         `json:"delivery"`
	Notes          []string       `json:"notes"`
}
