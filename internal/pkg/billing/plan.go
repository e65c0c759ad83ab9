package billing

// PlanInfo is the static catalogue entry surfaced alongside usage limits so
// clients can render upgrade prompts without a separate pricing endpoint.
type PlanInfo struct {
	Name       string `json:"name"`
	PriceCents int64  `json:"priceCents"`
	Currency   string `json:"currency"`
	Interval   string `json:"interval"`
}

// ProPlan is the single paid plan. The live price still comes from the
// processor at checkout time; this is display metadata only.
var ProPlan = PlanInfo{
	Name:       "QuillChat Pro",
	PriceCents: 3000,
	Currency:   "usd",
	Interval:   "month",
}
