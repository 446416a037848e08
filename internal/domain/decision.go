package domain

// Action is the decision emitted for a symbol on one run.
type Action string

const (
	ActionHold Action = "HOLD"
	ActionSell Action = "SELL"
	ActionBuy  Action = "BUY"
	ActionSkip Action = "SKIP"
)

// SellReason names the first rule in the exit cascade that fired.
type SellReason string

const (
	ReasonPanic      SellReason = "panic exit"
	ReasonHardStop   SellReason = "hard stop"
	ReasonStale      SellReason = "stale"
	ReasonRegimeExit SellReason = "regime exit"
	ReasonTrailStop  SellReason = "trailing stop"
	ReasonTrendBreak SellReason = "broke trend line"
	ReasonSwap       SellReason = "swap"
	ReasonGapStop    SellReason = "gap stop"
	ReasonGapTrail   SellReason = "gap trail"
)

// Decision is one proposed portfolio mutation. Sells carry a reason; buys
// carry an allocation; a swap is the sell side referencing its replacement
// through Counterpart, paired with a buy for the challenger. Intraday marks
// a sell that settled inside today's bar at Price rather than a next-open
// order; holds carry the day's High so the running high can ratchet from it.
type Decision struct {
	Action      Action     `json:"action" db:"action"`
	Symbol      string     `json:"symbol" db:"symbol"`
	Reason      SellReason `json:"reason,omitempty" db:"reason"`
	Counterpart string     `json:"counterpart,omitempty" db:"counterpart"`
	AmountUSD   float64    `json:"amount_usd,omitempty" db:"amount_usd"`
	Price       float64    `json:"price,omitempty" db:"price"`
	Score       float64    `json:"score,omitempty" db:"score"`
	High        float64    `json:"high,omitempty" db:"high"`
	Intraday    bool       `json:"intraday,omitempty" db:"intraday"`
}
