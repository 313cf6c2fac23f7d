package strategy

// Action is the decision a strategy emits for one symbol.
type Action int

const (
	Hold Action = iota
	Buy
	Sell
)

func (a Action) String() string {
	switch a {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "HOLD"
	}
}

// Signal is a tagged decision with the reason that produced it.
type Signal struct {
	Action Action
	Reason string
}

// HoldSignal is a convenience constructor for the common no-op decision.
func HoldSignal(reason string) Signal { return Signal{Action: Hold, Reason: reason} }

// BuySignal constructs a buy decision.
func BuySignal(reason string) Signal { return Signal{Action: Buy, Reason: reason} }

// SellSignal constructs a sell decision.
func SellSignal(reason string) Signal { return Signal{Action: Sell, Reason: reason} }

// Input is everything a strategy may look at. Strategies are pure functions of
// this value; they never call the broker.
type Input struct {
	Symbol  string
	Price   float64
	Qty     float64 // current position quantity, 0 when flat
	History []float64
	RSI     float64
	RSIOK   bool // RSI has enough data
	EMABull bool
	EMAOK   bool
	MACDUp  bool // crossed up this bar
	MACDDn  bool
	MACDOK  bool
	Bullish bool // MACD line above signal
	VWAP    float64
	Mom     float64 // momentum over the lookback window
	MomCons bool    // momentum consistent across prior bars
	MomOK   bool
}
