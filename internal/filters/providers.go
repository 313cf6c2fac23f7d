package filters

// AnomalyAction is the market anomaly detector's standing instruction.
type AnomalyAction string

const (
	AnomalyContinue     AnomalyAction = "CONTINUE"
	AnomalyTightenStops AnomalyAction = "TIGHTEN_STOPS"
	AnomalyReduceSize   AnomalyAction = "REDUCE_SIZE"
	AnomalyHalt         AnomalyAction = "HALT"
)

// SentimentProvider scores market sentiment for a symbol; positive is bullish.
// The second return is false when no reading is available.
type SentimentProvider interface {
	Sentiment(symbol string) (float64, bool)
}

// BreadthProvider reports overall market breadth health.
type BreadthProvider interface {
	BreadthHealthy() (bool, bool)
}

// MLScorer produces the model-based entry gate inputs. Either method may
// report no data with ok=false, which passes the corresponding filter.
type MLScorer interface {
	EntryScore(symbol string) (float64, bool)
	WinProbability(symbol string) (float64, bool)
}

// AnomalyDetector reports the current anomaly action.
type AnomalyDetector interface {
	Action() AnomalyAction
}

// VolumeProfiler reports whether price sits near a volume-profile support
// level. ok=false means no profile is built for the symbol.
type VolumeProfiler interface {
	NearSupport(symbol string, price float64) (bool, bool)
}

// CorrelationSource maps symbols to concentration groups and pairwise
// correlation estimates.
type CorrelationSource interface {
	Group(symbol string) string
	Correlation(a, b string) float64
}

// Providers bundles the optional advisory inputs. Any nil field disables its
// filter (treated as Pass).
type Providers struct {
	Sentiment     SentimentProvider
	Breadth       BreadthProvider
	ML            MLScorer
	Anomaly       AnomalyDetector
	VolumeProfile VolumeProfiler
	Correlation   CorrelationSource
}

// StaticCorrelations is a config-backed CorrelationSource: symbols sharing a
// group correlate at the group's coefficient, everything else at zero.
type StaticCorrelations struct {
	Groups map[string]string  // symbol -> group name
	Coeff  map[string]float64 // group name -> intra-group correlation
}

func (s *StaticCorrelations) Group(symbol string) string {
	if s == nil {
		return ""
	}
	return s.Groups[symbol]
}

func (s *StaticCorrelations) Correlation(a, b string) float64 {
	if s == nil || a == b {
		return 0
	}
	ga, gb := s.Groups[a], s.Groups[b]
	if ga == "" || ga != gb {
		return 0
	}
	if c, ok := s.Coeff[ga]; ok {
		return c
	}
	return 0.9
}
