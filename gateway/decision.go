package gateway

import (
	"net/http"
	"strings"

	"github.com/toolink/sentinel/pressure"
	"github.com/toolink/sentinel/priority"
)

// Denial reasons, also used as the reason field of rejection bodies.
const (
	ReasonLocalBurst       = "local_burst_exceeded"
	ReasonDistributedLimit = "distributed_limit_exceeded"
	ReasonPriority         = "priority_throttle"
	ReasonCircuitOpen      = "circuit_open"
)

// DegradedHeader marks responses served from the degraded payload.
const DegradedHeader = "X-Sentinel-Degraded"

const degradedMessage = "Service is under high load. This is a lightweight response."

// Outcome is what the pipeline does with an admitted or denied request.
type Outcome int

const (
	Forward Outcome = iota
	Reject
	Degrade
)

func (o Outcome) String() string {
	switch o {
	case Forward:
		return "forward"
	case Reject:
		return "reject"
	case Degrade:
		return "degrade"
	default:
		return "unknown"
	}
}

// Decision is the result of running the admission gates for one request.
type Decision struct {
	Outcome  Outcome
	Status   int
	Reason   string // empty unless Outcome is Reject
	Plan     priority.Plan
	Mode     pressure.Mode
	Pressure float64 // global pressure sampled at admission
	Limit    int     // adaptive sliding-window limit applied
	Service  string
}

// Allowed reports whether the request passed every gate.
func (d Decision) Allowed() bool { return d.Outcome != Reject }

// Body returns the JSON body written for a rejection.
func (d Decision) Body() map[string]any {
	switch d.Reason {
	case ReasonLocalBurst, ReasonDistributedLimit:
		return map[string]any{"error": "rate_limited", "reason": d.Reason}
	case ReasonPriority:
		return map[string]any{"error": "load_shedding", "reason": d.Reason, "plan": d.Plan.String()}
	case ReasonCircuitOpen:
		return map[string]any{"error": "circuit_open", "reason": d.Reason, "service": d.Service}
	default:
		return map[string]any{"error": http.StatusText(d.Status)}
	}
}

// DegradedPayload is the lightweight body served instead of a heavy endpoint.
type DegradedPayload struct {
	Degraded bool   `json:"degraded"`
	Message  string `json:"message"`
	Data     []any  `json:"data"`
	URL      string `json:"url"`
}

func newDegradedPayload(url string) DegradedPayload {
	return DegradedPayload{Degraded: true, Message: degradedMessage, Data: []any{}, URL: url}
}

// isHeavy reports whether url contains any of the heavy endpoint fragments.
func isHeavy(url string, heavy []string) bool {
	for _, h := range heavy {
		if h != "" && strings.Contains(url, h) {
			return true
		}
	}
	return false
}
