package capability

import "time"

// Window is the earliest feasible scheduling window of an offer.
type Window struct {
	Start         time.Time     `json:"startTime"`
	End           time.Time     `json:"endTime"`
	SetupDuration time.Duration `json:"setupDuration"`
	CycleDuration time.Duration `json:"cycleDuration"`
}

// Offer is a provider's bid for one capability requirement. Composite plans
// carry nested transport offers tagged with their placement.
type Offer struct {
	InstanceID    string  `json:"instanceId"`
	RequirementID string  `json:"requirementId,omitempty"`
	Capability    string  `json:"capability"`
	ProviderID    string  `json:"providerId"`
	StationID     string  `json:"stationId,omitempty"`
	Cost          float64 `json:"cost"`
	Window        Window  `json:"window"`
	MatchingScore float64 `json:"matchingScore"`

	// Placement is set on nested transport offers ("pre" or "post").
	Placement string  `json:"placement,omitempty"`
	Transport []Offer `json:"transport,omitempty"`

	// TransportAccepted is false when a required transport leg was refused
	// or timed out. Such an offer must not proceed to execution.
	TransportAccepted bool `json:"transportAccepted"`
}

// TotalCost sums the offer cost and all nested transport costs.
func (o Offer) TotalCost() float64 {
	total := o.Cost
	for _, t := range o.Transport {
		total += t.TotalCost()
	}
	return total
}

// TransportFor returns the nested offers with the given placement tag.
func (o Offer) TransportFor(p Placement) []Offer {
	tag := p.Tag()
	var out []Offer
	for _, t := range o.Transport {
		if t.Placement == tag {
			out = append(out, t)
		}
	}
	return out
}
