package domain

// TimeWindow is a named clock range such as a bedtime or study period.
// Start and End are "HH:MM"; Start after End means the range crosses midnight.
type TimeWindow struct {
	Name  string `json:"name,omitempty" yaml:"name"`
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}
