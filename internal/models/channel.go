package models

// NotificationChannel configures one delivery backend. Read-only to the dispatcher.
type NotificationChannel struct {
	ID            string            `json:"id" yaml:"id"`
	Name          string            `json:"name" yaml:"name"`
	Type          string            `json:"type" yaml:"type"`
	Config        map[string]string `json:"config" yaml:"config"`
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	RatePerMinute int               `json:"ratePerMinute,omitempty" yaml:"rate_per_minute"`
}
