package models

import "time"

type AlertStatus string

const (
	AlertOpen   AlertStatus = "open"
	AlertClosed AlertStatus = "closed"
)

// Alert links one connection record to the indicator it matched.
type Alert struct {
	ID           int64       `json:"id"`
	IndicatorID  int64       `json:"indicator_id"`
	ConnectionID int64       `json:"connection_id"`
	Status       AlertStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
}

// AlertView is an alert joined with what it matched, for listings.
type AlertView struct {
	Alert
	Indicator     string        `json:"indicator"`
	IndicatorKind IndicatorKind `json:"indicator_kind"`
	Host          string        `json:"host"`
	ProcessName   *string       `json:"process_name,omitempty"`
	RemoteAddr    string        `json:"raddr"`
	RemotePort    *int          `json:"rport,omitempty"`
	ObservedAt    time.Time     `json:"observed_at"`
}

// AlertFilter narrows ListAlerts. An empty Status lists every alert.
type AlertFilter struct {
	Status AlertStatus `query:"status" json:"status" validate:"omitempty,oneof=open closed"`
	Limit  int         `query:"limit" json:"limit" default:"500" validate:"gte=1,lte=5000"`
	// Since is RFC3339 or unix seconds as sent by the client.
	Since string `query:"since" json:"since,omitempty"`

	// After keeps alerts created at or after this instant; zero keeps all.
	After time.Time `json:"-"`
}

// Stats are the headline ledger counters.
type Stats struct {
	Indicators  int64 `json:"total_iocs"`
	Alerts      int64 `json:"total_alerts"`
	OpenAlerts  int64 `json:"open_alerts"`
	Connections int64 `json:"total_connections"`
}
