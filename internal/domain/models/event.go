package models

import (
	"fmt"
	"time"

	"github.com/WayB98/TIWatcher/pkg/util"
)

const EventTypeAlert = "alert"

// AlertEvent is the live notification fanned out to observers.
type AlertEvent struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	AlertID      int64  `json:"alert_id"`
	IndicatorID  int64  `json:"indicator_id"`
	ConnectionID int64  `json:"connection_id"`
	Indicator    string `json:"indicator"`
	RemoteAddr   string `json:"raddr"`
	Host         string `json:"host"`
	Timestamp    string `json:"ts"`
}

// NewAlertEvent describes a committed alert. remote is the trimmed remote
// endpoint as reported.
func NewAlertEvent(alert Alert, ind Indicator, remote, host string, at time.Time) AlertEvent {
	return AlertEvent{
		Type:         EventTypeAlert,
		Message:      fmt.Sprintf("IOC match on %s (host %s)", remote, host),
		AlertID:      alert.ID,
		IndicatorID:  ind.ID,
		ConnectionID: alert.ConnectionID,
		Indicator:    ind.Value,
		RemoteAddr:   remote,
		Host:         host,
		Timestamp:    util.FormatISO(at),
	}
}
