package models

import (
	"encoding/json"
	"errors"
)

// ErrBatchNotObject is returned when an ingest body is not a JSON object.
var ErrBatchNotObject = errors.New("batch body must be a JSON object")

// Batch is one agent report: a host and the connections it saw.
type Batch struct {
	Host        string          `json:"host"`
	Connections []RawConnection `json:"connections"`
	// Skipped counts connection entries that were not JSON objects.
	Skipped int `json:"-"`
}

// UnmarshalJSON only insists on the envelope being an object. A host that is
// not a string is treated as missing, and so is a connections value that is
// not an array.
func (b *Batch) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return ErrBatchNotObject
	}

	*b = Batch{}
	if v, ok := fields["host"]; ok {
		_ = json.Unmarshal(v, &b.Host)
	}

	var entries []json.RawMessage
	if v, ok := fields["connections"]; ok {
		if err := json.Unmarshal(v, &entries); err != nil {
			entries = nil
		}
	}
	b.Connections = make([]RawConnection, 0, len(entries))
	for _, e := range entries {
		var rc RawConnection
		if err := json.Unmarshal(e, &rc); err != nil {
			b.Skipped++
			continue
		}
		b.Connections = append(b.Connections, rc)
	}
	return nil
}

// IngestResult is what the ingestion service reports back to the agent.
type IngestResult struct {
	AlertsCreated int `json:"alerts_created"`
}

// IngestResponse is the success body of POST /api/ingest.
type IngestResponse struct {
	Status        string `json:"status"`
	AlertsCreated int    `json:"alerts_created"`
}

// BatchOutcome is a committed batch handed to the export sinks.
type BatchOutcome struct {
	Host        string             `json:"host"`
	Source      string             `json:"source"`
	Connections []ConnectionRecord `json:"connections"`
	Alerts      []AlertEvent       `json:"alerts"`
}
