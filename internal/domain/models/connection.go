package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/WayB98/TIWatcher/pkg/util"
)

// ConnectionRecord is one reported TCP connection, persisted once per batch.
// Optional fields are nil when the agent omitted them or sent garbage.
type ConnectionRecord struct {
	ID          int64     `json:"id"`
	Host        string    `json:"host"`
	PID         *int64    `json:"pid,omitempty"`
	ProcessName *string   `json:"exe,omitempty"`
	LocalAddr   string    `json:"laddr"`
	RemoteAddr  string    `json:"raddr"`
	RemotePort  *int      `json:"rport,omitempty"`
	ObservedAt  time.Time `json:"ts"`
}

// RawConnection is a connection entry as decoded from an agent payload.
// Decoding never fails on a bad field: the field stays nil and its name is
// listed in Invalid.
type RawConnection struct {
	PID         *int64
	ProcessName *string
	LocalAddr   *string
	RemoteAddr  *string
	RemotePort  *int
	ObservedAt  *time.Time
	Invalid     []string
}

var errNotObject = errors.New("connection entry must be a JSON object")

// field names accepted per attribute, first present wins
var (
	pidKeys   = []string{"pid"}
	exeKeys   = []string{"exe", "processName", "process_name"}
	laddrKeys = []string{"laddr", "localAddr", "local_addr"}
	raddrKeys = []string{"raddr", "remoteIP", "remote_ip"}
	rportKeys = []string{"rport", "remotePort", "remote_port"}
	tsKeys    = []string{"ts", "observedAt", "observed_at"}
)

// UnmarshalJSON accepts any JSON object. A non-object yields an error so the
// batch can skip the entry.
func (r *RawConnection) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	if fields == nil {
		return errNotObject
	}

	*r = RawConnection{}
	if v, key, ok := pick(fields, pidKeys); ok {
		if n, ok := asInt(v); ok {
			r.PID = &n
		} else {
			r.Invalid = append(r.Invalid, key)
		}
	}
	r.ProcessName = r.stringField(fields, exeKeys)
	r.LocalAddr = r.stringField(fields, laddrKeys)
	r.RemoteAddr = r.stringField(fields, raddrKeys)
	if v, key, ok := pick(fields, rportKeys); ok {
		if n, ok := asInt(v); ok && n >= 0 && n <= 65535 {
			p := int(n)
			r.RemotePort = &p
		} else {
			r.Invalid = append(r.Invalid, key)
		}
	}
	if v, key, ok := pick(fields, tsKeys); ok {
		if t, ok := asEpoch(v); ok {
			r.ObservedAt = &t
		} else {
			r.Invalid = append(r.Invalid, key)
		}
	}
	return nil
}

func (r *RawConnection) stringField(fields map[string]json.RawMessage, keys []string) *string {
	v, key, ok := pick(fields, keys)
	if !ok {
		return nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		r.Invalid = append(r.Invalid, key)
		return nil
	}
	return &s
}

// Record turns the raw entry into a ConnectionRecord for host. receivedAt
// stands in for a missing timestamp.
func (r RawConnection) Record(host string, receivedAt time.Time) ConnectionRecord {
	rec := ConnectionRecord{
		Host:        host,
		PID:         r.PID,
		ProcessName: r.ProcessName,
		RemotePort:  r.RemotePort,
		ObservedAt:  receivedAt.UTC(),
	}
	if r.LocalAddr != nil {
		rec.LocalAddr = *r.LocalAddr
	}
	if r.RemoteAddr != nil {
		rec.RemoteAddr = *r.RemoteAddr
	}
	if r.ObservedAt != nil {
		rec.ObservedAt = *r.ObservedAt
	}
	return rec
}

// MarshalJSON writes the wire field names, so a RawConnection round-trips
// through agents and the Kafka intake.
func (r RawConnection) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}
	if r.PID != nil {
		out["pid"] = *r.PID
	}
	if r.ProcessName != nil {
		out["exe"] = *r.ProcessName
	}
	if r.LocalAddr != nil {
		out["laddr"] = *r.LocalAddr
	}
	if r.RemoteAddr != nil {
		out["raddr"] = *r.RemoteAddr
	}
	if r.RemotePort != nil {
		out["rport"] = *r.RemotePort
	}
	if r.ObservedAt != nil {
		out["ts"] = float64(r.ObservedAt.UnixNano()) / 1e9
	}
	return json.Marshal(out)
}

// pick returns the first present, non-null value among keys.
func pick(fields map[string]json.RawMessage, keys []string) (json.RawMessage, string, bool) {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return nil, k, false
		}
		return v, k, true
	}
	return nil, "", false
}

// asNumber accepts a JSON number or a string holding one.
func asNumber(v json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

func asInt(v json.RawMessage) (int64, bool) {
	f, ok := asNumber(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func asEpoch(v json.RawMessage) (time.Time, bool) {
	f, ok := asNumber(v)
	if !ok {
		return time.Time{}, false
	}
	return util.EpochSeconds(f)
}
