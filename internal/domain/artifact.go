package domain

import (
	"fmt"
	"path"
	"time"
)

const (
	dayLayout    = "20060102"
	dirLayout    = "2006/01/02"
	minuteLayout = "2006-01-02T1504"
)

// EntityKind is the kind of upstream call an artifact was captured from.
type EntityKind string

const (
	KindLogin      EntityKind = "login"
	KindLineDetail EntityKind = "line_detail"
	KindCalendar   EntityKind = "calendar"
	KindEta        EntityKind = "eta"
)

// Capture pins a run to a source and a minute in the source's local timezone.
// Day-resolution keys (login, line detail, calendar) and minute-resolution
// keys (eta) are both derived from it.
type Capture struct {
	Source string
	At     time.Time
}

func NewCapture(source string, now time.Time, loc *time.Location) Capture {
	return Capture{
		Source: source,
		At:     now.In(loc).Truncate(time.Minute),
	}
}

// Day returns the capture day as YYYYMMDD.
func (c Capture) Day() string {
	return c.At.Format(dayLayout)
}

// Stamp returns the minute-resolution capture stamp used for eta keys.
func (c Capture) Stamp() string {
	return c.At.Format(minuteLayout)
}

// Dir returns the key prefix for kind on the capture day.
func (c Capture) Dir(kind EntityKind) string {
	return path.Join("raw", c.Source, c.At.Format(dirLayout), string(kind))
}

// LoginKey is the key of the cached login response for the capture day.
func (c Capture) LoginKey() string {
	return path.Join(c.Dir(KindLogin), fmt.Sprintf("login_%s.json", c.Day()))
}

// EtaIndexKey is the key of the newline separated list of eta keys written on
// the capture day.
func (c Capture) EtaIndexKey() string {
	return path.Join(c.Dir(KindEta), "metadata.txt")
}

// EntityRequest is one unit of fan-out work.
type EntityRequest struct {
	Kind      EntityKind
	ID        string
	StartDate string
	EndDate   string
}

// LineDetail requests the schedule of lineID for day (YYYYMMDD).
func LineDetail(lineID, day string) EntityRequest {
	return EntityRequest{Kind: KindLineDetail, ID: lineID, StartDate: day, EndDate: day}
}

func Eta(stopID string) EntityRequest {
	return EntityRequest{Kind: KindEta, ID: stopID}
}

func Calendar(startDate, endDate string) EntityRequest {
	return EntityRequest{Kind: KindCalendar, StartDate: startDate, EndDate: endDate}
}

// Key returns the storage key for the request's artifact within capture c.
// Line detail and calendar keys change once a day, eta keys every minute.
func (r EntityRequest) Key(c Capture) string {
	var name string
	switch r.Kind {
	case KindLineDetail:
		name = fmt.Sprintf("line_detail_%s_%s.json", r.ID, c.Day())
	case KindCalendar:
		name = fmt.Sprintf("calendar_%s.json", c.Day())
	case KindEta:
		name = fmt.Sprintf("eta_%s_%s.json", r.ID, c.Stamp())
	default:
		name = fmt.Sprintf("%s_%s_%s.json", r.Kind, r.ID, c.Day())
	}
	return path.Join(c.Dir(r.Kind), name)
}

// EntityID identifies the request in logs and summaries.
func (r EntityRequest) EntityID() string {
	if r.Kind == KindCalendar {
		return r.StartDate + "-" + r.EndDate
	}
	return r.ID
}

// RawArtifact is one stored upstream response. Artifacts are write-once.
type RawArtifact struct {
	Key        string
	Kind       EntityKind
	EntityID   string
	Payload    []byte
	CapturedAt time.Time
}
