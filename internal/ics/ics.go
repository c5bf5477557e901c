// Package ics converts between iCalendar documents and local events.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/antedwards/home-dashboard/internal/db"
	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// ProductID is written as PRODID on every encoded calendar.
const ProductID = "-//Home Dashboard//Household Calendar//EN"

// DefaultTitle is used when a VEVENT has no SUMMARY.
const DefaultTitle = "Untitled Event"

const (
	dateFormat          = "20060102"
	localDateTimeFormat = "20060102T150405"
)

var (
	ErrEmptyDocument = errors.New("empty iCalendar document")
	ErrInvalidTime   = errors.New("invalid date-time value")
)

// ParseError reports an iCalendar object that could not be decoded.
type ParseError struct {
	UID string
	Err error
}

func (e *ParseError) Error() string {
	if e.UID != "" {
		return fmt.Sprintf("ics: parse error (uid %s): %v", e.UID, e.Err)
	}
	return fmt.Sprintf("ics: parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParsedEvent is one VEVENT decoded from a remote object.
type ParsedEvent struct {
	UID            string
	RecurrenceID   string
	Title          string
	Description    string
	Location       string
	AllDay         bool
	StartTime      time.Time
	EndTime        time.Time
	RecurrenceRule string
	Status         db.EventStatus
	Sequence       int
	Timestamp      *time.Time
	OrganizerEmail string
	OrganizerName  string
	Attendees      []db.ExternalAttendee

	// Set by the caller from the object's source.
	ExternalCalendar string
	ExternalURL      string
	// ETag is an HTTP property; Decode leaves it empty.
	ETag string
}

// IsOverride reports whether the VEVENT overrides one recurrence instance.
func (p *ParsedEvent) IsOverride() bool {
	return p.RecurrenceID != ""
}

// Decode parses an iCalendar document into its VEVENTs. VEVENTs without a
// UID, or without both DTSTART and DTEND, are skipped.
func Decode(data, calendarName, objectURL string) ([]ParsedEvent, error) {
	if strings.TrimSpace(data) == "" {
		return nil, &ParseError{Err: ErrEmptyDocument}
	}

	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	var events []ParsedEvent
	for _, vevent := range cal.Events() {
		parsed, ok, err := parseEvent(vevent.Component)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		parsed.ExternalCalendar = calendarName
		parsed.ExternalURL = objectURL
		events = append(events, parsed)
	}

	return events, nil
}

func parseEvent(comp *ical.Component) (ParsedEvent, bool, error) {
	var p ParsedEvent

	uid, _ := comp.Props.Text(ical.PropUID)
	p.UID = strings.TrimSpace(uid)
	if p.UID == "" {
		slog.Warn("skipping VEVENT without UID")
		return p, false, nil
	}

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	endProp := comp.Props.Get(ical.PropDateTimeEnd)
	if startProp == nil && endProp == nil {
		slog.Warn("skipping VEVENT without DTSTART or DTEND", "uid", p.UID)
		return p, false, nil
	}

	var err error
	switch {
	case startProp != nil:
		p.StartTime, p.AllDay, err = propTime(startProp)
		if err != nil {
			return p, false, &ParseError{UID: p.UID, Err: err}
		}
		p.EndTime, err = endTime(comp, p.StartTime, p.AllDay)
		if err != nil {
			return p, false, &ParseError{UID: p.UID, Err: err}
		}
	default:
		p.EndTime, p.AllDay, err = propTime(endProp)
		if err != nil {
			return p, false, &ParseError{UID: p.UID, Err: err}
		}
		p.StartTime = p.EndTime
	}

	if p.EndTime.Before(p.StartTime) {
		p.EndTime = p.StartTime
	}

	p.Title, _ = comp.Props.Text(ical.PropSummary)
	if strings.TrimSpace(p.Title) == "" {
		p.Title = DefaultTitle
	}
	p.Description, _ = comp.Props.Text(ical.PropDescription)
	p.Location, _ = comp.Props.Text(ical.PropLocation)

	if prop := comp.Props.Get(ical.PropRecurrenceRule); prop != nil {
		p.RecurrenceRule = TrimRRule(prop.Value)
		if p.RecurrenceRule != "" {
			if err := ValidateRRule(p.RecurrenceRule); err != nil {
				slog.Warn("keeping unrecognized RRULE", "uid", p.UID, "error", err)
			}
		}
	}
	if prop := comp.Props.Get(ical.PropRecurrenceID); prop != nil {
		p.RecurrenceID = strings.TrimSpace(prop.Value)
	}

	status, _ := comp.Props.Text(ical.PropStatus)
	p.Status = parseStatus(status)

	if prop := comp.Props.Get(ical.PropSequence); prop != nil {
		if seq, err := strconv.Atoi(strings.TrimSpace(prop.Value)); err == nil {
			p.Sequence = seq
		}
	}

	if prop := comp.Props.Get(ical.PropDateTimeStamp); prop != nil {
		if stamp, _, err := propTime(prop); err == nil {
			p.Timestamp = &stamp
		}
	}

	if prop := comp.Props.Get(ical.PropOrganizer); prop != nil {
		p.OrganizerEmail = calAddress(prop.Value)
		p.OrganizerName = prop.Params.Get(ical.ParamCommonName)
	}

	for _, prop := range comp.Props.Values(ical.PropAttendee) {
		email := calAddress(prop.Value)
		if email == "" {
			continue
		}
		p.Attendees = append(p.Attendees, db.ExternalAttendee{
			Email:    email,
			Name:     prop.Params.Get(ical.ParamCommonName),
			PartStat: strings.ToLower(prop.Params.Get(ical.ParamParticipationStatus)),
		})
	}

	return p, true, nil
}

// endTime resolves DTEND, falling back to DURATION and then to the start
// (one day later for all-day events).
func endTime(comp *ical.Component, start time.Time, allDay bool) (time.Time, error) {
	if prop := comp.Props.Get(ical.PropDateTimeEnd); prop != nil {
		t, _, err := propTime(prop)
		return t, err
	}

	if comp.Props.Get(ical.PropDuration) != nil {
		event := ical.Event{Component: comp}
		loc := time.Local
		if allDay {
			loc = time.UTC
		}
		t, err := event.DateTimeEnd(loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: DURATION: %w", ErrInvalidTime, err)
		}
		return t, nil
	}

	if allDay {
		return start.AddDate(0, 0, 1), nil
	}
	return start, nil
}

// propTime converts a DTSTART/DTEND/DTSTAMP property to an instant. DATE
// values become UTC midnight and report allDay. Floating date-times are
// read in the local zone.
func propTime(prop *ical.Prop) (time.Time, bool, error) {
	value := strings.TrimSpace(prop.Value)

	if isDateValue(prop) {
		t, err := time.ParseInLocation(dateFormat, value, time.UTC)
		if err != nil {
			return time.Time{}, true, fmt.Errorf("%w: %s: %w", ErrInvalidTime, prop.Name, err)
		}
		return t, true, nil
	}

	t, err := prop.DateTime(time.Local)
	if err == nil {
		return t, false, nil
	}

	// Some servers send TZIDs like "GMT-0400" that the tz database does not know.
	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" {
		if loc := parseGMTOffset(tzid); loc != nil {
			if t, perr := time.ParseInLocation(localDateTimeFormat, value, loc); perr == nil {
				return t, false, nil
			}
		}
	}

	return time.Time{}, false, fmt.Errorf("%w: %s=%q: %w", ErrInvalidTime, prop.Name, value, err)
}

func isDateValue(prop *ical.Prop) bool {
	if prop.ValueType() == ical.ValueDate {
		return true
	}
	value := strings.TrimSpace(prop.Value)
	return len(value) == len(dateFormat) && !strings.Contains(value, "T")
}

// parseGMTOffset parses timezone strings like "GMT-0400", "GMT+0530" or
// "UTC+05:30" into a fixed zone.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			break
		}
	}

	if offset == "" {
		return time.UTC
	}

	sign := 1
	if strings.HasPrefix(offset, "-") {
		sign = -1
		offset = offset[1:]
	} else if strings.HasPrefix(offset, "+") {
		offset = offset[1:]
	}

	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	var err error
	switch len(offset) {
	case 1, 2:
		hours, err = strconv.Atoi(offset)
	case 3:
		hours, err = strconv.Atoi(offset[:1])
		if err == nil {
			minutes, err = strconv.Atoi(offset[1:])
		}
	case 4:
		hours, err = strconv.Atoi(offset[:2])
		if err == nil {
			minutes, err = strconv.Atoi(offset[2:])
		}
	default:
		return nil
	}
	if err != nil {
		return nil
	}

	return time.FixedZone(tzid, sign*(hours*3600+minutes*60))
}

// TrimRRule strips whitespace and an "RRULE:" prefix. The rule itself is
// kept byte for byte.
func TrimRRule(s string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "RRULE:"))
}

// ValidateRRule reports whether rrule-go accepts the rule.
func ValidateRRule(s string) error {
	if _, err := rrule.StrToROption(TrimRRule(s)); err != nil {
		return fmt.Errorf("invalid RRULE %q: %w", s, err)
	}
	return nil
}

func parseStatus(s string) db.EventStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CANCELLED":
		return db.EventStatusCancelled
	case "TENTATIVE":
		return db.EventStatusTentative
	default:
		return db.EventStatusConfirmed
	}
}

// calAddress strips the mailto: scheme from a CAL-ADDRESS value.
func calAddress(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= 7 && strings.EqualFold(value[:7], "mailto:") {
		value = value[7:]
	}
	return strings.TrimSpace(value)
}

// Encode renders an event as a single-VEVENT calendar. DTSTAMP is the
// event's ICalTimestamp when set, otherwise the current time.
func Encode(e *db.Event) (string, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)

	vevent := ical.NewEvent()

	uid := e.ICalUID
	if uid == "" {
		uid = e.ID
	}
	if uid == "" {
		return "", errors.New("ics: event has neither UID nor ID")
	}
	vevent.Props.SetText(ical.PropUID, uid)

	stamp := time.Now().UTC()
	if e.ICalTimestamp != nil {
		stamp = e.ICalTimestamp.UTC()
	}
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, stamp)

	if e.AllDay {
		vevent.Props.SetDate(ical.PropDateTimeStart, e.StartTime.UTC())
		vevent.Props.SetDate(ical.PropDateTimeEnd, e.EndTime.UTC())
	} else {
		vevent.Props.SetDateTime(ical.PropDateTimeStart, e.StartTime.UTC())
		vevent.Props.SetDateTime(ical.PropDateTimeEnd, e.EndTime.UTC())
	}

	title := e.Title
	if title == "" {
		title = DefaultTitle
	}
	vevent.Props.SetText(ical.PropSummary, title)
	if e.Description != "" {
		vevent.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		vevent.Props.SetText(ical.PropLocation, e.Location)
	}

	if e.RecurrenceRule != "" {
		setRecurrenceRule(vevent.Props, e.RecurrenceRule)
	}

	if e.Status != "" {
		vevent.Props.SetText(ical.PropStatus, strings.ToUpper(string(e.Status)))
	}

	seq := ical.NewProp(ical.PropSequence)
	seq.Value = strconv.Itoa(e.Sequence)
	vevent.Props.Set(seq)

	if !e.CreatedAt.IsZero() {
		vevent.Props.SetDateTime(ical.PropCreated, e.CreatedAt.UTC())
	}
	if !e.UpdatedAt.IsZero() {
		vevent.Props.SetDateTime(ical.PropLastModified, e.UpdatedAt.UTC())
	}

	if e.OrganizerEmail != "" {
		organizer := ical.NewProp(ical.PropOrganizer)
		organizer.Value = "mailto:" + e.OrganizerEmail
		if e.OrganizerName != "" {
			organizer.Params.Set(ical.ParamCommonName, e.OrganizerName)
		}
		vevent.Props.Set(organizer)
	}

	for _, a := range e.ExternalAttendees {
		attendee := ical.NewProp(ical.PropAttendee)
		attendee.Value = "mailto:" + a.Email
		if a.Name != "" {
			attendee.Params.Set(ical.ParamCommonName, a.Name)
		}
		if a.PartStat != "" {
			attendee.Params.Set(ical.ParamParticipationStatus, strings.ToUpper(a.PartStat))
		}
		vevent.Props.Add(attendee)
	}

	cal.Children = append(cal.Children, vevent.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("ics: failed to encode event %s: %w", uid, err)
	}

	return buf.String(), nil
}

// setRecurrenceRule writes the stored RRULE verbatim.
func setRecurrenceRule(props ical.Props, rule string) {
	rule = TrimRRule(rule)
	if err := ValidateRRule(rule); err != nil {
		slog.Debug("encoding unrecognized RRULE", "error", err)
	}

	prop := ical.NewProp(ical.PropRecurrenceRule)
	prop.Value = rule
	props.Set(prop)
}
