package extract

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-ical"

	"github.com/mailpipe/mailpipe/internal/normalize"
)

// CalendarDetails are the fields of interest from a calendar invite.
type CalendarDetails struct {
	Start     *time.Time
	End       *time.Time
	Timezone  string
	Location  string
	Organizer string
	Attendees []string
}

// Merge fills empty fields of d from fallback, field by field. Values
// already present in d always win.
func (d CalendarDetails) Merge(fallback CalendarDetails) CalendarDetails {
	if d.Start == nil {
		d.Start = fallback.Start
	}
	if d.End == nil {
		d.End = fallback.End
	}
	if d.Timezone == "" {
		d.Timezone = fallback.Timezone
	}
	if d.Location == "" {
		d.Location = fallback.Location
	}
	if d.Organizer == "" {
		d.Organizer = fallback.Organizer
	}
	if len(d.Attendees) == 0 {
		d.Attendees = fallback.Attendees
	}
	return d
}

// Payload returns the canonical structured form of the details, with every
// key present so replayed extractions hash identically.
func (d CalendarDetails) Payload() map[string]any {
	payload := map[string]any{
		"start":     nil,
		"end":       nil,
		"timezone":  nil,
		"location":  nil,
		"organizer": nil,
		"attendees": nil,
	}
	if d.Start != nil {
		payload["start"] = d.Start.UTC().Format(time.RFC3339)
	}
	if d.End != nil {
		payload["end"] = d.End.UTC().Format(time.RFC3339)
	}
	if d.Timezone != "" {
		payload["timezone"] = d.Timezone
	}
	if d.Location != "" {
		payload["location"] = d.Location
	}
	if d.Organizer != "" {
		payload["organizer"] = d.Organizer
	}
	if len(d.Attendees) > 0 {
		payload["attendees"] = d.Attendees
	}
	return payload
}

// ParseICS extracts the first VEVENT of an iCalendar document. Later events
// in the same document are ignored.
func ParseICS(data []byte) (CalendarDetails, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return CalendarDetails{}, fmt.Errorf("failed to parse ics: %w", err)
	}

	events := cal.Events()
	if len(events) == 0 {
		return CalendarDetails{}, nil
	}
	event := events[0]

	var details CalendarDetails
	if start, err := event.DateTimeStart(time.UTC); err == nil && !start.IsZero() {
		details.Start = &start
	}
	if end, err := event.DateTimeEnd(time.UTC); err == nil && !end.IsZero() {
		details.End = &end
	}
	if prop := event.Props.Get(ical.PropDateTimeStart); prop != nil {
		details.Timezone = prop.Params.Get(ical.PropTimezoneID)
	}
	if prop := event.Props.Get(ical.PropLocation); prop != nil {
		details.Location = prop.Value
	}
	if prop := event.Props.Get(ical.PropOrganizer); prop != nil {
		details.Organizer = prop.Value
		if addr := normalize.FirstAddress(prop.Value); addr != "" {
			details.Organizer = addr
		}
	}
	var rawAttendees []string
	for _, prop := range event.Props.Values(ical.PropAttendee) {
		rawAttendees = append(rawAttendees, prop.Value)
	}
	if attendees := normalize.AddressList(rawAttendees); attendees != nil {
		details.Attendees = attendees
	} else {
		details.Attendees = rawAttendees
	}

	return details, nil
}

// Calendar extracts structured event details from .ics attachments.
type Calendar struct{}

// Name implements Extractor.
func (c *Calendar) Name() string { return "calendar_invite" }

// Extensions implements Extractor.
func (c *Calendar) Extensions() []string { return []string{"ics"} }

// Extract implements Extractor.
func (c *Calendar) Extract(in Input) (Result, error) {
	var details CalendarDetails
	if len(in.AttachmentBytes) > 0 && in.AttachmentExt == "ics" {
		parsed, err := ParseICS(in.AttachmentBytes)
		if err != nil {
			return Result{}, err
		}
		details = parsed
	}

	return Result{
		Artifacts: []Artifact{{Type: "calendar", Payload: details.Payload()}},
	}, nil
}
