package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/suntrack/sales-agent/pkg/logging"
)

// GoogleCalendar implements Calendar on the Google Calendar API.
type GoogleCalendar struct {
	svc        *gcal.Service
	calendarID string
	logger     *logging.Logger
}

// NewGoogleCalendar builds a client from service-account credentials.
func NewGoogleCalendar(ctx context.Context, credentialsJSON []byte, calendarID string, logger *logging.Logger) (*GoogleCalendar, error) {
	if len(credentialsJSON) == 0 {
		return nil, errors.New("calendar: google credentials required")
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	if logger == nil {
		logger = logging.Default()
	}

	svc, err := gcal.NewService(ctx,
		option.WithCredentialsJSON(credentialsJSON),
		option.WithScopes(gcal.CalendarScope),
	)
	if err != nil {
		return nil, fmt.Errorf("calendar: failed to create google client: %w", err)
	}
	return &GoogleCalendar{svc: svc, calendarID: calendarID, logger: logger}, nil
}

var _ Calendar = (*GoogleCalendar)(nil)

func (g *GoogleCalendar) FreeSlots(ctx context.Context, from, to time.Time, duration time.Duration, max int) ([]Slot, error) {
	resp, err := g.svc.Freebusy.Query(&gcal.FreeBusyRequest{
		TimeMin: from.Format(time.RFC3339),
		TimeMax: to.Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: g.calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("calendar: freebusy query failed: %w", err)
	}

	var busy []Slot
	if cal, ok := resp.Calendars[g.calendarID]; ok {
		for _, period := range cal.Busy {
			start, err := time.Parse(time.RFC3339, period.Start)
			if err != nil {
				return nil, fmt.Errorf("calendar: bad busy start %q: %w", period.Start, err)
			}
			end, err := time.Parse(time.RFC3339, period.End)
			if err != nil {
				return nil, fmt.Errorf("calendar: bad busy end %q: %w", period.End, err)
			}
			busy = append(busy, Slot{Start: start, End: end})
		}
	}
	return computeFreeSlots(from, to, busy, duration, max), nil
}

func (g *GoogleCalendar) Schedule(ctx context.Context, visit Visit) (string, error) {
	if visit.Slot.Start.IsZero() || !visit.Slot.End.After(visit.Slot.Start) {
		return "", errors.New("calendar: visit slot is invalid")
	}

	summary := "Visita técnica"
	if visit.LeadName != "" {
		summary = fmt.Sprintf("Visita técnica - %s", visit.LeadName)
	}
	description := fmt.Sprintf("Lead: %s\nTelefone: %s", visit.LeadName, visit.LeadPhone)
	if visit.Notes != "" {
		description += "\n\n" + visit.Notes
	}

	event, err := g.svc.Events.Insert(g.calendarID, &gcal.Event{
		Summary:     summary,
		Description: description,
		Start:       &gcal.EventDateTime{DateTime: visit.Slot.Start.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: visit.Slot.End.Format(time.RFC3339)},
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("calendar: event insert failed: %w", err)
	}

	g.logger.Info("visit scheduled", "event_id", event.Id, "start", visit.Slot.Start, "lead_phone", visit.LeadPhone)
	return event.Id, nil
}

func (g *GoogleCalendar) Cancel(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	if err := g.svc.Events.Delete(g.calendarID, eventID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("calendar: event delete failed: %w", err)
	}
	return nil
}
