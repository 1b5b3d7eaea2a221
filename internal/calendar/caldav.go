package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
)

const productID = "-//nugget//Mimir//EN"

// Syncer mirrors events into one CalDAV calendar collection. Each event
// becomes <collection>/<event id>.ics.
type Syncer struct {
	client     *caldav.Client
	collection string
	zone       *time.Location
	logger     *slog.Logger
}

// SyncConfig configures a Syncer.
type SyncConfig struct {
	URL          string
	Username     string
	Password     string
	CalendarPath string
	Zone         *time.Location
}

// NewSyncer connects a CalDAV client. No request is made until the
// first Put, Remove or Check.
func NewSyncer(cfg SyncConfig, httpClient *http.Client, logger *slog.Logger) (*Syncer, error) {
	var hc webdav.HTTPClient = httpClient
	if cfg.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(httpClient, cfg.Username, cfg.Password)
	}
	client, err := caldav.NewClient(hc, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("create caldav client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	zone := cfg.Zone
	if zone == nil {
		zone = time.Local
	}
	return &Syncer{
		client:     client,
		collection: strings.TrimRight(cfg.CalendarPath, "/"),
		zone:       zone,
		logger:     logger.With("component", "caldav"),
	}, nil
}

// Check verifies that the server answers and accepts the credentials.
func (s *Syncer) Check(ctx context.Context) error {
	if _, err := s.client.FindCurrentUserPrincipal(ctx); err != nil {
		return fmt.Errorf("caldav principal: %w", err)
	}
	return nil
}

// Put creates or replaces the server copy of e.
func (s *Syncer) Put(ctx context.Context, e Event) error {
	cal, err := s.toICal(e)
	if err != nil {
		return err
	}
	obj, err := s.client.PutCalendarObject(ctx, s.objectPath(e.ID), cal)
	if err != nil {
		return fmt.Errorf("put calendar object %s: %w", e.ID, err)
	}
	s.logger.Debug("event pushed", "id", e.ID, "path", obj.Path, "etag", obj.ETag)
	return nil
}

// Remove deletes the server copy of the event with id.
func (s *Syncer) Remove(ctx context.Context, id string) error {
	if err := s.client.RemoveAll(ctx, s.objectPath(id)); err != nil {
		return fmt.Errorf("remove calendar object %s: %w", id, err)
	}
	s.logger.Debug("event removed", "id", id)
	return nil
}

func (s *Syncer) objectPath(id string) string {
	return path.Join(s.collection, id+".ics")
}

// toICal renders e as a VCALENDAR holding one VEVENT. Events without a
// start time become all-day events.
func (s *Syncer) toICal(e Event) (*ical.Calendar, error) {
	day, err := time.ParseInLocation(dateLayout, e.Date, s.zone)
	if err != nil {
		return nil, fmt.Errorf("event %s date: %w", e.ID, err)
	}

	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, e.ID)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ev.Props.SetText(ical.PropSummary, e.Subject)
	if e.Details != "" {
		ev.Props.SetText(ical.PropDescription, e.Details)
	}

	if e.StartTime == "" {
		ev.Props.SetDate(ical.PropDateTimeStart, day)
		ev.Props.SetDate(ical.PropDateTimeEnd, day.AddDate(0, 0, 1))
	} else {
		start, err := clock(day, e.StartTime)
		if err != nil {
			return nil, fmt.Errorf("event %s start: %w", e.ID, err)
		}
		end := start.Add(time.Hour)
		if e.EndTime != "" {
			if end, err = clock(day, e.EndTime); err != nil {
				return nil, fmt.Errorf("event %s end: %w", e.ID, err)
			}
		}
		ev.Props.SetDateTime(ical.PropDateTimeStart, start)
		ev.Props.SetDateTime(ical.PropDateTimeEnd, end)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, ev.Component)
	return cal, nil
}

// clock places an HH:MM time of day on day.
func clock(day time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse(timeLayout, hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()), nil
}
