package integrations

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/chxlky/orba/internal/models"
	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// CalendarClient mirrors task due dates into one Google Calendar as all-day events.
type CalendarClient struct {
	service    *calendar.Service
	calendarID string
	baseURL    string
}

// NewCalendarClient authenticates with a service account key.
func NewCalendarClient(ctx context.Context, serviceAccountJSON []byte, calendarID, baseURL string) (*CalendarClient, error) {
	if len(serviceAccountJSON) == 0 {
		return nil, errors.New("google service account is not configured")
	}
	config, err := google.JWTConfigFromJSON(serviceAccountJSON, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse service account credentials from JSON: %w", err)
	}
	return NewCalendarClientWithOptions(ctx, calendarID, baseURL, option.WithHTTPClient(config.Client(ctx)))
}

// NewCalendarClientWithOptions builds a client from explicit API options.
func NewCalendarClientWithOptions(ctx context.Context, calendarID, baseURL string, opts ...option.ClientOption) (*CalendarClient, error) {
	if calendarID == "" {
		return nil, errors.New("google calendar ID is not configured")
	}
	srv, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Calendar client: %w", err)
	}
	return &CalendarClient{service: srv, calendarID: calendarID, baseURL: baseURL}, nil
}

func (c *CalendarClient) eventFor(task *models.Task) *calendar.Event {
	return &calendar.Event{
		Summary:     task.Title,
		Description: fmt.Sprintf("Orba task: %s/projects/%s", c.baseURL, task.ProjectID),
		Start: &calendar.EventDateTime{
			Date: task.DueDate.Format("2006-01-02"),
		},
		End: &calendar.EventDateTime{
			Date: task.DueDate.AddDate(0, 0, 1).Format("2006-01-02"), // all-day event ends the next day
		},
	}
}

// SyncTask brings the task's event in line with its due date and returns the
// event id to store on the task, empty when the task no longer has an event.
func (c *CalendarClient) SyncTask(ctx context.Context, task *models.Task) (string, error) {
	if task.DueDate == nil {
		if task.EventID != "" {
			if err := c.DeleteEvent(ctx, task.EventID); err != nil {
				return task.EventID, err
			}
		}
		return "", nil
	}

	event := c.eventFor(task)
	if task.EventID != "" {
		updated, err := c.service.Events.Update(c.calendarID, task.EventID, event).Context(ctx).Do()
		if err == nil {
			return updated.Id, nil
		}
		if !isNotFound(err) {
			return task.EventID, fmt.Errorf("unable to update event in Google Calendar: %w", err)
		}
		zap.L().Info("Event missing from Google Calendar, recreating", zap.String("eventID", task.EventID))
	}

	created, err := c.service.Events.Insert(c.calendarID, event).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("unable to create event in Google Calendar: %w", err)
	}
	return created.Id, nil
}

func (c *CalendarClient) DeleteEvent(ctx context.Context, eventID string) error {
	err := c.service.Events.Delete(c.calendarID, eventID).Context(ctx).Do()
	if err != nil {
		// It's possible the event was already deleted
		if isNotFound(err) {
			zap.L().Info("Event not found in Google Calendar. Already deleted.", zap.String("eventID", eventID))
			return nil
		}
		return fmt.Errorf("unable to delete event from Google Calendar: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone)
}
