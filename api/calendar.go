package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chxlky/orba/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const calendarTimeout = 30 * time.Second

// run executes fn in the background, bounded by the Workers semaphore.
func (h *Handler) run(name string, fn func(ctx context.Context) error) {
	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		if h.Workers != nil {
			h.Workers <- struct{}{}
			defer func() { <-h.Workers }()
		}
		ctx, cancel := context.WithTimeout(context.Background(), calendarTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			zap.L().Error("Background job failed", zap.String("job", name), zap.Error(err))
		}
	}()
}

// Drain waits for background calendar work to finish.
func (h *Handler) Drain() {
	h.pending.Wait()
}

// mirrorTask pushes the task's due date to the calendar and stores the
// resulting event id. Jobs for one task run one at a time and read the stored
// row, including the event id an earlier job wrote. Failures are logged and
// never reach the client.
func (h *Handler) mirrorTask(taskID string) {
	if h.Calendar == nil {
		return
	}
	h.run("calendar-sync", func(ctx context.Context) error {
		unlock := h.taskLocks.lock(taskID)
		defer unlock()

		var current models.Task
		err := h.DB.WithContext(ctx).Where("id = ?", taskID).First(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load task %s: %w", taskID, err)
		}
		if current.DueDate == nil && current.EventID == "" {
			return nil
		}

		eventID, err := h.Calendar.SyncTask(ctx, &current)
		if err != nil {
			return fmt.Errorf("sync task %s: %w", taskID, err)
		}
		if eventID == current.EventID {
			return nil
		}
		err = h.DB.WithContext(ctx).Model(&models.Task{}).Where("id = ?", taskID).Update("event_id", eventID).Error
		if err != nil {
			return fmt.Errorf("store event id for task %s: %w", taskID, err)
		}
		zap.L().Debug("Task mirrored to calendar", zap.String("taskID", taskID), zap.String("eventID", eventID))
		return nil
	})
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// dropEvents removes calendar events of tasks that no longer exist.
func (h *Handler) dropEvents(eventIDs ...string) {
	if h.Calendar == nil {
		return
	}
	for _, id := range eventIDs {
		if id == "" {
			continue
		}
		h.run("calendar-delete", func(ctx context.Context) error {
			return h.Calendar.DeleteEvent(ctx, id)
		})
	}
}

// eventIDs lists the calendar event ids of the tasks matching the condition.
func (h *Handler) eventIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	if h.Calendar == nil {
		return nil, nil
	}
	var ids []string
	err := h.DB.WithContext(ctx).Model(&models.Task{}).
		Where(query, args...).
		Where("event_id <> ''").
		Pluck("event_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list calendar events: %w", err)
	}
	return ids, nil
}
