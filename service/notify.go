package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jsusurcia/pryGobierno-sub000/model"
)

// Notifier delivers an inbox message. Callers treat delivery as best effort.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// NotificationSaver is the slice of Repository the StoreNotifier needs.
type NotificationSaver interface {
	SaveNotification(ctx context.Context, n model.Notification) error
}

// StoreNotifier persists notifications into the active repository.
type StoreNotifier struct {
	store NotificationSaver
}

func NewStoreNotifier(store NotificationSaver) *StoreNotifier {
	return &StoreNotifier{store: store}
}

func (s *StoreNotifier) Notify(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return s.store.SaveNotification(ctx, n)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n model.Notification) error {
	slog.Info("notification",
		"user_id", n.UserID,
		"title", n.Title,
		"ref_type", n.RefType,
		"ref_id", n.RefID,
	)
	return nil
}

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n model.Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
