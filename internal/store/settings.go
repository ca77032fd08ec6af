package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/itgoyo/faka-usdt/internal/domain"
)

const settingsID = 1

// GetSettings returns the saved notification settings, or the defaults when
// nothing has been saved yet.
func (s *Store) GetSettings(ctx context.Context) (domain.Settings, error) {
	ctx, span := s.startSpan(ctx, "get_settings", "SELECT", "settings")
	defer span.End()

	var st domain.Settings
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT push_key, email_host, email_port, email_user, email_pass, email_to,
		       notify_on_create, notify_on_paid
		FROM settings WHERE id = ?
	`), settingsID).Scan(
		&st.PushKey, &st.EmailHost, &st.EmailPort, &st.EmailUser, &st.EmailPass, &st.EmailTo,
		&st.NotifyOnCreate, &st.NotifyOnPaid,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultSettings(), nil
	}
	if err != nil {
		span.RecordError(err)
		return domain.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return st, nil
}

// SaveSettings upserts the singleton settings row
func (s *Store) SaveSettings(ctx context.Context, st domain.Settings) error {
	ctx, span := s.startSpan(ctx, "save_settings", "UPSERT", "settings")
	defer span.End()

	if st.EmailPort == 0 {
		st.EmailPort = domain.SMTPSPort
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO settings (
			id, push_key, email_host, email_port, email_user, email_pass, email_to,
			notify_on_create, notify_on_paid
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			push_key = excluded.push_key,
			email_host = excluded.email_host,
			email_port = excluded.email_port,
			email_user = excluded.email_user,
			email_pass = excluded.email_pass,
			email_to = excluded.email_to,
			notify_on_create = excluded.notify_on_create,
			notify_on_paid = excluded.notify_on_paid
	`), settingsID, st.PushKey, st.EmailHost, st.EmailPort, st.EmailUser, st.EmailPass, st.EmailTo,
		st.NotifyOnCreate, st.NotifyOnPaid)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
