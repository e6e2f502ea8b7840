package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/accountops/internal/core"
)

// CodeDuplicateEmail is reported when a row collides with an account created
// after validation and the options do not allow touching it.
const CodeDuplicateEmail = "DUPLICATE_EMAIL"

// welcomeTemplate names the outbox template queued for new accounts.
const welcomeTemplate = "welcome"

// insertValues applies the import defaults to a new account.
func insertValues(rec core.AccountRecord, opts core.ImportOptions) (roleID pgtype.Text, active bool) {
	roleID = rec.RoleID
	if !roleID.Valid && opts.DefaultRole != "" {
		roleID = pgtype.Text{String: opts.DefaultRole, Valid: true}
	}
	active = opts.DefaultStatus
	if rec.IsActive.Valid {
		active = rec.IsActive.Bool
	}
	return roleID, active
}

// CommitRow creates or updates the account of one validated import row.
func (s *Store) CommitRow(ctx context.Context, rec core.AccountRecord, opts core.ImportOptions) (core.CommitOutcome, error) {
	policy := opts.DuplicatePolicy()
	if rec.Existing && policy == core.DuplicateSkip {
		return core.CommitSkipped, nil
	}

	var outcome core.CommitOutcome
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if rec.Existing {
			updated, err := updateAccount(ctx, tx, rec, opts)
			if err != nil {
				return err
			}
			if updated {
				outcome = core.CommitUpdated
				return nil
			}
			// The account vanished since validation; create it instead.
		}

		id, err := insertAccount(ctx, tx, rec, opts)
		if errors.Is(err, pgx.ErrNoRows) {
			switch policy {
			case core.DuplicateUpdate:
				if _, err := updateAccount(ctx, tx, rec, opts); err != nil {
					return err
				}
				outcome = core.CommitUpdated
				return nil
			case core.DuplicateSkip:
				outcome = core.CommitSkipped
				return nil
			default:
				return &core.BackendError{
					Code:    CodeDuplicateEmail,
					Message: fmt.Sprintf("email %s already exists", rec.Email),
					Email:   rec.Email,
				}
			}
		}
		if err != nil {
			return err
		}

		if opts.SendWelcomeEmail {
			if _, err := tx.Exec(ctx,
				`INSERT INTO email_outbox (account_id, email, template) VALUES ($1, $2, $3)`,
				id, rec.Email, welcomeTemplate,
			); err != nil {
				return fmt.Errorf("queue welcome email: %w", err)
			}
		}
		outcome = core.CommitCreated
		return nil
	})
	if err != nil {
		return "", classify(err)
	}
	return outcome, nil
}

// insertAccount returns pgx.ErrNoRows when the email is already taken.
func insertAccount(ctx context.Context, q querier, rec core.AccountRecord, opts core.ImportOptions) (string, error) {
	roleID, active := insertValues(rec, opts)
	var id string
	err := q.QueryRow(ctx, `
		INSERT INTO accounts (
			email, first_name, last_name, username, phone, birthday, sex,
			group_id, role_id, is_active, require_password_reset
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (email) DO NOTHING
		RETURNING id::text`,
		rec.Email, rec.FirstName, rec.LastName, rec.Username, rec.Phone, rec.Birthday, rec.Sex,
		rec.GroupID, roleID, active, opts.RequirePasswordReset,
	).Scan(&id)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("insert account: %w", err)
	}
	return id, err
}

// updateAccount overwrites the mapped columns of the account owning
// rec.Email. Optional values absent from the file keep their stored value.
func updateAccount(ctx context.Context, q querier, rec core.AccountRecord, opts core.ImportOptions) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE accounts SET
			first_name = $2,
			last_name = $3,
			username = COALESCE($4, username),
			phone = COALESCE($5, phone),
			birthday = COALESCE($6, birthday),
			sex = COALESCE($7, sex),
			group_id = COALESCE($8, group_id),
			role_id = COALESCE($9, role_id),
			is_active = COALESCE($10, is_active),
			require_password_reset = require_password_reset OR $11,
			updated_at = NOW()
		WHERE email = $1`,
		rec.Email, rec.FirstName, rec.LastName, rec.Username, rec.Phone, rec.Birthday, rec.Sex,
		rec.GroupID, rec.RoleID, rec.IsActive, opts.RequirePasswordReset,
	)
	if err != nil {
		return false, fmt.Errorf("update account: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExistingEmails returns which of emails already belong to an account,
// deleted accounts included since they still hold the address.
func (s *Store) ExistingEmails(ctx context.Context, emails []string) (core.EmailSet, error) {
	found := core.NewEmailSet()
	if len(emails) == 0 {
		return found, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT email FROM accounts WHERE email = ANY($1)`, emails)
	if err != nil {
		return nil, classify(fmt.Errorf("lookup emails: %w", err))
	}
	existing, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(fmt.Errorf("lookup emails: %w", err))
	}
	for _, e := range existing {
		found.Add(e)
	}
	return found, nil
}
