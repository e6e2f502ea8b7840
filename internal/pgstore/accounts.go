package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/accountops/internal/core"
)

// Item codes reported for accounts the operation cannot touch.
const (
	CodeNotFound       = "NOT_FOUND"
	CodeAccountDeleted = "ACCOUNT_DELETED"
)

// accountState is the part of an account row that decides an operation.
type accountState struct {
	Email   string
	Name    string
	Active  bool
	Banned  bool
	RoleID  string
	Deleted bool
}

type mutation int

const (
	mutNone mutation = iota
	mutBan
	mutUnban
	mutActivate
	mutDeactivate
	mutSoftDelete
	mutHardDelete
	mutAssignRole
)

// decideApply picks the mutation for req on an account in state s.
// mutNone comes with the reason the account already is in the target state.
// Force re-applies to accounts already in the target state and turns a
// delete into a hard delete.
func decideApply(req core.ItemRequest, s accountState) (mutation, string, error) {
	if s.Deleted && req.Operation != core.OpDelete {
		return mutNone, "", &core.BackendError{
			Code:    CodeAccountDeleted,
			Message: "account has been deleted",
			Email:   s.Email,
			Name:    s.Name,
		}
	}

	switch req.Operation {
	case core.OpBan:
		if s.Banned && !req.Force {
			return mutNone, "account is already banned", nil
		}
		return mutBan, "", nil
	case core.OpUnban:
		if !s.Banned && !req.Force {
			return mutNone, "account is not banned", nil
		}
		return mutUnban, "", nil
	case core.OpActivate:
		if s.Active && !req.Force {
			return mutNone, "account is already active", nil
		}
		return mutActivate, "", nil
	case core.OpDeactivate:
		if !s.Active && !req.Force {
			return mutNone, "account is already inactive", nil
		}
		return mutDeactivate, "", nil
	case core.OpDelete:
		if req.Force {
			return mutHardDelete, "", nil
		}
		if s.Deleted {
			return mutNone, "account is already deleted", nil
		}
		return mutSoftDelete, "", nil
	case core.OpAssignRole:
		if s.RoleID == req.RoleID && !req.Force {
			return mutNone, "account already has role " + req.RoleID, nil
		}
		return mutAssignRole, "", nil
	default:
		return mutNone, "", fmt.Errorf("%w: unknown operation %q", core.ErrInvalidRequest, req.Operation)
	}
}

// ApplyOperation executes one bulk item inside a transaction holding the
// account row lock.
func (s *Store) ApplyOperation(ctx context.Context, req core.ItemRequest) (core.ApplyResult, error) {
	id, err := uuid.Parse(req.TargetID)
	if err != nil {
		return core.ApplyResult{}, &core.BackendError{
			Code:    CodeNotFound,
			Message: fmt.Sprintf("account %q not found", req.TargetID),
		}
	}

	var result core.ApplyResult
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		state, err := loadAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		result.Email = state.Email
		result.Name = state.Name

		mut, reason, err := decideApply(req, state)
		if err != nil {
			return err
		}
		if mut == mutNone {
			result.Outcome = core.ApplySkipped
			result.Message = reason
			return nil
		}
		if err := applyMutation(ctx, tx, id, mut, req); err != nil {
			return fmt.Errorf("%s account: %w", req.Operation, err)
		}
		result.Outcome = core.ApplyApplied
		return nil
	})
	if err != nil {
		return core.ApplyResult{Email: result.Email, Name: result.Name}, classify(err)
	}
	return result, nil
}

func loadAccount(ctx context.Context, q querier, id uuid.UUID) (accountState, error) {
	var (
		s      accountState
		first  string
		last   string
		roleID *string
	)
	err := q.QueryRow(ctx, `
		SELECT email, first_name, last_name, is_active, is_banned, role_id, deleted_at IS NOT NULL
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, id).Scan(&s.Email, &first, &last, &s.Active, &s.Banned, &roleID, &s.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, &core.BackendError{
			Code:    CodeNotFound,
			Message: fmt.Sprintf("account %s not found", id),
		}
	}
	if err != nil {
		return s, fmt.Errorf("load account: %w", err)
	}
	s.Name = strings.TrimSpace(first + " " + last)
	if roleID != nil {
		s.RoleID = *roleID
	}
	return s, nil
}

func applyMutation(ctx context.Context, q querier, id uuid.UUID, mut mutation, req core.ItemRequest) error {
	var err error
	switch mut {
	case mutBan:
		_, err = q.Exec(ctx, `UPDATE accounts SET is_banned = TRUE, ban_reason = NULLIF($2, ''), updated_at = NOW() WHERE id = $1`, id, req.Reason)
	case mutUnban:
		_, err = q.Exec(ctx, `UPDATE accounts SET is_banned = FALSE, ban_reason = NULL, updated_at = NOW() WHERE id = $1`, id)
	case mutActivate:
		_, err = q.Exec(ctx, `UPDATE accounts SET is_active = TRUE, updated_at = NOW() WHERE id = $1`, id)
	case mutDeactivate:
		_, err = q.Exec(ctx, `UPDATE accounts SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	case mutSoftDelete:
		_, err = q.Exec(ctx, `UPDATE accounts SET deleted_at = NOW(), is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	case mutHardDelete:
		_, err = q.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	case mutAssignRole:
		_, err = q.Exec(ctx, `UPDATE accounts SET role_id = $2, updated_at = NOW() WHERE id = $1`, id, req.RoleID)
	}
	return err
}
