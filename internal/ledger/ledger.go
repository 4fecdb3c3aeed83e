// Package ledger maintains per-user credit balances. Every adjustment is a
// single conditional update in the store, so concurrent debits and credits
// for one user never lose updates and a balance never goes negative.
package ledger

import (
	"context"
	"fmt"

	"go-pairchat/internal/apperr"
	"go-pairchat/internal/payment"
	"go-pairchat/internal/store"

	"github.com/rs/zerolog/log"
)

type Store interface {
	GetUser(ctx context.Context, userID string) (*store.User, error)
	AdjustCredits(ctx context.Context, userID string, delta int64) (int64, error)
}

type Ledger struct {
	store      Store
	authorizer payment.Authorizer
}

func New(s Store, authorizer payment.Authorizer) *Ledger {
	return &Ledger{store: s, authorizer: authorizer}
}

// Debit removes amount from the balance of userID and returns the new
// balance. InsufficientCredits leaves the balance untouched.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, apperr.Invalid("debit amount must be positive, got %d", amount)
	}
	balance, err := l.store.AdjustCredits(ctx, userID, -amount)
	if err != nil {
		return balance, fmt.Errorf("debit %s: %w", userID, err)
	}
	return balance, nil
}

// Credit adds amount to the balance of userID.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, apperr.Invalid("credit amount must be positive, got %d", amount)
	}
	balance, err := l.store.AdjustCredits(ctx, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("credit %s: %w", userID, err)
	}
	return balance, nil
}

// TopUp authorizes token with the payment collaborator and credits the
// authorized amount.
func (l *Ledger) TopUp(ctx context.Context, userID, token string) (int64, error) {
	amount, err := l.authorizer.Authorize(ctx, userID, token)
	if err != nil {
		return 0, fmt.Errorf("authorize payment: %w", err)
	}
	balance, err := l.Credit(ctx, userID, amount)
	if err != nil {
		// Authorized but not credited; the payment service reconciles.
		log.Error().Err(err).Str("user_id", userID).Int64("amount", amount).Msg("top-up credit failed after authorization")
		return 0, err
	}
	log.Info().Str("user_id", userID).Int64("amount", amount).Int64("balance", balance).Msg("credits topped up")
	return balance, nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", userID, err)
	}
	return u.Credits, nil
}
