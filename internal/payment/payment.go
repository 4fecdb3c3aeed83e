// Package payment is the boundary to the external payment collaborator.
package payment

import (
	"context"
	"slices"

	"go-pairchat/internal/apperr"
)

// Authorizer turns a payment token into an amount of credits. Checkout and
// webhook handling live in the payment service.
type Authorizer interface {
	Authorize(ctx context.Context, userID, token string) (int64, error)
}

// StaticAuthorizer accepts a fixed set of test tokens, each worth the same
// amount. It stands in for the payment service in development and tests.
type StaticAuthorizer struct {
	tokens []string
	amount int64
}

func NewStaticAuthorizer(amount int64, tokens ...string) *StaticAuthorizer {
	return &StaticAuthorizer{tokens: tokens, amount: amount}
}

func (a *StaticAuthorizer) Authorize(_ context.Context, userID, token string) (int64, error) {
	if token == "" {
		return 0, apperr.Invalid("payment token is required")
	}
	if !slices.Contains(a.tokens, token) {
		return 0, apperr.Forbidden("payment declined for %s", userID)
	}
	return a.amount, nil
}
