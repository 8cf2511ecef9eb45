package exchange

import (
	"context"

	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

// OpenAccount creates a user funded with the configured initial balance and
// holdings, all in one transaction
func (e *Exchange) OpenAccount(ctx context.Context, username, passwordHash string) (*models.User, error) {
	var user *models.User
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		user, err = tx.CreateUser(ctx, &models.User{
			Username:     username,
			PasswordHash: passwordHash,
			Balance:      e.cfg.InitialBalance,
		})
		if err != nil {
			return err
		}

		for _, symbol := range models.Symbols {
			amount, ok := e.cfg.InitialHoldings[symbol]
			if !ok {
				continue
			}
			asset, err := tx.LockAsset(ctx, user.ID, symbol, true)
			if err != nil {
				return err
			}
			asset.Amount = amount
			if err := tx.SetAsset(ctx, asset); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("account opened", "user_id", user.ID, "username", user.Username)
	return user, nil
}
