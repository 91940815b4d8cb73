package dmcrm

import (
	"context"
	"log/slog"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Guild is a cached record of one server (guild) an account belongs to.
// The cache is refreshed wholesale per account each time its session
// reaches Ready; staleness between refreshes is acceptable - the
// dashboard only reads it.
//
//nolint:lll // struct tags can't be split
type Guild struct {
	ModelUintID

	AccountID string `json:"account_id" gorm:"column:account_id;type:string;not null;uniqueIndex:idx_guilds_account_guild"`

	// GuildID is the Discord guild ID
	GuildID string `json:"guild_id" gorm:"column:guild_id;type:string;not null;uniqueIndex:idx_guilds_account_guild"`

	Name string `json:"name" gorm:"type:string"`

	// Icon is the guild's icon hash
	Icon string `json:"icon" gorm:"type:string"`

	// Owner indicates the account owns this guild
	Owner bool `json:"owner" gorm:"type:bool;default:false"`

	ModelUnixTime
}

func (g Guild) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("account_id", g.AccountID),
		slog.String("guild_id", g.GuildID),
		slog.String("name", g.Name),
		slog.Bool("owner", g.Owner),
	)
}

// refreshGuildCache replaces the cached guild rows for one account with
// the given set, in a single transaction.
func refreshGuildCache(
	ctx context.Context,
	db DBI,
	logger *slog.Logger,
	accountID string,
	guilds []Guild,
) error {
	err := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Where(
				"account_id = ?", accountID,
			).Delete(&Guild{}).Error; e != nil {
				return e
			}
			if len(guilds) == 0 {
				return nil
			}
			return tx.Create(&guilds).Error
		},
	)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error refreshing guild cache",
			tint.Err(err),
			"account_id", accountID,
		)
		return err
	}
	logger.InfoContext(
		ctx,
		"refreshed guild cache",
		"account_id", accountID,
		"guilds", len(guilds),
	)
	return nil
}
