package dmcrm

import (
	"fmt"
	"log/slog"
)

var (
	columnAccountDisplayName = "display_name"
	columnAccountAvatarURL   = "avatar_url"
)

// Account is a record of a Discord account whose session this app manages.
// Accounts are created by the dashboard; the core treats them as immutable
// input - they appear via the change feed on INSERT, and disappear on
// DELETE. Deleting an account cascades to its recorded messages and
// cached guilds.
//
//nolint:lll // struct tags can't be split
type Account struct {
	// ID is an opaque, stable identifier assigned by the dashboard
	// when the account is added.
	ID string `json:"id" gorm:"primaryKey;type:string"`

	// Token is the account's Discord authorization token. Opaque to
	// the core - it's only ever handed to the session layer.
	Token string `json:"-" gorm:"type:string;not null" log:"[redacted]"`

	// DisplayName is the operator-facing label for the account
	DisplayName string `json:"display_name" gorm:"column:display_name;type:string"`

	// AvatarURL is an optional avatar for the dashboard
	AvatarURL string `json:"avatar_url" gorm:"column:avatar_url;type:string"`

	Messages []Message `json:"-" gorm:"constraint:OnDelete:CASCADE"`
	Guilds   []Guild   `json:"-" gorm:"constraint:OnDelete:CASCADE"`

	ModelUnixTime
}

func (a *Account) String() string {
	return fmt.Sprintf("%s [%s]", a.DisplayName, a.ID)
}

func (a Account) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", a.ID),
		slog.String(columnAccountDisplayName, a.DisplayName),
	)
}
