package ledger

import (
	"fmt"
	"slices"

	"github.com/divzzrk/go_bank_api/models"
)

// Action names a ledger operation for authorization.
type Action string

const (
	ActionCreate   Action = "create"
	ActionView     Action = "view"
	ActionDeposit  Action = "deposit"
	ActionWithdraw Action = "withdraw"
	ActionTransfer Action = "transfer"
	ActionShare    Action = "share"
	ActionClose    Action = "close"
	ActionListAll  Action = "list_all"
)

// Authorize decides whether p may perform action on acct. It does no I/O.
//
// Admins may do anything. The owner may do anything to their own account.
// Emails the account was shared with may view it and move money in or out
// of it, but may not share it further or close it. Listing every account
// or transaction is admin only. For ActionCreate, acct only needs
// OwnerEmail set to the intended owner.
func Authorize(p Principal, action Action, acct *models.Account) error {
	if p.IsAdmin {
		return nil
	}
	if action == ActionListAll {
		return deny(p, action)
	}
	if acct == nil {
		return deny(p, action)
	}

	email := normalizeEmail(p.Email)
	if email != "" && email == normalizeEmail(acct.OwnerEmail) {
		return nil
	}

	switch action {
	case ActionView, ActionDeposit, ActionWithdraw, ActionTransfer:
		if email != "" && slices.Contains(acct.AuthorizedEmails, email) {
			return nil
		}
	}
	return deny(p, action)
}

func deny(p Principal, action Action) error {
	return fmt.Errorf("%w: %s may not %s", ErrUnauthorized, p.Email, action)
}
