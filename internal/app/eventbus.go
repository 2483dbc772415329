package app

import "github.com/h44z/identity-store/internal/domain"

const TopicAccountCreated = "account:created"
const TopicAccountDeleted = "account:deleted"
const TopicAccountLockedOut = "account:locked-out"
const TopicAccountPasswordChanged = "account:password-changed"
const TopicAuthLogin = "auth:login"
const TopicAuthLoginFailed = "auth:login-failed"

// AccountEvent is the payload of all account:* topics.
type AccountEvent struct {
	AccountId domain.AccountIdentifier
	UserName  string
}

// AuthEvent is the payload of all auth:* topics.
type AuthEvent struct {
	AccountId domain.AccountIdentifier
	UserName  string
	Error     string
}

func NewAccountEvent(account *domain.Account) AccountEvent {
	return AccountEvent{AccountId: account.Identifier, UserName: account.UserName}
}
