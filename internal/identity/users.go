package identity

import (
	"context"

	"kimlik.org/internal/ids"
	"kimlik.org/internal/password"
)

// Users is the contract the web, OAuth and storage layers consume.
//
// Token lookup failures surface as token.ErrNoSuchToken; everything else is
// one of the sentinels in errors.go. Every implementation must make each
// state transition indivisible: no caller may observe an aggregate with only
// some of a transition's related writes applied.
type Users interface {
	// Register creates an account from an already-hashed email credential.
	// Fails with ErrEmailAlreadyInUse when the normalized email is taken; of
	// two concurrent registrations for the same email exactly one wins.
	Register(ctx context.Context, email Email, hash password.Hashed, profile Profile) (Session, error)

	// Authenticate verifies an email/password pair and issues a session.
	// Unknown email and wrong password both return
	// ErrCredentialsNotRecognised.
	Authenticate(ctx context.Context, cred PlainCredential) (Session, error)

	// Identify resolves a session token to its user. A token whose user has
	// vanished reads as token.ErrNoSuchToken.
	Identify(ctx context.Context, tok SessionToken) (Session, error)

	// Logout revokes exactly the given token. Unconditional success.
	Logout(ctx context.Context, tok SessionToken) error

	FindByID(ctx context.Context, id ids.ID[User]) (Identified, error)
	FindByEmail(ctx context.Context, email Email) (Identified, error)

	// Update merges the non-nil draft fields into the profile.
	Update(ctx context.Context, id ids.ID[User], draft Draft) (Identified, error)

	// UpdateEmail moves the account to a new address; a no-op when the
	// address is unchanged, ErrEmailAlreadyInUse when owned elsewhere.
	UpdateEmail(ctx context.Context, id ids.ID[User], email Email) (Identified, error)

	// UpdatePassword swaps the credential after re-verifying the current
	// password, then revokes every session except the calling one.
	UpdatePassword(ctx context.Context, tok SessionToken, current password.Plaintext, next password.Hashed) error

	// RequestPasswordReset issues a single-use reset token. Unknown email
	// returns ErrCredentialsNotRecognised.
	RequestPasswordReset(ctx context.Context, email Email) (ResetToken, error)

	// ResetPassword consumes the token (single-use regardless of outcome),
	// swaps the credential and revokes every session for the user.
	ResetPassword(ctx context.Context, tok ResetToken, next password.Hashed) (Identified, error)

	// LinkCredential attaches a provider identity to the account. Fails with
	// ErrCredentialInUse when another account holds it; linking an identity
	// the account already holds is a no-op.
	LinkCredential(ctx context.Context, id ids.ID[User], provider, providerUserID string) error

	// UnlinkCredential detaches a provider identity. Fails with
	// ErrLastCredential when it is the account's only auth factor; detaching
	// an identity the account does not hold is a no-op.
	UnlinkCredential(ctx context.Context, id ids.ID[User], provider, providerUserID string) error

	// UnlinkPassword removes the email/password credential, leaving the
	// account provider-only. Fails with ErrNoFallbackCredential when no
	// provider credential remains.
	UnlinkPassword(ctx context.Context, id ids.ID[User]) error
}
