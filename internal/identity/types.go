// Package identity implements the aggregate root coordinating users,
// credentials and sessions. Service is the in-memory reference
// implementation; store/pg provides the database-backed one.
package identity

import (
	"strings"

	"kimlik.org/internal/ids"
	"kimlik.org/internal/password"
	"kimlik.org/internal/token"
)

// User is a registered account. Email is always stored case-normalized.
type User struct {
	FirstName      string
	LastName       string
	Email          Email
	OptInMarketing bool
}

// Identified pairs a user with its id. The id never changes after creation;
// the value is replaced wholesale on update.
type Identified struct {
	ID   ids.ID[User]
	User User
}

// Email is a case-normalized address.
type Email string

// NormalizeEmail lower-cases and trims an address. All lookups and
// uniqueness checks run on the normalized form.
func NormalizeEmail(raw string) Email {
	return Email(strings.ToLower(strings.TrimSpace(raw)))
}

// CredentialKind discriminates the stored credential variants.
type CredentialKind uint8

const (
	KindEmailPassword CredentialKind = iota + 1
	KindProvider
)

// PlainCredential is what a caller presents at login.
type PlainCredential struct {
	Email    Email
	Password password.Plaintext
}

// StrongCredential carries a strength-validated password, ready to hash.
type StrongCredential struct {
	Email    Email
	Password password.Strong
}

// SecureCredential is the stored form of an auth factor: a hashed email
// credential or a social-provider identity. It is comparable by value; the
// byCredential table relies on that, and exactly one user holds a given
// secure credential at a time.
type SecureCredential struct {
	Kind           CredentialKind
	Email          Email
	PasswordHash   password.Hashed
	Provider       string
	ProviderUserID string
}

// EmailCredential builds the stored form of an email+password credential.
func EmailCredential(email Email, hash password.Hashed) SecureCredential {
	return SecureCredential{
		Kind:         KindEmailPassword,
		Email:        NormalizeEmail(string(email)),
		PasswordHash: hash,
	}
}

// ProviderCredential builds the stored form of a social-provider identity.
// It carries no email on purpose: the same provider identity must collide
// globally, whichever account email it is attached to.
func ProviderCredential(provider, providerUserID string) SecureCredential {
	return SecureCredential{
		Kind:           KindProvider,
		Provider:       provider,
		ProviderUserID: providerUserID,
	}
}

// ResetSubject identifies who a password-reset token was issued for. Binding
// the email as well as the id means resolving the token verifies both.
type ResetSubject struct {
	Email  Email
	UserID ids.ID[User]
}

// SessionToken is a bearer reference to a logged-in user.
type SessionToken = token.Token[ids.ID[User]]

// ResetToken is a single-use bearer reference to a password reset.
type ResetToken = token.Token[ResetSubject]

// Session is a live identification of a user bound to a token. It is
// returned to callers and never persisted.
type Session struct {
	User  Identified
	Token SessionToken
}

// Profile carries the registration profile fields.
type Profile struct {
	FirstName      string
	LastName       string
	OptInMarketing bool
}

// Draft carries the updatable profile fields; nil means "leave unchanged".
// Email is deliberately absent: email changes have uniqueness side effects
// and go through UpdateEmail.
type Draft struct {
	FirstName      *string
	LastName       *string
	OptInMarketing *bool
}
