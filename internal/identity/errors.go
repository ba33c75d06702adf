package identity

import "errors"

var (
	// ErrUserNotFound: the referenced user id or email does not resolve.
	ErrUserNotFound = errors.New("identity: user not found")
	// ErrEmailAlreadyInUse: another account owns the normalized email.
	ErrEmailAlreadyInUse = errors.New("identity: email already in use")
	// ErrCredentialsNotRecognised deliberately conflates "no such identity"
	// and "wrong secret" to prevent account enumeration.
	ErrCredentialsNotRecognised = errors.New("identity: credentials not recognised")
	// ErrCredentialInUse: another account already holds the credential.
	ErrCredentialInUse = errors.New("identity: credential already in use")
	// ErrLastCredential: refusing to remove the only auth factor.
	ErrLastCredential = errors.New("identity: cannot remove last credential")
	// ErrNoFallbackCredential: refusing to remove the password credential
	// while no provider credential remains.
	ErrNoFallbackCredential = errors.New("identity: no fallback credential")
	// ErrTooManyAttempts: the login throttle rejected the attempt before
	// credentials were examined.
	ErrTooManyAttempts = errors.New("identity: too many attempts")
)
