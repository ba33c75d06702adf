package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"kimlik.org/internal/clock"
	"kimlik.org/internal/ids"
	"kimlik.org/internal/password"
	"kimlik.org/internal/throttle"
	"kimlik.org/internal/token"
)

type fixture struct {
	clock    *clock.Manual
	sessions *token.Store[ids.ID[User]]
	resets   *token.Store[ResetSubject]
	hasher   password.BcryptHasher
	svc      *Service
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	c := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sessions := token.NewStore[ids.ID[User]](c, func(a, b ids.ID[User]) bool { return a == b })
	resets := token.NewStore[ResetSubject](c, func(a, b ResetSubject) bool { return a == b })
	hasher := password.BcryptHasher{Cost: bcrypt.MinCost}
	return &fixture{
		clock:    c,
		sessions: sessions,
		resets:   resets,
		hasher:   hasher,
		svc:      NewService(sessions, resets, hasher, opts...),
	}
}

func (f *fixture) hash(t *testing.T, plain string) password.Hashed {
	t.Helper()
	strong, err := password.NewStrong(password.Plaintext(plain))
	if err != nil {
		t.Fatalf("NewStrong(%q): %v", plain, err)
	}
	h, err := f.hasher.Hash(strong)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	return h
}

func (f *fixture) register(t *testing.T, email, plain string) Session {
	t.Helper()
	sess, err := f.svc.Register(context.Background(), Email(email), f.hash(t, plain), Profile{FirstName: "Test"})
	if err != nil {
		t.Fatalf("Register(%q): %v", email, err)
	}
	return sess
}

func TestRegisterAndAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.register(t, "alice@x.com", "Passw0rd!")
	if sess.User.ID.IsZero() {
		t.Fatal("registered user has zero id")
	}
	if sess.User.User.Email != "alice@x.com" {
		t.Fatalf("stored email = %q", sess.User.User.Email)
	}

	// The address is matched case-insensitively with surrounding space ignored.
	got, err := f.svc.Authenticate(ctx, PlainCredential{Email: "  ALICE@X.COM ", Password: "Passw0rd!"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.User.ID != sess.User.ID {
		t.Fatalf("authenticated id %v, registered %v", got.User.ID, sess.User.ID)
	}
	if got.Token == sess.Token {
		t.Fatal("authenticate reused the registration session token")
	}
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	f := newFixture(t)

	f.register(t, "alice@x.com", "Passw0rd!")
	_, err := f.svc.Register(context.Background(), "Alice@X.Com", f.hash(t, "0therPass!"), Profile{})
	if !errors.Is(err, ErrEmailAlreadyInUse) {
		t.Fatalf("duplicate register error = %v, want ErrEmailAlreadyInUse", err)
	}
}

func TestAuthenticateUniformFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice@x.com", "Passw0rd!")

	_, unknownErr := f.svc.Authenticate(ctx, PlainCredential{Email: "nobody@x.com", Password: "Passw0rd!"})
	_, wrongErr := f.svc.Authenticate(ctx, PlainCredential{Email: "alice@x.com", Password: "WrongPass1"})

	if !errors.Is(unknownErr, ErrCredentialsNotRecognised) {
		t.Fatalf("unknown email error = %v", unknownErr)
	}
	if !errors.Is(wrongErr, ErrCredentialsNotRecognised) {
		t.Fatalf("wrong password error = %v", wrongErr)
	}
	if unknownErr != wrongErr {
		t.Fatal("unknown-email and wrong-password failures are distinguishable")
	}
}

func TestIdentifyResolvesAndExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.register(t, "alice@x.com", "Passw0rd!")

	got, err := f.svc.Identify(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if got.User.ID != sess.User.ID {
		t.Fatalf("identified id %v, want %v", got.User.ID, sess.User.ID)
	}

	f.clock.Advance(DefaultSessionTTL + time.Minute)
	if _, err := f.svc.Identify(ctx, sess.Token); !errors.Is(err, token.ErrNoSuchToken) {
		t.Fatalf("expired session error = %v, want ErrNoSuchToken", err)
	}
}

func TestLogoutRevokesOnlyGivenToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s0 := f.register(t, "alice@x.com", "Passw0rd!")
	s1, err := f.svc.Authenticate(ctx, PlainCredential{Email: "alice@x.com", Password: "Passw0rd!"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if err := f.svc.Logout(ctx, s0.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := f.svc.Identify(ctx, s0.Token); !errors.Is(err, token.ErrNoSuchToken) {
		t.Fatalf("logged-out session error = %v", err)
	}
	if _, err := f.svc.Identify(ctx, s1.Token); err != nil {
		t.Fatalf("sibling session revoked by logout: %v", err)
	}

	// Logging out twice is not an error.
	if err := f.svc.Logout(ctx, s0.Token); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
}

func TestFindByIDAndEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.register(t, "alice@x.com", "Passw0rd!")

	byID, err := f.svc.FindByID(ctx, sess.User.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	byEmail, err := f.svc.FindByEmail(ctx, "ALICE@x.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if byID != byEmail {
		t.Fatalf("FindByID %+v and FindByEmail %+v disagree", byID, byEmail)
	}

	if _, err := f.svc.FindByID(ctx, ids.NewID[User]("999")); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("missing id error = %v", err)
	}
	if _, err := f.svc.FindByEmail(ctx, "nobody@x.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("missing email error = %v", err)
	}
}

func TestUpdateMergesDraftFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Register(ctx, "alice@x.com", f.hash(t, "Passw0rd!"), Profile{
		FirstName:      "Alice",
		LastName:       "Archer",
		OptInMarketing: true,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	last := "Baker"
	ident, err := f.svc.Update(ctx, sess.User.ID, Draft{LastName: &last})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if ident.User.FirstName != "Alice" || ident.User.LastName != "Baker" || !ident.User.OptInMarketing {
		t.Fatalf("merged user = %+v", ident.User)
	}

	stored, err := f.svc.FindByID(ctx, sess.User.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stored != ident {
		t.Fatalf("stored %+v, returned %+v", stored, ident)
	}

	if _, err := f.svc.Update(ctx, ids.NewID[User]("999"), Draft{LastName: &last}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("update of missing user error = %v", err)
	}
}

func TestUpdateEmailRelocatesCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.register(t, "alice@x.com", "Passw0rd!")

	ident, err := f.svc.UpdateEmail(ctx, sess.User.ID, "Alice@New.Com")
	if err != nil {
		t.Fatalf("UpdateEmail: %v", err)
	}
	if ident.User.Email != "alice@new.com" {
		t.Fatalf("updated email = %q", ident.User.Email)
	}

	if _, err := f.svc.Authenticate(ctx, PlainCredential{Email: "alice@new.com", Password: "Passw0rd!"}); err != nil {
		t.Fatalf("authenticate with new email: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, PlainCredential{Email: "alice@x.com", Password: "Passw0rd!"}); !errors.Is(err, ErrCredentialsNotRecognised) {
		t.Fatalf("old email still authenticates: %v", err)
	}

	// The vacated address is free to register again.
	if _, err := f.svc.Register(ctx, "alice@x.com", f.hash(t, "Fresh0ne!"), Profile{}); err != nil {
		t.Fatalf("register vacated email: %v", err)
	}
}

func TestUpdateEmailConflictAndNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice@x.com", "Passw0rd!")
	f.register(t, "bob@x.com", "Passw0rd!")

	if _, err := f.svc.UpdateEmail(ctx, alice.User.ID, "BOB@x.com"); !errors.Is(err, ErrEmailAlreadyInUse) {
		t.Fatalf("conflicting UpdateEmail error = %v", err)
	}
	if _, err := f.svc.UpdateEmail(ctx, alice.User.ID, "ALICE@X.COM"); err != nil {
		t.Fatalf("same-address UpdateEmail: %v", err)
	}
	if _, err := f.svc.UpdateEmail(ctx, ids.NewID[User]("999"), "new@x.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("missing-user UpdateEmail error = %v", err)
	}
}

func TestUpdatePasswordRevokesSiblingSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s0 := f.register(t, "alice@x.com", "Passw0rd!")
	s1, err := f.svc.Authenticate(ctx, PlainCredential{Email: "alice@x.com", Password: "Passw0rd!"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if err := f.svc.UpdatePassword(ctx, s1.Token, "Passw0rd!", f.hash(t, "NextPass1!")); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}

	// The calling session survives; the other one does not.
	if _, err := f.svc.Identify(ctx, s1.Token); err != nil {
		t.Fatalf("calling session revoked: %v", err)
	}
	if _, err := f.svc.Identify(ctx, s0.Token); !errors.Is(err, token.ErrNoSuchToken) {
		t.Fatalf("sibling session error = %v, want ErrNoSuchToken", err)
	}

	if _, err := f.svc.Authenticate(ctx, PlainCredential{Email: "alice@x.com", Password: "NextPass1!"}); err != nil {
		t.Fatalf("authenticate with new password: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, PlainCredential{Email: "alice@x.com", Password: "Passw0rd!"}); !errors.Is(err, ErrCredentialsNotRecognised) {
		t.Fatalf("old password still authenticates: %v", err)
	}
}

func TestUpdatePasswordRejectsBadInputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.register(t, "alice@x.com", "Passw0rd!")

	err := f.svc.UpdatePassword(ctx, sess.Token, "WrongPass1", f.hash(t, "NextPass1!"))
	if !errors.Is(err, ErrCredentialsNotRecognised) {
		t.Fatalf("wrong current password error = %v", err)
	}
	err = f.svc.UpdatePassword(ctx, token.FromString[ids.ID[User]]("bogus"), "Passw0rd!", f.hash(t, "NextPass1!"))
	if !errors.Is(err, ErrCredentialsNotRecognised) {
		t.Fatalf("bogus session error = %v", err)
	}
	// Nothing changed.
	if _, err := f.svc.Authenticate(ctx, PlainCredential{Email: "alice@x.com", Password: "Passw0rd!"}); err != nil {
		t.Fatalf("original password rejected after failed updates: %v", err)
	}
}

func TestRequestPasswordResetUnknownEmail(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RequestPasswordReset(context.Background(), "nobody@x.com")
	if !errors.Is(err, ErrCredentialsNotRecognised) {
		t.Fatalf("unknown email reset error = %v", err)
	}
}

func TestResetPasswordRevokesEverySession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s0 := f.register(t, "alice@x.com", "Passw0rd!")
	s1, err := f.svc.Authenticate(ctx, PlainCredential{Email: "alice@x.com", Password: "Passw0rd!"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	tok, err := f.svc.RequestPasswordReset(ctx, "ALICE@x.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	ident, err := f.svc.ResetPassword(ctx, tok, f.hash(t, "NextPass1!"))
	if err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if ident.ID != s0.User.ID {
		t.Fatalf("reset returned id %v, want %v", ident.ID, s0.User.ID)
	}

	for _, sess := range []Session{s0, s1} {
		if _, err := f.svc.Identify(ctx, sess.Token); !errors.Is(err, token.ErrNoSuchToken) {
			t.Fatalf("session survived reset: %v", err)
		}
	}
	if _, err := f.svc.Authenticate(ctx, PlainCredential{Email: "alice@x.com", Password: "NextPass1!"}); err != nil {
		t.Fatalf("authenticate with reset password: %v", err)
	}
}

func TestResetTokenIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice@x.com", "Passw0rd!")

	tok, err := f.svc.RequestPasswordReset(ctx, "alice@x.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if _, err := f.svc.ResetPassword(ctx, tok, f.hash(t, "NextPass1!")); err != nil {
		t.Fatalf("first ResetPassword: %v", err)
	}
	if _, err := f.svc.ResetPassword(ctx, tok, f.hash(t, "0therPass!")); !errors.Is(err, token.ErrNoSuchToken) {
		t.Fatalf("second use error = %v, want ErrNoSuchToken", err)
	}
}

func TestResetTokenExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice@x.com", "Passw0rd!")

	tok, err := f.svc.RequestPasswordReset(ctx, "alice@x.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	f.clock.Advance(DefaultResetTTL + time.Minute)
	if _, err := f.svc.ResetPassword(ctx, tok, f.hash(t, "NextPass1!")); !errors.Is(err, token.ErrNoSuchToken) {
		t.Fatalf("expired token error = %v", err)
	}
}

func TestResetTokenDiesWithRelocatedEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.register(t, "alice@x.com", "Passw0rd!")

	tok, err := f.svc.RequestPasswordReset(ctx, "alice@x.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if _, err := f.svc.UpdateEmail(ctx, sess.User.ID, "alice@new.com"); err != nil {
		t.Fatalf("UpdateEmail: %v", err)
	}
	if _, err := f.svc.ResetPassword(ctx, tok, f.hash(t, "NextPass1!")); !errors.Is(err, token.ErrNoSuchToken) {
		t.Fatalf("reset against relocated email error = %v", err)
	}
}

func TestConcurrentRegistrationSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const attempts = 16
	hash := f.hash(t, "Passw0rd!")
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Register(ctx, "alice@x.com", hash, Profile{})
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrEmailAlreadyInUse):
			lost++
		default:
			t.Fatalf("unexpected register error: %v", err)
		}
	}
	if won != 1 || lost != attempts-1 {
		t.Fatalf("winners=%d losers=%d, want exactly one winner", won, lost)
	}
}

func TestLinkCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice@x.com", "Passw0rd!")
	bob := f.register(t, "bob@x.com", "Passw0rd!")

	if err := f.svc.LinkCredential(ctx, alice.User.ID, "google", "g-123"); err != nil {
		t.Fatalf("LinkCredential: %v", err)
	}
	// Re-linking an identity the account already holds is a no-op.
	if err := f.svc.LinkCredential(ctx, alice.User.ID, "google", "g-123"); err != nil {
		t.Fatalf("repeat LinkCredential: %v", err)
	}
	// The same provider identity collides across accounts regardless of email.
	if err := f.svc.LinkCredential(ctx, bob.User.ID, "google", "g-123"); !errors.Is(err, ErrCredentialInUse) {
		t.Fatalf("cross-account link error = %v, want ErrCredentialInUse", err)
	}
	if err := f.svc.LinkCredential(ctx, ids.NewID[User]("999"), "google", "g-999"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("missing-user link error = %v", err)
	}
}

func TestUnlinkCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice@x.com", "Passw0rd!")
	if err := f.svc.LinkCredential(ctx, alice.User.ID, "google", "g-123"); err != nil {
		t.Fatalf("LinkCredential: %v", err)
	}

	// Unlinking an identity the account does not hold is a no-op.
	if err := f.svc.UnlinkCredential(ctx, alice.User.ID, "github", "gh-1"); err != nil {
		t.Fatalf("unlink of absent credential: %v", err)
	}

	if err := f.svc.UnlinkCredential(ctx, alice.User.ID, "google", "g-123"); err != nil {
		t.Fatalf("UnlinkCredential: %v", err)
	}
	// Password auth is untouched.
	if _, err := f.svc.Authenticate(ctx, PlainCredential{Email: "alice@x.com", Password: "Passw0rd!"}); err != nil {
		t.Fatalf("authenticate after unlink: %v", err)
	}
	// The freed identity can attach elsewhere.
	bob := f.register(t, "bob@x.com", "Passw0rd!")
	if err := f.svc.LinkCredential(ctx, bob.User.ID, "google", "g-123"); err != nil {
		t.Fatalf("relink freed credential: %v", err)
	}
}

func TestUnlinkPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice@x.com", "Passw0rd!")

	// With no provider credential the password is the only factor.
	if err := f.svc.UnlinkPassword(ctx, alice.User.ID); !errors.Is(err, ErrNoFallbackCredential) {
		t.Fatalf("unlink without fallback error = %v", err)
	}

	if err := f.svc.LinkCredential(ctx, alice.User.ID, "google", "g-123"); err != nil {
		t.Fatalf("LinkCredential: %v", err)
	}
	if err := f.svc.UnlinkPassword(ctx, alice.User.ID); err != nil {
		t.Fatalf("UnlinkPassword: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, PlainCredential{Email: "alice@x.com", Password: "Passw0rd!"}); !errors.Is(err, ErrCredentialsNotRecognised) {
		t.Fatalf("password auth after unlink: %v", err)
	}
	// The user is still resolvable by email through the provider credential.
	if _, err := f.svc.FindByEmail(ctx, "alice@x.com"); err != nil {
		t.Fatalf("FindByEmail after password unlink: %v", err)
	}
	// Removing a password that is already gone is a no-op.
	if err := f.svc.UnlinkPassword(ctx, alice.User.ID); err != nil {
		t.Fatalf("repeat UnlinkPassword: %v", err)
	}
	// The remaining provider identity is now the last factor.
	if err := f.svc.UnlinkCredential(ctx, alice.User.ID, "google", "g-123"); !errors.Is(err, ErrLastCredential) {
		t.Fatalf("unlink of last credential error = %v, want ErrLastCredential", err)
	}
}

func TestUnlinkPromotesDeterministicFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice@x.com", "Passw0rd!")
	if err := f.svc.LinkCredential(ctx, alice.User.ID, "google", "g-123"); err != nil {
		t.Fatalf("link google: %v", err)
	}
	if err := f.svc.LinkCredential(ctx, alice.User.ID, "apple", "a-456"); err != nil {
		t.Fatalf("link apple: %v", err)
	}

	if err := f.svc.UnlinkPassword(ctx, alice.User.ID); err != nil {
		t.Fatalf("UnlinkPassword: %v", err)
	}
	// "apple" sorts before "google" and becomes the byEmail row; unlinking it
	// promotes the remaining google identity in its place.
	if err := f.svc.UnlinkCredential(ctx, alice.User.ID, "apple", "a-456"); err != nil {
		t.Fatalf("unlink apple: %v", err)
	}
	ident, err := f.svc.FindByEmail(ctx, "alice@x.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if ident.ID != alice.User.ID {
		t.Fatalf("email resolves to %v, want %v", ident.ID, alice.User.ID)
	}
}

func TestUpdateEmailOnProviderOnlyAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice@x.com", "Passw0rd!")
	if err := f.svc.LinkCredential(ctx, alice.User.ID, "google", "g-123"); err != nil {
		t.Fatalf("LinkCredential: %v", err)
	}
	if err := f.svc.UnlinkPassword(ctx, alice.User.ID); err != nil {
		t.Fatalf("UnlinkPassword: %v", err)
	}

	// The byEmail row is now the promoted provider credential; moving the
	// address must not detach it from its byCredential key.
	if _, err := f.svc.UpdateEmail(ctx, alice.User.ID, "alice@new.com"); err != nil {
		t.Fatalf("UpdateEmail: %v", err)
	}
	ident, err := f.svc.FindByEmail(ctx, "alice@new.com")
	if err != nil {
		t.Fatalf("FindByEmail after move: %v", err)
	}
	if ident.ID != alice.User.ID {
		t.Fatalf("email resolves to %v, want %v", ident.ID, alice.User.ID)
	}
	if _, err := f.svc.FindByEmail(ctx, "alice@x.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("vacated address error = %v", err)
	}
	if _, err := f.svc.RequestPasswordReset(ctx, "alice@new.com"); err != nil {
		t.Fatalf("RequestPasswordReset after move: %v", err)
	}
}

func TestResetPasswordKeepsProviderIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice@x.com", "Passw0rd!")
	if err := f.svc.LinkCredential(ctx, alice.User.ID, "google", "g-123"); err != nil {
		t.Fatalf("LinkCredential: %v", err)
	}
	if err := f.svc.UnlinkPassword(ctx, alice.User.ID); err != nil {
		t.Fatalf("UnlinkPassword: %v", err)
	}

	tok, err := f.svc.RequestPasswordReset(ctx, "alice@x.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if _, err := f.svc.ResetPassword(ctx, tok, f.hash(t, "NextPass1!")); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}

	// The reset re-established a password; the provider identity stays owned.
	if _, err := f.svc.Authenticate(ctx, PlainCredential{Email: "alice@x.com", Password: "NextPass1!"}); err != nil {
		t.Fatalf("authenticate with reset password: %v", err)
	}
	bob := f.register(t, "bob@x.com", "Passw0rd!")
	if err := f.svc.LinkCredential(ctx, bob.User.ID, "google", "g-123"); !errors.Is(err, ErrCredentialInUse) {
		t.Fatalf("cross-account link after reset error = %v, want ErrCredentialInUse", err)
	}
	// With both factors back, the provider identity is unlinkable again.
	if err := f.svc.UnlinkCredential(ctx, alice.User.ID, "google", "g-123"); err != nil {
		t.Fatalf("UnlinkCredential after reset: %v", err)
	}
}

func TestAuthenticateThrottled(t *testing.T) {
	lim := throttle.New(throttle.Config{Rate: rate.Limit(0.001), Burst: 1, CleanupInterval: time.Minute})
	defer lim.Stop()
	f := newFixture(t, WithLoginThrottle(lim))
	ctx := context.Background()
	f.register(t, "alice@x.com", "Passw0rd!")

	if _, err := f.svc.Authenticate(ctx, PlainCredential{Email: "alice@x.com", Password: "Passw0rd!"}); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, PlainCredential{Email: "alice@x.com", Password: "Passw0rd!"}); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("throttled attempt error = %v, want ErrTooManyAttempts", err)
	}
	// Other accounts are unaffected.
	f.register(t, "bob@x.com", "Passw0rd!")
	if _, err := f.svc.Authenticate(ctx, PlainCredential{Email: "bob@x.com", Password: "Passw0rd!"}); err != nil {
		t.Fatalf("unthrottled account rejected: %v", err)
	}
}
