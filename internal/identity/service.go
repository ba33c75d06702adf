package identity

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"kimlik.org/internal/audit"
	"kimlik.org/internal/ids"
	"kimlik.org/internal/kv"
	"kimlik.org/internal/obs"
	"kimlik.org/internal/password"
	"kimlik.org/internal/throttle"
	"kimlik.org/internal/token"
)

const (
	DefaultSessionTTL = 48 * time.Hour
	DefaultResetTTL   = 24 * time.Hour
)

// state is one immutable snapshot of the aggregate. The three tables are
// fields of a single struct replaced as a unit, so updating one without the
// others is impossible to express.
type state struct {
	byEmail      kv.Table[Email, SecureCredential]
	byCredential kv.Table[SecureCredential, ids.ID[User]]
	byID         kv.Table[ids.ID[User], Identified]
	gen          ids.AutoIncrement[User]
}

// Service is the in-memory reference implementation of Users. Every mutating
// operation reads the current snapshot, computes a brand-new one and swaps
// it in under the mutex; readers never observe a half-applied transition.
// Password hashing and token issuance never run while the lock is held.
type Service struct {
	mu    sync.Mutex
	state state

	sessions token.Tokens[ids.ID[User]]
	resets   token.Tokens[ResetSubject]
	hasher   password.Hasher

	sessionTTL time.Duration
	resetTTL   time.Duration
	throttle   *throttle.Limiter
	log        *slog.Logger
}

var _ Users = (*Service)(nil)

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithSessionTTL overrides the session token lifetime.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithResetTTL overrides the password-reset token lifetime.
func WithResetTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.resetTTL = ttl
		}
	}
}

// WithLoginThrottle enables per-email rate limiting of Authenticate.
func WithLoginThrottle(l *throttle.Limiter) ServiceOption {
	return func(s *Service) {
		s.throttle = l
	}
}

// WithLogger overrides the service logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// NewService constructs the in-memory Users implementation around injected
// session and reset token stores and a password hasher.
func NewService(sessions token.Tokens[ids.ID[User]], resets token.Tokens[ResetSubject], hasher password.Hasher, opts ...ServiceOption) *Service {
	s := &Service{
		sessions:   sessions,
		resets:     resets,
		hasher:     hasher,
		sessionTTL: DefaultSessionTTL,
		resetTTL:   DefaultResetTTL,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) snapshot() state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// mustFind unwraps a table hit that the aggregate's own invariants guarantee.
// A miss here means the store is corrupt and must crash loudly rather than
// be coerced into a typed error.
func mustFind[T any](v T, ok bool, what string) T {
	if !ok {
		panic("identity: state invariant broken: " + what)
	}
	return v
}

// Register creates an account and issues a session. The caller hashes the
// password beforehand, so the slow work is already done when the transition
// runs. The id allocation and the three-table insert happen inside one
// transition, so two concurrent registrations for the same email can never
// both succeed.
func (s *Service) Register(ctx context.Context, email Email, hash password.Hashed, profile Profile) (Session, error) {
	email = NormalizeEmail(string(email))
	cred := EmailCredential(email, hash)

	s.mu.Lock()
	st := s.state
	if st.byEmail.Contains(email) {
		s.mu.Unlock()
		obs.IncOperation("register", "conflict")
		return Session{}, ErrEmailAlreadyInUse
	}
	id, gen := st.gen.Next()
	ident := Identified{
		ID: id,
		User: User{
			FirstName:      profile.FirstName,
			LastName:       profile.LastName,
			Email:          email,
			OptInMarketing: profile.OptInMarketing,
		},
	}
	s.state = state{
		byEmail:      st.byEmail.UpsertAt(email, cred),
		byCredential: st.byCredential.UpsertAt(cred, id),
		byID:         st.byID.UpsertAt(id, ident),
		gen:          gen,
	}
	s.mu.Unlock()

	tok := s.sessions.Issue(id, s.sessionTTL)
	s.log.Info("user registered", slog.String("user_id", id.String()))
	obs.IncOperation("register", "ok")
	obs.IncSessionIssued()
	_ = audit.LogEvent(ctx, "identity.user_registered", map[string]any{"user_id": id.String()})
	return Session{User: ident, Token: tok}, nil
}

// Authenticate verifies an email/password pair and issues a fresh session.
// Multiple concurrent sessions per user are allowed.
func (s *Service) Authenticate(ctx context.Context, cred PlainCredential) (Session, error) {
	email := NormalizeEmail(string(cred.Email))

	if s.throttle != nil && !s.throttle.Allow(string(email)) {
		s.log.Warn("login attempt throttled")
		obs.IncOperation("authenticate", "throttled")
		return Session{}, ErrTooManyAttempts
	}

	st := s.snapshot()
	secure, ok := st.byEmail.Find(email)
	if !ok || secure.Kind != KindEmailPassword {
		obs.IncOperation("authenticate", "unauthorized")
		return Session{}, ErrCredentialsNotRecognised
	}

	// Slow hash verification runs against the snapshot, never under the
	// aggregate lock.
	start := time.Now()
	matched := s.hasher.Matches(cred.Password, secure.PasswordHash)
	obs.ObserveHashDuration(time.Since(start))
	if !matched {
		obs.IncOperation("authenticate", "unauthorized")
		return Session{}, ErrCredentialsNotRecognised
	}

	id, ok := st.byCredential.Find(secure)
	id = mustFind(id, ok, "credential without owner")
	ident, ok := st.byID.Find(id)
	ident = mustFind(ident, ok, "owner without user row")

	tok := s.sessions.Issue(id, s.sessionTTL)
	obs.IncOperation("authenticate", "ok")
	obs.IncSessionIssued()
	_ = audit.LogEvent(ctx, "identity.user_authenticated", map[string]any{"user_id": id.String()})
	return Session{User: ident, Token: tok}, nil
}

// Identify resolves a session token to its user.
func (s *Service) Identify(ctx context.Context, tok SessionToken) (Session, error) {
	id, err := s.sessions.Lookup(tok)
	if err != nil {
		obs.IncOperation("identify", "not_found")
		return Session{}, err
	}
	ident, ok := s.snapshot().byID.Find(id)
	if !ok {
		// The user vanished underneath a live token. Normalize to the token
		// error so internal state never leaks.
		obs.IncOperation("identify", "not_found")
		return Session{}, token.ErrNoSuchToken
	}
	obs.IncOperation("identify", "ok")
	return Session{User: ident, Token: tok}, nil
}

// Logout revokes exactly the given token.
func (s *Service) Logout(ctx context.Context, tok SessionToken) error {
	s.sessions.Revoke(tok)
	obs.IncOperation("logout", "ok")
	_ = audit.LogEvent(ctx, "identity.user_logged_out", nil)
	return nil
}

// FindByID is a pure read.
func (s *Service) FindByID(ctx context.Context, id ids.ID[User]) (Identified, error) {
	ident, ok := s.snapshot().byID.Find(id)
	if !ok {
		return Identified{}, ErrUserNotFound
	}
	return ident, nil
}

// FindByEmail is a pure read over the normalized address.
func (s *Service) FindByEmail(ctx context.Context, email Email) (Identified, error) {
	st := s.snapshot()
	secure, ok := st.byEmail.Find(NormalizeEmail(string(email)))
	if !ok {
		return Identified{}, ErrUserNotFound
	}
	id, ok := st.byCredential.Find(secure)
	id = mustFind(id, ok, "credential without owner")
	ident, ok := st.byID.Find(id)
	return mustFind(ident, ok, "owner without user row"), nil
}

// Update merges the non-nil draft fields into the stored profile.
func (s *Service) Update(ctx context.Context, id ids.ID[User], draft Draft) (Identified, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	ident, ok := st.byID.Find(id)
	if !ok {
		obs.IncOperation("update", "not_found")
		return Identified{}, ErrUserNotFound
	}
	u := ident.User
	if draft.FirstName != nil {
		u.FirstName = *draft.FirstName
	}
	if draft.LastName != nil {
		u.LastName = *draft.LastName
	}
	if draft.OptInMarketing != nil {
		u.OptInMarketing = *draft.OptInMarketing
	}
	ident.User = u
	s.state = state{
		byEmail:      st.byEmail,
		byCredential: st.byCredential,
		byID:         st.byID.UpsertAt(id, ident),
		gen:          st.gen,
	}
	obs.IncOperation("update", "ok")
	return ident, nil
}

// UpdateEmail relocates the account to a new address. The byEmail row, every
// credential embedding the old address and the byID row all move in one
// transition.
func (s *Service) UpdateEmail(ctx context.Context, id ids.ID[User], email Email) (Identified, error) {
	newEmail := NormalizeEmail(string(email))

	s.mu.Lock()
	st := s.state
	ident, ok := st.byID.Find(id)
	if !ok {
		s.mu.Unlock()
		obs.IncOperation("update_email", "not_found")
		return Identified{}, ErrUserNotFound
	}
	oldEmail := ident.User.Email
	if newEmail == oldEmail {
		s.mu.Unlock()
		obs.IncOperation("update_email", "ok")
		return ident, nil
	}
	if st.byEmail.Contains(newEmail) {
		s.mu.Unlock()
		obs.IncOperation("update_email", "conflict")
		return Identified{}, ErrEmailAlreadyInUse
	}

	byCredential := st.byCredential
	for _, e := range st.byCredential.FilterEntries(func(c SecureCredential, owner ids.ID[User]) bool {
		return owner == id && c.Email == oldEmail
	}) {
		moved := e.Key
		moved.Email = newEmail
		byCredential = byCredential.DeleteAt(e.Key).UpsertAt(moved, id)
	}
	primary, found := st.byEmail.Find(oldEmail)
	primary = mustFind(primary, found, "user without byEmail row")
	// A promoted provider credential carries no email and must stay equal to
	// its byCredential key; only an email credential embeds the address.
	if primary.Kind == KindEmailPassword {
		primary.Email = newEmail
	}
	ident.User.Email = newEmail

	s.state = state{
		byEmail:      st.byEmail.DeleteAt(oldEmail).UpsertAt(newEmail, primary),
		byCredential: byCredential,
		byID:         st.byID.UpsertAt(id, ident),
		gen:          st.gen,
	}
	s.mu.Unlock()

	obs.IncOperation("update_email", "ok")
	_ = audit.LogEvent(ctx, "identity.email_updated", map[string]any{"user_id": id.String()})
	return ident, nil
}

// UpdatePassword swaps the stored credential after re-verifying the current
// password against the session's account, then revokes every other live
// session for the user. The revocation is phase two of a two-phase sequence:
// if the process dies after the credential swap commits, stale sibling
// sessions survive until they expire. Accepted window.
func (s *Service) UpdatePassword(ctx context.Context, tok SessionToken, current password.Plaintext, next password.Hashed) error {
	id, err := s.sessions.Lookup(tok)
	if err != nil {
		obs.IncOperation("update_password", "unauthorized")
		return ErrCredentialsNotRecognised
	}

	st := s.snapshot()
	ident, ok := st.byID.Find(id)
	if !ok {
		obs.IncOperation("update_password", "not_found")
		return ErrUserNotFound
	}
	secure, ok := st.byEmail.Find(ident.User.Email)
	if !ok || secure.Kind != KindEmailPassword {
		obs.IncOperation("update_password", "unauthorized")
		return ErrCredentialsNotRecognised
	}

	// Re-verifying the current password defends a hijacked session that
	// does not know it; the slow comparison runs before the transition.
	start := time.Now()
	matched := s.hasher.Matches(current, secure.PasswordHash)
	obs.ObserveHashDuration(time.Since(start))
	if !matched {
		obs.IncOperation("update_password", "unauthorized")
		return ErrCredentialsNotRecognised
	}

	newCred := EmailCredential(ident.User.Email, next)

	s.mu.Lock()
	st = s.state
	stored, ok := st.byEmail.Find(ident.User.Email)
	if !ok || stored != secure {
		// The credential changed between verification and the swap; the
		// verified plaintext no longer proves anything.
		s.mu.Unlock()
		obs.IncOperation("update_password", "unauthorized")
		return ErrCredentialsNotRecognised
	}
	s.state = state{
		byEmail:      st.byEmail.UpsertAt(ident.User.Email, newCred),
		byCredential: st.byCredential.DeleteAt(secure).UpsertAt(newCred, id),
		byID:         st.byID,
		gen:          st.gen,
	}
	s.mu.Unlock()

	var siblings []SessionToken
	for _, t := range s.sessions.FindByValue(id) {
		if t != tok {
			siblings = append(siblings, t)
		}
	}
	s.sessions.RevokeMany(siblings)

	obs.IncOperation("update_password", "ok")
	_ = audit.LogEvent(ctx, "identity.password_updated", map[string]any{
		"user_id":          id.String(),
		"sessions_revoked": len(siblings),
	})
	return nil
}

// RequestPasswordReset issues a reset token bound to the (email, user id)
// pair. Unknown addresses return the uniform unauthorized error.
func (s *Service) RequestPasswordReset(ctx context.Context, email Email) (ResetToken, error) {
	normalized := NormalizeEmail(string(email))
	ident, err := s.FindByEmail(ctx, normalized)
	if err != nil {
		obs.IncOperation("request_password_reset", "unauthorized")
		return ResetToken{}, ErrCredentialsNotRecognised
	}
	tok := s.resets.Issue(ResetSubject{Email: normalized, UserID: ident.ID}, s.resetTTL)
	obs.IncOperation("request_password_reset", "ok")
	_ = audit.LogEvent(ctx, "identity.password_reset_requested", map[string]any{"user_id": ident.ID.String()})
	return tok, nil
}

// ResetPassword consumes the token, swaps the credential by email and
// revokes every session for the user, the one that requested the reset
// included. The token is revoked immediately after lookup, so a second call
// with the same token fails regardless of what happens here.
func (s *Service) ResetPassword(ctx context.Context, tok ResetToken, next password.Hashed) (Identified, error) {
	subject, err := s.resets.Lookup(tok)
	if err != nil {
		obs.IncOperation("reset_password", "not_found")
		return Identified{}, err
	}
	s.resets.Revoke(tok)

	newCred := EmailCredential(subject.Email, next)

	s.mu.Lock()
	st := s.state
	secure, ok := st.byEmail.Find(subject.Email)
	if !ok {
		// The address moved on since the token was issued; the token no
		// longer identifies anyone.
		s.mu.Unlock()
		obs.IncOperation("reset_password", "not_found")
		return Identified{}, token.ErrNoSuchToken
	}
	owner, held := st.byCredential.Find(secure)
	owner = mustFind(owner, held, "credential without owner")
	if owner != subject.UserID {
		s.mu.Unlock()
		obs.IncOperation("reset_password", "not_found")
		return Identified{}, token.ErrNoSuchToken
	}
	ident, present := st.byID.Find(owner)
	ident = mustFind(ident, present, "owner without user row")
	// On a provider-only account the byEmail row is a provider identity; it
	// stays linked, the reset merely re-establishes a password credential.
	byCredential := st.byCredential
	if secure.Kind == KindEmailPassword {
		byCredential = byCredential.DeleteAt(secure)
	}
	s.state = state{
		byEmail:      st.byEmail.UpsertAt(subject.Email, newCred),
		byCredential: byCredential.UpsertAt(newCred, owner),
		byID:         st.byID,
		gen:          st.gen,
	}
	s.mu.Unlock()

	s.sessions.RevokeAll(owner)

	obs.IncOperation("reset_password", "ok")
	_ = audit.LogEvent(ctx, "identity.password_reset", map[string]any{"user_id": owner.String()})
	return ident, nil
}

// LinkCredential attaches a provider identity to the account.
func (s *Service) LinkCredential(ctx context.Context, id ids.ID[User], provider, providerUserID string) error {
	s.mu.Lock()
	st := s.state
	if !st.byID.Contains(id) {
		s.mu.Unlock()
		obs.IncOperation("link_credential", "not_found")
		return ErrUserNotFound
	}
	cred := ProviderCredential(provider, providerUserID)
	if owner, held := st.byCredential.Find(cred); held {
		s.mu.Unlock()
		if owner == id {
			obs.IncOperation("link_credential", "ok")
			return nil
		}
		obs.IncOperation("link_credential", "conflict")
		return ErrCredentialInUse
	}
	s.state = state{
		byEmail:      st.byEmail,
		byCredential: st.byCredential.UpsertAt(cred, id),
		byID:         st.byID,
		gen:          st.gen,
	}
	s.mu.Unlock()

	obs.IncOperation("link_credential", "ok")
	_ = audit.LogEvent(ctx, "identity.credential_linked", map[string]any{
		"user_id":  id.String(),
		"provider": provider,
	})
	return nil
}

// UnlinkCredential detaches a provider identity, refusing to strand the
// account without any auth factor.
func (s *Service) UnlinkCredential(ctx context.Context, id ids.ID[User], provider, providerUserID string) error {
	s.mu.Lock()
	st := s.state
	ident, ok := st.byID.Find(id)
	if !ok {
		s.mu.Unlock()
		obs.IncOperation("unlink_credential", "not_found")
		return ErrUserNotFound
	}
	cred := ProviderCredential(provider, providerUserID)
	owner, held := st.byCredential.Find(cred)
	if !held || owner != id {
		s.mu.Unlock()
		obs.IncOperation("unlink_credential", "ok")
		return nil
	}
	if len(s.credentialsOfLocked(st, id)) == 1 {
		s.mu.Unlock()
		obs.IncOperation("unlink_credential", "precondition")
		return ErrLastCredential
	}
	byEmail := st.byEmail
	if primary, ok := st.byEmail.Find(ident.User.Email); ok && primary == cred {
		// The byEmail value is always byte-identical to a byCredential key,
		// so this compare identifies the row exactly. The departing
		// credential was the byEmail row; promote a survivor.
		survivor, found := s.fallbackLocked(st, id, cred)
		if !found {
			panic("identity: state invariant broken: no survivor for byEmail row")
		}
		byEmail = st.byEmail.UpsertAt(ident.User.Email, survivor)
	}
	s.state = state{
		byEmail:      byEmail,
		byCredential: st.byCredential.DeleteAt(cred),
		byID:         st.byID,
		gen:          st.gen,
	}
	s.mu.Unlock()

	obs.IncOperation("unlink_credential", "ok")
	_ = audit.LogEvent(ctx, "identity.credential_unlinked", map[string]any{
		"user_id":  id.String(),
		"provider": provider,
	})
	return nil
}

// UnlinkPassword removes the email/password credential, leaving the account
// provider-only.
func (s *Service) UnlinkPassword(ctx context.Context, id ids.ID[User]) error {
	s.mu.Lock()
	st := s.state
	ident, ok := st.byID.Find(id)
	if !ok {
		s.mu.Unlock()
		obs.IncOperation("unlink_password", "not_found")
		return ErrUserNotFound
	}
	var passwordCred SecureCredential
	var hasPassword bool
	for _, c := range s.credentialsOfLocked(st, id) {
		if c.Kind == KindEmailPassword {
			passwordCred, hasPassword = c, true
			break
		}
	}
	if !hasPassword {
		s.mu.Unlock()
		obs.IncOperation("unlink_password", "ok")
		return nil
	}
	fallback, found := s.fallbackLocked(st, id, passwordCred)
	if !found {
		s.mu.Unlock()
		obs.IncOperation("unlink_password", "precondition")
		return ErrNoFallbackCredential
	}
	s.state = state{
		byEmail:      st.byEmail.UpsertAt(ident.User.Email, fallback),
		byCredential: st.byCredential.DeleteAt(passwordCred),
		byID:         st.byID,
		gen:          st.gen,
	}
	s.mu.Unlock()

	obs.IncOperation("unlink_password", "ok")
	_ = audit.LogEvent(ctx, "identity.password_unlinked", map[string]any{"user_id": id.String()})
	return nil
}

// credentialsOfLocked lists every credential owned by id. Caller holds the
// lock or operates on a private snapshot.
func (s *Service) credentialsOfLocked(st state, id ids.ID[User]) []SecureCredential {
	entries := st.byCredential.FilterEntries(func(_ SecureCredential, owner ids.ID[User]) bool {
		return owner == id
	})
	out := make([]SecureCredential, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key)
	}
	return out
}

// fallbackLocked picks the surviving provider credential with the smallest
// (provider, provider user id) so the promotion is deterministic.
func (s *Service) fallbackLocked(st state, id ids.ID[User], departing SecureCredential) (SecureCredential, bool) {
	var survivors []SecureCredential
	for _, c := range s.credentialsOfLocked(st, id) {
		if c != departing && c.Kind == KindProvider {
			survivors = append(survivors, c)
		}
	}
	if len(survivors) == 0 {
		return SecureCredential{}, false
	}
	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].Provider != survivors[j].Provider {
			return survivors[i].Provider < survivors[j].Provider
		}
		return survivors[i].ProviderUserID < survivors[j].ProviderUserID
	})
	return survivors[0], true
}
