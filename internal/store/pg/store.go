// Package pg implements the identity aggregate on Postgres. It mirrors the
// in-memory reference semantics; transitions that swap a snapshot there run
// as database transactions here.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kimlik.org/internal/identity"
	"kimlik.org/internal/ids"
	"kimlik.org/internal/password"
	"kimlik.org/internal/token"
)

const uniqueViolation = "23505"

// Store is the database-backed identity.Users implementation.
type Store struct {
	db     *sql.DB
	hasher password.Hasher

	sessionTTL time.Duration
	resetTTL   time.Duration
	now        func() time.Time
}

var _ identity.Users = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithSessionTTL overrides the session lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithResetTTL overrides the reset token lifetime.
func WithResetTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.resetTTL = ttl
		}
	}
}

// WithNow overrides the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open dials Postgres through the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// New wraps an open database handle.
func New(db *sql.DB, hasher password.Hasher, opts ...Option) *Store {
	s := &Store{
		db:         db,
		hasher:     hasher,
		sessionTTL: identity.DefaultSessionTTL,
		resetTTL:   identity.DefaultResetTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the tables if they are missing. Idempotent.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`create table if not exists users (
			id text primary key,
			email text not null unique,
			first_name text not null default '',
			last_name text not null default '',
			opt_in_marketing boolean not null default false,
			password_hash text,
			created_at timestamptz not null default now()
		)`,
		`create table if not exists identities (
			provider text not null,
			provider_user_id text not null,
			user_id text not null references users(id) on delete cascade,
			created_at timestamptz not null default now(),
			primary key (provider, provider_user_id)
		)`,
		`create table if not exists sessions (
			token text primary key,
			user_id text not null references users(id) on delete cascade,
			expires_at timestamptz not null
		)`,
		`create table if not exists reset_tokens (
			token text primary key,
			user_id text not null references users(id) on delete cascade,
			email text not null,
			expires_at timestamptz not null
		)`,
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Register inserts the user and opens a session. The email unique index is
// what guarantees exactly one winner among concurrent registrations.
func (s *Store) Register(ctx context.Context, email identity.Email, hash password.Hashed, profile identity.Profile) (identity.Session, error) {
	email = identity.NormalizeEmail(string(email))
	id := ids.New()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return identity.Session{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into users(id, email, first_name, last_name, opt_in_marketing, password_hash)
		values ($1,$2,$3,$4,$5,$6)
	`, id, email, profile.FirstName, profile.LastName, profile.OptInMarketing, string(hash)); err != nil {
		if isUniqueViolation(err) {
			return identity.Session{}, identity.ErrEmailAlreadyInUse
		}
		return identity.Session{}, err
	}

	tok := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		insert into sessions(token, user_id, expires_at) values ($1,$2,$3)
	`, tok, id, s.now().Add(s.sessionTTL)); err != nil {
		return identity.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return identity.Session{}, err
	}

	return identity.Session{
		User: identity.Identified{
			ID: ids.NewID[identity.User](id),
			User: identity.User{
				FirstName:      profile.FirstName,
				LastName:       profile.LastName,
				Email:          email,
				OptInMarketing: profile.OptInMarketing,
			},
		},
		Token: token.FromString[ids.ID[identity.User]](tok),
	}, nil
}

// Authenticate verifies the pair and opens a session. Unknown email, a
// password-less account and a wrong password all read the same.
func (s *Store) Authenticate(ctx context.Context, cred identity.PlainCredential) (identity.Session, error) {
	email := identity.NormalizeEmail(string(cred.Email))

	var ident identity.Identified
	var rawID string
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select id, first_name, last_name, email, opt_in_marketing, password_hash
		from users where email=$1
	`, email).Scan(&rawID, &ident.User.FirstName, &ident.User.LastName, &ident.User.Email, &ident.User.OptInMarketing, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Session{}, identity.ErrCredentialsNotRecognised
	}
	if err != nil {
		return identity.Session{}, err
	}
	if !hash.Valid || !s.hasher.Matches(cred.Password, password.Hashed(hash.String)) {
		return identity.Session{}, identity.ErrCredentialsNotRecognised
	}
	ident.ID = ids.NewID[identity.User](rawID)

	tok := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		insert into sessions(token, user_id, expires_at) values ($1,$2,$3)
	`, tok, rawID, s.now().Add(s.sessionTTL)); err != nil {
		return identity.Session{}, err
	}
	return identity.Session{User: ident, Token: token.FromString[ids.ID[identity.User]](tok)}, nil
}

// Identify resolves a live session token.
func (s *Store) Identify(ctx context.Context, tok identity.SessionToken) (identity.Session, error) {
	var ident identity.Identified
	var rawID string
	err := s.db.QueryRowContext(ctx, `
		select u.id, u.first_name, u.last_name, u.email, u.opt_in_marketing
		from sessions s join users u on u.id = s.user_id
		where s.token=$1 and s.expires_at > $2
	`, tok.String(), s.now()).Scan(&rawID, &ident.User.FirstName, &ident.User.LastName, &ident.User.Email, &ident.User.OptInMarketing)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Session{}, token.ErrNoSuchToken
	}
	if err != nil {
		return identity.Session{}, err
	}
	ident.ID = ids.NewID[identity.User](rawID)
	return identity.Session{User: ident, Token: tok}, nil
}

// Logout deletes the session row. Deleting an absent row is not an error.
func (s *Store) Logout(ctx context.Context, tok identity.SessionToken) error {
	_, err := s.db.ExecContext(ctx, `delete from sessions where token=$1`, tok.String())
	return err
}

func (s *Store) FindByID(ctx context.Context, id ids.ID[identity.User]) (identity.Identified, error) {
	return s.findUser(ctx, `
		select id, first_name, last_name, email, opt_in_marketing
		from users where id=$1
	`, id.String())
}

func (s *Store) FindByEmail(ctx context.Context, email identity.Email) (identity.Identified, error) {
	return s.findUser(ctx, `
		select id, first_name, last_name, email, opt_in_marketing
		from users where email=$1
	`, string(identity.NormalizeEmail(string(email))))
}

func (s *Store) findUser(ctx context.Context, query string, arg any) (identity.Identified, error) {
	var ident identity.Identified
	var rawID string
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&rawID, &ident.User.FirstName, &ident.User.LastName, &ident.User.Email, &ident.User.OptInMarketing)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Identified{}, identity.ErrUserNotFound
	}
	if err != nil {
		return identity.Identified{}, err
	}
	ident.ID = ids.NewID[identity.User](rawID)
	return ident, nil
}

// Update merges the non-nil draft fields inside one transaction.
func (s *Store) Update(ctx context.Context, id ids.ID[identity.User], draft identity.Draft) (identity.Identified, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return identity.Identified{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var ident identity.Identified
	var rawID string
	err = tx.QueryRowContext(ctx, `
		select id, first_name, last_name, email, opt_in_marketing
		from users where id=$1 for update
	`, id.String()).Scan(&rawID, &ident.User.FirstName, &ident.User.LastName, &ident.User.Email, &ident.User.OptInMarketing)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Identified{}, identity.ErrUserNotFound
	}
	if err != nil {
		return identity.Identified{}, err
	}
	if draft.FirstName != nil {
		ident.User.FirstName = *draft.FirstName
	}
	if draft.LastName != nil {
		ident.User.LastName = *draft.LastName
	}
	if draft.OptInMarketing != nil {
		ident.User.OptInMarketing = *draft.OptInMarketing
	}
	if _, err := tx.ExecContext(ctx, `
		update users set first_name=$2, last_name=$3, opt_in_marketing=$4 where id=$1
	`, rawID, ident.User.FirstName, ident.User.LastName, ident.User.OptInMarketing); err != nil {
		return identity.Identified{}, err
	}
	if err := tx.Commit(); err != nil {
		return identity.Identified{}, err
	}
	ident.ID = ids.NewID[identity.User](rawID)
	return ident, nil
}

// UpdateEmail moves the account to a new address. The unique index reports
// the conflict.
func (s *Store) UpdateEmail(ctx context.Context, id ids.ID[identity.User], email identity.Email) (identity.Identified, error) {
	newEmail := identity.NormalizeEmail(string(email))

	res, err := s.db.ExecContext(ctx, `update users set email=$2 where id=$1`, id.String(), newEmail)
	if err != nil {
		if isUniqueViolation(err) {
			return identity.Identified{}, identity.ErrEmailAlreadyInUse
		}
		return identity.Identified{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return identity.Identified{}, identity.ErrUserNotFound
	}
	return s.FindByID(ctx, id)
}

// UpdatePassword swaps the hash after re-verifying the current password, then
// deletes every other session of the user in the same transaction.
func (s *Store) UpdatePassword(ctx context.Context, tok identity.SessionToken, current password.Plaintext, next password.Hashed) error {
	sess, err := s.Identify(ctx, tok)
	if err != nil {
		return identity.ErrCredentialsNotRecognised
	}

	var hash sql.NullString
	err = s.db.QueryRowContext(ctx, `select password_hash from users where id=$1`, sess.User.ID.String()).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.ErrUserNotFound
	}
	if err != nil {
		return err
	}
	if !hash.Valid || !s.hasher.Matches(current, password.Hashed(hash.String)) {
		return identity.ErrCredentialsNotRecognised
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The hash must still be the one just verified; a concurrent change
	// invalidates the proof.
	res, err := tx.ExecContext(ctx, `
		update users set password_hash=$3 where id=$1 and password_hash=$2
	`, sess.User.ID.String(), hash.String, string(next))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return identity.ErrCredentialsNotRecognised
	}
	if _, err := tx.ExecContext(ctx, `
		delete from sessions where user_id=$1 and token<>$2
	`, sess.User.ID.String(), tok.String()); err != nil {
		return err
	}
	return tx.Commit()
}

// RequestPasswordReset records a reset token for the address.
func (s *Store) RequestPasswordReset(ctx context.Context, email identity.Email) (identity.ResetToken, error) {
	normalized := identity.NormalizeEmail(string(email))
	ident, err := s.FindByEmail(ctx, normalized)
	if err != nil {
		return identity.ResetToken{}, identity.ErrCredentialsNotRecognised
	}

	tok := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		insert into reset_tokens(token, user_id, email, expires_at) values ($1,$2,$3,$4)
	`, tok, ident.ID.String(), normalized, s.now().Add(s.resetTTL)); err != nil {
		return identity.ResetToken{}, err
	}
	return token.FromString[identity.ResetSubject](tok), nil
}

// ResetPassword consumes the token, swaps the hash and deletes every session
// of the user. The delete of the token row makes it single-use whatever
// happens afterwards.
func (s *Store) ResetPassword(ctx context.Context, tok identity.ResetToken, next password.Hashed) (identity.Identified, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return identity.Identified{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var userID, boundEmail string
	var expires time.Time
	err = tx.QueryRowContext(ctx, `
		delete from reset_tokens where token=$1 returning user_id, email, expires_at
	`, tok.String()).Scan(&userID, &boundEmail, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Identified{}, token.ErrNoSuchToken
	}
	if err != nil {
		return identity.Identified{}, err
	}
	if s.now().After(expires) {
		_ = tx.Commit()
		return identity.Identified{}, token.ErrNoSuchToken
	}

	// The token only counts while the account still lives at the address it
	// was issued for.
	res, err := tx.ExecContext(ctx, `
		update users set password_hash=$3 where id=$1 and email=$2
	`, userID, boundEmail, string(next))
	if err != nil {
		return identity.Identified{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		_ = tx.Commit()
		return identity.Identified{}, token.ErrNoSuchToken
	}
	if _, err := tx.ExecContext(ctx, `delete from sessions where user_id=$1`, userID); err != nil {
		return identity.Identified{}, err
	}
	if err := tx.Commit(); err != nil {
		return identity.Identified{}, err
	}
	return s.FindByID(ctx, ids.NewID[identity.User](userID))
}

// LinkCredential attaches a provider identity. The primary key on
// (provider, provider_user_id) enforces global uniqueness.
func (s *Store) LinkCredential(ctx context.Context, id ids.ID[identity.User], provider, providerUserID string) error {
	if _, err := s.FindByID(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		insert into identities(provider, provider_user_id, user_id) values ($1,$2,$3)
	`, provider, providerUserID, id.String())
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return err
	}
	var owner string
	if qerr := s.db.QueryRowContext(ctx, `
		select user_id from identities where provider=$1 and provider_user_id=$2
	`, provider, providerUserID).Scan(&owner); qerr != nil {
		return qerr
	}
	if owner == id.String() {
		return nil
	}
	return identity.ErrCredentialInUse
}

// UnlinkCredential detaches a provider identity unless it is the last factor.
func (s *Store) UnlinkCredential(ctx context.Context, id ids.ID[identity.User], provider, providerUserID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	hasPassword, providers, err := factorsLocked(ctx, tx, id.String())
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		delete from identities where provider=$1 and provider_user_id=$2 and user_id=$3
	`, provider, providerUserID, id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return tx.Commit()
	}
	if !hasPassword && providers == 1 {
		return identity.ErrLastCredential
	}
	return tx.Commit()
}

// UnlinkPassword clears the password hash, leaving the account provider-only.
func (s *Store) UnlinkPassword(ctx context.Context, id ids.ID[identity.User]) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	hasPassword, providers, err := factorsLocked(ctx, tx, id.String())
	if err != nil {
		return err
	}
	if !hasPassword {
		return tx.Commit()
	}
	if providers == 0 {
		return identity.ErrNoFallbackCredential
	}
	if _, err := tx.ExecContext(ctx, `update users set password_hash=null where id=$1`, id.String()); err != nil {
		return err
	}
	return tx.Commit()
}

// factorsLocked reports the account's auth factors, locking the user row for
// the rest of the transaction.
func factorsLocked(ctx context.Context, tx *sql.Tx, id string) (hasPassword bool, providers int, err error) {
	var hash sql.NullString
	err = tx.QueryRowContext(ctx, `select password_hash from users where id=$1 for update`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, identity.ErrUserNotFound
	}
	if err != nil {
		return false, 0, err
	}
	if err := tx.QueryRowContext(ctx, `
		select count(*) from identities where user_id=$1
	`, id).Scan(&providers); err != nil {
		return false, 0, err
	}
	return hash.Valid, providers, nil
}

// PurgeExpired deletes dead session and reset rows. Meant for a cron, not
// for the hot path.
func (s *Store) PurgeExpired(ctx context.Context) error {
	now := s.now()
	if _, err := s.db.ExecContext(ctx, `delete from sessions where expires_at <= $1`, now); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `delete from reset_tokens where expires_at <= $1`, now)
	return err
}
