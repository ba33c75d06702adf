package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"kimlik.org/internal/assertion"
	"kimlik.org/internal/clock"
	"kimlik.org/internal/config"
	"kimlik.org/internal/identity"
	"kimlik.org/internal/ids"
	"kimlik.org/internal/obs"
	"kimlik.org/internal/password"
	"kimlik.org/internal/store/pg"
	"kimlik.org/internal/throttle"
	"kimlik.org/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	obs.Init()
	hasher := password.BcryptHasher{Cost: cfg.BcryptCost}

	var svc identity.Users
	if cfg.PostgresDSN != "" {
		db, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer db.Close()
		svc = pg.New(db, hasher, pg.WithSessionTTL(cfg.SessionTTL), pg.WithResetTTL(cfg.ResetTTL))
	} else {
		c := clock.System{}
		sessions := token.NewStore[ids.ID[identity.User]](c, func(a, b ids.ID[identity.User]) bool { return a == b })
		resets := token.NewStore[identity.ResetSubject](c, func(a, b identity.ResetSubject) bool { return a == b })
		opts := []identity.ServiceOption{
			identity.WithSessionTTL(cfg.SessionTTL),
			identity.WithResetTTL(cfg.ResetTTL),
		}
		if cfg.LoginRate > 0 {
			lim := throttle.New(throttle.Config{Rate: rate.Limit(cfg.LoginRate), Burst: cfg.LoginBurst})
			defer lim.Stop()
			opts = append(opts, identity.WithLoginThrottle(lim))
		}
		svc = identity.NewService(sessions, resets, hasher, opts...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	email := identity.Email(fmt.Sprintf("smoke-%d@example.com", time.Now().UnixNano()))
	hash := mustHash(hasher, "Sm0keTest!")
	sess, err := svc.Register(ctx, email, hash, identity.Profile{FirstName: "Smoke"})
	if err != nil {
		log.Fatalf("register: %v", err)
	}

	// Email matching is case-insensitive.
	login, err := svc.Authenticate(ctx, identity.PlainCredential{Email: identity.Email("  " + string(email)), Password: "Sm0keTest!"})
	if err != nil {
		log.Fatalf("authenticate: %v", err)
	}
	if login.User.ID != sess.User.ID {
		log.Fatalf("authenticate resolved %s, registered %s", login.User.ID, sess.User.ID)
	}

	if _, err := svc.Register(ctx, email, hash, identity.Profile{}); !errors.Is(err, identity.ErrEmailAlreadyInUse) {
		log.Fatalf("duplicate register: got %v, want ErrEmailAlreadyInUse", err)
	}

	reset, err := svc.RequestPasswordReset(ctx, email)
	if err != nil {
		log.Fatalf("request reset: %v", err)
	}
	if _, err := svc.ResetPassword(ctx, reset, mustHash(hasher, "Fresh0ne!")); err != nil {
		log.Fatalf("reset password: %v", err)
	}

	// The reset revoked every session, the login one included.
	if _, err := svc.Identify(ctx, login.Token); !errors.Is(err, token.ErrNoSuchToken) {
		log.Fatalf("session survived reset: %v", err)
	}
	if _, err := svc.Authenticate(ctx, identity.PlainCredential{Email: email, Password: "Sm0keTest!"}); !errors.Is(err, identity.ErrCredentialsNotRecognised) {
		log.Fatalf("old password still valid: %v", err)
	}
	fresh, err := svc.Authenticate(ctx, identity.PlainCredential{Email: email, Password: "Fresh0ne!"})
	if err != nil {
		log.Fatalf("authenticate after reset: %v", err)
	}

	if err := svc.LinkCredential(ctx, fresh.User.ID, "google", "smoke-g-1"); err != nil {
		log.Fatalf("link credential: %v", err)
	}
	if err := svc.UnlinkPassword(ctx, fresh.User.ID); err != nil {
		log.Fatalf("unlink password: %v", err)
	}
	if err := svc.UnlinkCredential(ctx, fresh.User.ID, "google", "smoke-g-1"); !errors.Is(err, identity.ErrLastCredential) {
		log.Fatalf("unlink last credential: got %v, want ErrLastCredential", err)
	}

	if cfg.AssertionSecret != "" {
		iss, err := assertion.NewIssuer([]byte(cfg.AssertionSecret), cfg.AssertionIssuer, cfg.AssertionTTL)
		if err != nil {
			log.Fatalf("assertion issuer: %v", err)
		}
		raw, err := iss.Mint(fresh)
		if err != nil {
			log.Fatalf("mint assertion: %v", err)
		}
		claims, err := iss.Verify(raw)
		if err != nil {
			log.Fatalf("verify assertion: %v", err)
		}
		if claims.UserID() != fresh.User.ID.String() {
			log.Fatalf("assertion subject %s, user %s", claims.UserID(), fresh.User.ID)
		}
	}

	fmt.Printf("✅ identity smoke test passed: user=%s\n", fresh.User.ID)
}

func mustHash(h password.Hasher, plain string) password.Hashed {
	strong, err := password.NewStrong(password.Plaintext(plain))
	if err != nil {
		log.Fatalf("password strength: %v", err)
	}
	hashed, err := h.Hash(strong)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}
	return hashed
}
