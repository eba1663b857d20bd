// seed inserts development users and profiles for exercising the migration locally.
// Idempotent: skips inserts if the dev user (dev@example.com) already exists.
//
// The four users cover the migration outcomes: two import cleanly, one has no profile and one has
// no last name, so `syncctl migrate-users` ends with two linked and two failed users.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"idp-user-sync/internal/config"
	"idp-user-sync/internal/db"
	"idp-user-sync/internal/logging"
	profiledomain "idp-user-sync/internal/profile/domain"
	profilerepo "idp-user-sync/internal/profile/repository"
	"idp-user-sync/internal/security"
	userdomain "idp-user-sync/internal/user/domain"
	userrepo "idp-user-sync/internal/user/repository"
)

const (
	devUserEmail    = "dev@example.com"
	devPassword     = "password123"
	defaultClientID = "dev-client"
)

type seedUser struct {
	id, email      string
	profileID      string
	first, last    string
	withoutProfile bool
}

var seedUsers = []seedUser{
	{id: "00000000-0000-4000-8000-000000000001", email: devUserEmail, profileID: "00000000-0000-4000-8000-000000000101", first: "Dev", last: "User"},
	{id: "00000000-0000-4000-8000-000000000002", email: "member@example.com", profileID: "00000000-0000-4000-8000-000000000102", first: "Member", last: "User"},
	{id: "00000000-0000-4000-8000-000000000003", email: "noprofile@example.com", withoutProfile: true},
	{id: "00000000-0000-4000-8000-000000000004", email: "incomplete@example.com", profileID: "00000000-0000-4000-8000-000000000104", first: "Incomplete"},
}

func fatal(msg string, err error) {
	slog.Error("seed: "+msg, "error", err)
	os.Exit(1)
}

// seedClientID picks the first configured client so seeded profiles match a webhook callback host.
func seedClientID(cfg *config.Config) string {
	m := cfg.ClientDomainMap()
	ids := make([]string, 0, len(m))
	for _, id := range m {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return defaultClientID
	}
	sort.Strings(ids)
	return ids[0]
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Env, cfg.LogLevel, os.Stderr)
	if cfg.DatabaseURL == "" {
		fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL", nil)
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		fatal("db", err)
	}
	defer conn.Close()

	users := userrepo.NewPostgresRepository(conn)
	profiles := profilerepo.NewPostgresRepository(conn)
	ctx := context.Background()

	existing, err := users.GetByEmail(ctx, devUserEmail)
	if err != nil {
		fatal("seed check", err)
	}
	if existing != nil {
		slog.Info("seed: already applied (dev@example.com exists), skipping")
		return
	}

	passwordHash, err := security.NewHasher(cfg.BcryptCost).Hash(devPassword)
	if err != nil {
		fatal("hash password", err)
	}

	clientID := seedClientID(cfg)
	now := time.Now().UTC()
	for i, su := range seedUsers {
		// Distinct creation times keep the migration order deterministic.
		createdAt := now.Add(time.Duration(i) * time.Second)
		if err := users.Create(ctx, &userdomain.User{
			ID:             su.id,
			Email:          su.email,
			PasswordHash:   passwordHash,
			Enabled:        true,
			EmailConfirmed: true,
			CreatedAt:      createdAt,
			UpdatedAt:      createdAt,
		}); err != nil {
			fatal("create user "+su.email, err)
		}
		if su.withoutProfile {
			continue
		}
		if err := profiles.Create(ctx, &profiledomain.Profile{
			ID:        su.profileID,
			UserID:    su.id,
			ClientID:  clientID,
			FirstName: su.first,
			LastName:  su.last,
			CreatedAt: createdAt,
			UpdatedAt: createdAt,
		}); err != nil {
			fatal("create profile for "+su.email, err)
		}
	}

	slog.Info("seed: completed", "users", len(seedUsers), "client_id", clientID)
	fmt.Printf("Dev login: %s / %s\n", devUserEmail, devPassword)
}
