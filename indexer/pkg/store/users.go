package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrUserExists = errors.New("store: user already exists")
	ErrEmailInUse = errors.New("store: email already in use")
)

// pgUniqueViolation is the SQLSTATE for a unique constraint failure.
const pgUniqueViolation = "23505"

// User is an off-ledger profile keyed by wallet. DoomscrollLimit is the
// daily minutes the user aims to stay under.
type User struct {
	Wallet          string
	Name            string
	Email           string
	DoomscrollLimit int32
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const userColumns = `wallet, name, email, doomscroll_limit, created_at, updated_at`

func scanUser(row scanner) (*User, error) {
	var u User
	if err := row.Scan(&u.Wallet, &u.Name, &u.Email, &u.DoomscrollLimit, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a profile. It returns ErrUserExists when the wallet is
// registered and ErrEmailInUse when another wallet owns the email.
func (s *Store) CreateUser(ctx context.Context, u User) (_ *User, err error) {
	defer s.observe("create_user", time.Now(), &err)

	row := s.db.QueryRow(ctx, `
		INSERT INTO users (wallet, name, email, doomscroll_limit)
		VALUES ($1, $2, $3, $4)
		RETURNING `+userColumns, u.Wallet, u.Name, u.Email, u.DoomscrollLimit)
	created, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			if pgErr.ConstraintName == "users_email_key" {
				return nil, ErrEmailInUse
			}
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user %s: %w", u.Wallet, err)
	}
	return created, nil
}

func (s *Store) GetUser(ctx context.Context, wallet string) (_ *User, err error) {
	defer s.observe("get_user", time.Now(), &err)

	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE wallet = $1`, wallet)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}
