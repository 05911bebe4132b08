package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/SkynetNext/ws-gateway/internal/config"
)

//go:embed schema.sql
var schema string

var (
	ErrUserExists         = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// DB is the PostgreSQL store of applications and users
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL and verifies the connection
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Migrate creates missing tables
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (d *DB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Close closes the pool
func (d *DB) Close() {
	d.pool.Close()
}

// Application looks up an application by app id
func (d *DB) Application(ctx context.Context, appID string) (*Application, error) {
	var app Application
	err := d.pool.QueryRow(ctx,
		`SELECT id, app_id, token, app_auth_url, app_callback_message FROM application_use WHERE app_id = $1`,
		appID,
	).Scan(&app.ID, &app.AppID, &app.Token, &app.AuthURL, &app.CallbackMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", appID, ErrApplicationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load application %s: %w", appID, err)
	}
	return &app, nil
}

// User is a user as listed by the user API
type User struct {
	ID       int64   `json:"id"`
	Username string  `json:"username"`
	Nickname *string `json:"nickname"`
	Email    *string `json:"email"`
	Phone    *string `json:"phone"`
}

// UserInput carries the writable fields of a user
type UserInput struct {
	ID       int64   `json:"id"`
	Username string  `json:"username"`
	Password string  `json:"password,omitempty"`
	Nickname *string `json:"nickname"`
	Email    *string `json:"email"`
	Phone    *string `json:"phone"`
}

// Page is one page of a listing
type Page[T any] struct {
	Total int64 `json:"total"`
	List  []T   `json:"list"`
}

// ListUsers returns page (1-based) of size pageSize
func (d *DB) ListUsers(ctx context.Context, page, pageSize int64) (*Page[User], error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}

	var total int64
	if err := d.pool.QueryRow(ctx, `SELECT count(*) FROM "user"`).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}

	rows, err := d.pool.Query(ctx,
		`SELECT id, username, nickname, email, phone FROM "user" ORDER BY id LIMIT $1 OFFSET $2`,
		pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (User, error) {
		var u User
		err := row.Scan(&u.ID, &u.Username, &u.Nickname, &u.Email, &u.Phone)
		return u, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}
	if users == nil {
		users = []User{}
	}
	return &Page[User]{Total: total, List: users}, nil
}

// CreateUser inserts a user with a bcrypt-hashed password
func (d *DB) CreateUser(ctx context.Context, in UserInput) (int64, error) {
	hash, err := HashPassword(in.Password)
	if err != nil {
		return 0, err
	}

	tag, err := d.pool.Exec(ctx,
		`INSERT INTO "user" (username, password, nickname, email, phone) VALUES ($1, $2, $3, $4, $5)`,
		in.Username, hash, in.Nickname, in.Email, in.Phone)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("%s: %w", in.Username, ErrUserExists)
		}
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpdateUser updates the profile fields of user in.ID
func (d *DB) UpdateUser(ctx context.Context, in UserInput) (int64, error) {
	tag, err := d.pool.Exec(ctx,
		`UPDATE "user" SET username = $1, nickname = $2, email = $3, phone = $4 WHERE id = $5`,
		in.Username, in.Nickname, in.Email, in.Phone, in.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("%s: %w", in.Username, ErrUserExists)
		}
		return 0, fmt.Errorf("failed to update user: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteUser deletes user id
func (d *DB) DeleteUser(ctx context.Context, id int64) (int64, error) {
	tag, err := d.pool.Exec(ctx, `DELETE FROM "user" WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Authenticate checks username and password and returns the user id
func (d *DB) Authenticate(ctx context.Context, username, password string) (int64, error) {
	var id int64
	var hash string
	err := d.pool.QueryRow(ctx,
		`SELECT id, password FROM "user" WHERE username = $1`, username,
	).Scan(&id, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInvalidCredentials
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load user: %w", err)
	}
	if !CheckPassword(hash, password) {
		return 0, ErrInvalidCredentials
	}
	return id, nil
}

// HashPassword hashes a password with bcrypt
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to generate bcrypt hash: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
