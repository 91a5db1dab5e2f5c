package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"licensehub.org/internal/audit"
	"licensehub.org/internal/ids"
	"licensehub.org/internal/lease"
)

type Store struct {
	db *sql.DB
}

var _ lease.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// "current_user" is a reserved word and must stay quoted.
const columns = `id, no, username, password, gmail, mail_password, is_available,
	"current_user", current_user_name, assigned_at, expires_at,
	reserved_by, reserved_by_name, reserved_at, reservation_expires_at, last_activity`

type scanner interface {
	Scan(dest ...any) error
}

func scanLicense(row scanner) (lease.License, error) {
	var (
		lic  lease.License
		cols [9]sql.NullString
	)
	err := row.Scan(
		&lic.ID, &lic.Credential.No, &lic.Credential.Username, &lic.Credential.Password,
		&lic.Credential.Gmail, &lic.Credential.MailPassword, &lic.IsAvailable,
		&cols[0], &cols[1], &cols[2], &cols[3], &cols[4], &cols[5], &cols[6], &cols[7], &cols[8],
	)
	if err != nil {
		return lease.License{}, err
	}
	lic.CurrentUser = cols[0].String
	lic.CurrentUserName = cols[1].String
	lic.AssignedAt = lease.Timestamp(cols[2].String)
	lic.ExpiresAt = lease.Timestamp(cols[3].String)
	lic.ReservedBy = cols[4].String
	lic.ReservedByName = cols[5].String
	lic.ReservedAt = lease.Timestamp(cols[6].String)
	lic.ReservationExpiresAt = lease.Timestamp(cols[7].String)
	lic.LastActivity = lease.Timestamp(cols[8].String)
	return lic, nil
}

func (s *Store) Get(ctx context.Context, id string) (lease.License, error) {
	lic, err := scanLicense(s.db.QueryRowContext(ctx, `select `+columns+` from licenses where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return lease.License{}, lease.ErrNotFound
	}
	if err != nil {
		return lease.License{}, fmt.Errorf("get license: %w", err)
	}
	return lic, nil
}

func (s *Store) List(ctx context.Context) ([]lease.License, error) {
	return s.query(ctx, `select `+columns+` from licenses order by no, id`)
}

func (s *Store) Candidates(ctx context.Context) ([]lease.License, error) {
	return s.query(ctx, `
		select `+columns+` from licenses
		where is_available = false or "current_user" is not null or reserved_by is not null
		order by no, id`)
}

func (s *Store) ReservedBy(ctx context.Context, userID string) ([]lease.License, error) {
	return s.query(ctx, `select `+columns+` from licenses where reserved_by=$1 order by no, id`, userID)
}

// Swap applies next only when the row still carries expect.
func (s *Store) Swap(ctx context.Context, id string, expect lease.Version, next lease.Lease) (lease.License, error) {
	row := s.db.QueryRowContext(ctx, `
		update licenses set
			is_available = $2,
			"current_user" = nullif($3, ''),
			current_user_name = nullif($4, ''),
			assigned_at = nullif($5, ''),
			expires_at = nullif($6, ''),
			reserved_by = nullif($7, ''),
			reserved_by_name = nullif($8, ''),
			reserved_at = nullif($9, ''),
			reservation_expires_at = nullif($10, ''),
			last_activity = nullif($11, '')
		where id = $1
			and coalesce(reserved_by, '') = $12
			and coalesce(reserved_at, '') = $13
			and coalesce("current_user", '') = $14
			and coalesce(expires_at, '') = $15
		returning `+columns,
		id, next.IsAvailable,
		next.CurrentUser, next.CurrentUserName, string(next.AssignedAt), string(next.ExpiresAt),
		next.ReservedBy, next.ReservedByName, string(next.ReservedAt), string(next.ReservationExpiresAt),
		string(next.LastActivity),
		expect.ReservedBy, string(expect.ReservedAt), expect.CurrentUser, string(expect.ExpiresAt),
	)
	lic, err := scanLicense(row)
	if err == nil {
		return lic, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return lease.License{}, fmt.Errorf("swap license: %w", err)
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from licenses where id=$1)`, id).Scan(&exists); err != nil {
		return lease.License{}, fmt.Errorf("swap license: %w", err)
	}
	if !exists {
		return lease.License{}, lease.ErrNotFound
	}
	return lease.License{}, lease.ErrStale
}

func (s *Store) Insert(ctx context.Context, lic lease.License) (lease.License, error) {
	if lic.ID == "" {
		lic.ID = ids.New()
	}
	c := lic.Credential
	row := s.db.QueryRowContext(ctx, `
		insert into licenses (`+columns+`)
		values ($1, $2, $3, $4, $5, $6, $7,
			nullif($8, ''), nullif($9, ''), nullif($10, ''), nullif($11, ''),
			nullif($12, ''), nullif($13, ''), nullif($14, ''), nullif($15, ''), nullif($16, ''))
		on conflict do nothing
		returning `+columns,
		lic.ID, c.No, c.Username, c.Password, c.Gmail, c.MailPassword, lic.IsAvailable,
		lic.CurrentUser, lic.CurrentUserName, string(lic.AssignedAt), string(lic.ExpiresAt),
		lic.ReservedBy, lic.ReservedByName, string(lic.ReservedAt), string(lic.ReservationExpiresAt),
		string(lic.LastActivity),
	)
	out, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return lease.License{}, lease.ErrDuplicate
	}
	if err != nil {
		return lease.License{}, fmt.Errorf("insert license: %w", err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from licenses where id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	if n == 0 {
		return lease.ErrNotFound
	}
	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]lease.License, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query licenses: %w", err)
	}
	defer rows.Close()
	var out []lease.License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		out = append(out, lic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query licenses: %w", err)
	}
	return out, nil
}

// UsageLog writes usage events to the usage_logs table.
type UsageLog struct {
	db *sql.DB
}

var _ audit.Recorder = (*UsageLog)(nil)

func (s *Store) UsageLog() *UsageLog { return &UsageLog{db: s.db} }

func (u *UsageLog) Record(ctx context.Context, e audit.Event) error {
	var dur sql.NullInt64
	if e.DurationSeconds != nil {
		dur = sql.NullInt64{Int64: *e.DurationSeconds, Valid: true}
	}
	_, err := u.db.ExecContext(ctx, `
		insert into usage_logs (user_id, user_name, license_id, license_no, action, "timestamp",
			duration_seconds, ip_address, user_agent, request_id)
		values ($1, $2, $3, $4, $5, $6, $7, nullif($8, ''), nullif($9, ''), nullif($10, ''))`,
		e.UserID, e.UserName, e.LicenseID, e.LicenseNo, e.Action, e.Timestamp.UTC(),
		dur, e.IPAddress, e.UserAgent, e.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}
