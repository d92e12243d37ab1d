package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a PostgreSQL backend. All compound
// operations run in explicit transactions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a PostgresStore with a connection pool and
// bootstraps the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			credential TEXT UNIQUE NOT NULL,
			wallet TEXT NOT NULL,
			gpu_vendor TEXT NOT NULL DEFAULT '',
			gpu_model TEXT NOT NULL DEFAULT '',
			gpu_memory BIGINT NOT NULL DEFAULT 0,
			framework TEXT NOT NULL DEFAULT '',
			max_concurrent INT NOT NULL DEFAULT 2,
			current_load INT NOT NULL DEFAULT 0,
			healthy BOOLEAN NOT NULL DEFAULT TRUE,
			last_heartbeat_at TIMESTAMPTZ NOT NULL,
			last_assigned_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
			completed BIGINT NOT NULL DEFAULT 0,
			failed BIGINT NOT NULL DEFAULT 0,
			retried BIGINT NOT NULL DEFAULT 0,
			avg_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 60,
			reputation DOUBLE PRECISION NOT NULL DEFAULT 1,
			total_earned DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_healthy ON agents (healthy)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			docker_image TEXT NOT NULL,
			command JSONB,
			env JSONB,
			requires_gpu BOOLEAN NOT NULL DEFAULT FALSE,
			gpu_memory_required BIGINT NOT NULL DEFAULT 0,
			timeout_seconds INT NOT NULL,
			reward DOUBLE PRECISION NOT NULL,
			state TEXT NOT NULL,
			priority INT NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 3,
			assigned_agent_id TEXT NOT NULL DEFAULT '',
			assigned_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			last_error TEXT NOT NULL DEFAULT '',
			payment_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (state, priority DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_agent ON jobs (assigned_agent_id)`,
		`CREATE TABLE IF NOT EXISTS payments (
			payment_id TEXT PRIMARY KEY,
			job_id TEXT UNIQUE NOT NULL,
			from_wallet TEXT NOT NULL,
			to_wallet TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			signature TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			parked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// pgErr maps driver failures onto the Store error taxonomy. Guard failures
// are detected separately via RowsAffected.
func pgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// isUniqueViolation reports whether err is a unique-constraint violation
// (SQLSTATE 23505), as opposed to a transient driver failure.
func isUniqueViolation(err error) bool {
	var pge *pgconn.PgError
	return errors.As(err, &pge) && pge.Code == "23505"
}

// --- Agent operations ---

const agentColumns = `agent_id, credential, wallet, gpu_vendor, gpu_model, gpu_memory, framework,
	max_concurrent, current_load, healthy, last_heartbeat_at, last_assigned_at,
	completed, failed, retried, avg_duration_seconds, reputation, total_earned, created_at, updated_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(
		&a.AgentID, &a.Credential, &a.Wallet, &a.GPUVendor, &a.GPUModel, &a.GPUMemory, &a.Framework,
		&a.MaxConcurrent, &a.CurrentLoad, &a.Healthy, &a.LastHeartbeatAt, &a.LastAssignedAt,
		&a.Completed, &a.Failed, &a.Retried, &a.AvgDurationSeconds, &a.Reputation, &a.TotalEarned,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, pgErr(err)
	}
	return &a, nil
}

func (s *PostgresStore) UpsertAgent(ctx context.Context, a *Agent) error {
	query := `
		INSERT INTO agents (` + agentColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,NOW(),NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			wallet = EXCLUDED.wallet,
			gpu_vendor = EXCLUDED.gpu_vendor,
			gpu_model = EXCLUDED.gpu_model,
			gpu_memory = EXCLUDED.gpu_memory,
			framework = EXCLUDED.framework,
			max_concurrent = EXCLUDED.max_concurrent,
			current_load = EXCLUDED.current_load,
			healthy = EXCLUDED.healthy,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			last_assigned_at = EXCLUDED.last_assigned_at,
			completed = EXCLUDED.completed,
			failed = EXCLUDED.failed,
			retried = EXCLUDED.retried,
			avg_duration_seconds = EXCLUDED.avg_duration_seconds,
			reputation = EXCLUDED.reputation,
			total_earned = EXCLUDED.total_earned,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		a.AgentID, a.Credential, a.Wallet, a.GPUVendor, a.GPUModel, a.GPUMemory, a.Framework,
		a.MaxConcurrent, a.CurrentLoad, a.Healthy, a.LastHeartbeatAt, a.LastAssignedAt,
		a.Completed, a.Failed, a.Retried, a.AvgDurationSeconds, a.Reputation, a.TotalEarned,
	)
	return pgErr(err)
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE agent_id = $1`
	return scanAgent(s.pool.QueryRow(ctx, query, agentID))
}

func (s *PostgresStore) GetAgentByCredential(ctx context.Context, credential string) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE credential = $1`
	return scanAgent(s.pool.QueryRow(ctx, query, credential))
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents ORDER BY agent_id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, pgErr(rows.Err())
}

func (s *PostgresStore) UpdateAgentHeartbeat(ctx context.Context, agentID string, t time.Time) error {
	query := `UPDATE agents SET last_heartbeat_at = $2, healthy = TRUE, updated_at = NOW() WHERE agent_id = $1`
	tag, err := s.pool.Exec(ctx, query, agentID, t)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Job operations ---

const jobColumns = `job_id, job_type, docker_image, command, env, requires_gpu, gpu_memory_required,
	timeout_seconds, reward, state, priority, retry_count, max_retries,
	assigned_agent_id, assigned_at, started_at, completed_at, last_error, payment_id, created_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.JobID, &j.JobType, &j.DockerImage, &j.Command, &j.Env, &j.RequiresGPU, &j.GPUMemoryRequired,
		&j.TimeoutSeconds, &j.Reward, &j.State, &j.Priority, &j.RetryCount, &j.MaxRetries,
		&j.AssignedAgentID, &j.AssignedAt, &j.StartedAt, &j.CompletedAt, &j.LastError, &j.PaymentID,
		&j.CreatedAt,
	)
	if err != nil {
		return nil, pgErr(err)
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, j *Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`
	_, err := s.pool.Exec(ctx, query,
		j.JobID, j.JobType, j.DockerImage, j.Command, j.Env, j.RequiresGPU, j.GPUMemoryRequired,
		j.TimeoutSeconds, j.Reward, j.State, j.Priority, j.RetryCount, j.MaxRetries,
		j.AssignedAgentID, j.AssignedAt, j.StartedAt, j.CompletedAt, j.LastError, j.PaymentID,
		j.CreatedAt,
	)
	return pgErr(err)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`
	return scanJob(s.pool.QueryRow(ctx, query, jobID))
}

func (s *PostgresStore) ListJobsByState(ctx context.Context, state JobState, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE state = $1 ORDER BY priority DESC, created_at ASC`
	args := []interface{}{state}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, pgErr(rows.Err())
}

func (s *PostgresStore) ListJobsByAgent(ctx context.Context, agentID string) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE assigned_agent_id = $1 ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, agentID)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, pgErr(rows.Err())
}

func (s *PostgresStore) CountJobsByState(ctx context.Context) (map[JobState]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	counts := make(map[JobState]int)
	for rows.Next() {
		var state JobState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, pgErr(err)
		}
		counts[state] = n
	}
	return counts, pgErr(rows.Err())
}

// --- Compound operations ---

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgErr(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return pgErr(err)
	}
	return nil
}

func (s *PostgresStore) AssignJob(ctx context.Context, jobID, agentID string, at time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE agents SET current_load = current_load + 1, last_assigned_at = $2, updated_at = NOW()
			WHERE agent_id = $1 AND current_load < max_concurrent
		`, agentID, at)
		if err != nil {
			return pgErr(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}

		tag, err = tx.Exec(ctx, `
			UPDATE jobs SET state = $2, assigned_agent_id = $3, assigned_at = $4
			WHERE job_id = $1 AND state = $5
		`, jobID, JobAssigned, agentID, at, JobQueued)
		if err != nil {
			return pgErr(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
		return nil
	})
}

func (s *PostgresStore) StartJob(ctx context.Context, jobID, agentID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $3, started_at = $4
		WHERE job_id = $1 AND assigned_agent_id = $2 AND state = $5
	`, jobID, agentID, JobRunning, at, JobAssigned)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) CompleteJobAndCreatePayment(ctx context.Context, jobID, agentID string, at time.Time, p *Payment) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET state = $3, completed_at = $4, payment_id = $5
			WHERE job_id = $1 AND assigned_agent_id = $2 AND state = $6
		`, jobID, agentID, JobCompleted, at, p.PaymentID, JobRunning)
		if err != nil {
			return pgErr(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}

		_, err = tx.Exec(ctx, `
			UPDATE agents SET current_load = GREATEST(current_load - 1, 0), updated_at = NOW()
			WHERE agent_id = $1
		`, agentID)
		if err != nil {
			return pgErr(err)
		}

		// The UNIQUE constraint on payments.job_id enforces at most one
		// payment per job inside the same transaction.
		_, err = tx.Exec(ctx, `
			INSERT INTO payments (payment_id, job_id, from_wallet, to_wallet, amount, signature, state, attempts, next_attempt_at, parked, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())
		`, p.PaymentID, p.JobID, p.FromWallet, p.ToWallet, p.Amount, p.Signature, p.State, p.Attempts, p.NextAttemptAt, p.Parked)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return pgErr(err)
		}
		return nil
	})
}

func (s *PostgresStore) RequeueJob(ctx context.Context, jobID string, retryCount int, priority JobPriority, reason string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var agentID string
		err := tx.QueryRow(ctx, `
			UPDATE jobs SET state = $2, retry_count = $3, priority = $4, last_error = $5,
				assigned_agent_id = '', assigned_at = NULL, started_at = NULL
			WHERE job_id = $1 AND state IN ($6, $7)
			RETURNING (SELECT assigned_agent_id FROM jobs WHERE job_id = $1)
		`, jobID, JobQueued, retryCount, priority, reason, JobAssigned, JobRunning).Scan(&agentID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConflict
		}
		if err != nil {
			return pgErr(err)
		}

		if agentID != "" {
			_, err = tx.Exec(ctx, `
				UPDATE agents SET current_load = GREATEST(current_load - 1, 0), updated_at = NOW()
				WHERE agent_id = $1
			`, agentID)
			if err != nil {
				return pgErr(err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) AbandonJob(ctx context.Context, jobID, reason string, at time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var agentID string
		err := tx.QueryRow(ctx, `
			UPDATE jobs SET state = $2, last_error = $3, completed_at = $4,
				assigned_agent_id = '', assigned_at = NULL, started_at = NULL
			WHERE job_id = $1 AND state IN ($5, $6)
			RETURNING (SELECT assigned_agent_id FROM jobs WHERE job_id = $1)
		`, jobID, JobAbandoned, reason, at, JobAssigned, JobRunning).Scan(&agentID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConflict
		}
		if err != nil {
			return pgErr(err)
		}

		if agentID != "" {
			_, err = tx.Exec(ctx, `
				UPDATE agents SET current_load = GREATEST(current_load - 1, 0), updated_at = NOW()
				WHERE agent_id = $1
			`, agentID)
			if err != nil {
				return pgErr(err)
			}
		}
		return nil
	})
}

// --- Payment operations ---

const paymentColumns = `payment_id, job_id, from_wallet, to_wallet, amount, signature, state,
	attempts, next_attempt_at, parked, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.PaymentID, &p.JobID, &p.FromWallet, &p.ToWallet, &p.Amount, &p.Signature, &p.State,
		&p.Attempts, &p.NextAttemptAt, &p.Parked, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, pgErr(err)
	}
	return &p, nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id = $1`
	return scanPayment(s.pool.QueryRow(ctx, query, paymentID))
}

func (s *PostgresStore) GetPaymentByJob(ctx context.Context, jobID string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE job_id = $1`
	return scanPayment(s.pool.QueryRow(ctx, query, jobID))
}

func (s *PostgresStore) ListPaymentsDue(ctx context.Context, now time.Time) ([]*Payment, error) {
	query := `
		SELECT ` + paymentColumns + ` FROM payments
		WHERE state != $1 AND parked = FALSE AND next_attempt_at <= $2
		ORDER BY next_attempt_at ASC
	`
	rows, err := s.pool.Query(ctx, query, PaymentConfirmed, now)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, pgErr(rows.Err())
}

func (s *PostgresStore) UpdatePayment(ctx context.Context, p *Payment) error {
	query := `
		UPDATE payments SET signature = $2, state = $3, attempts = $4, next_attempt_at = $5, parked = $6, updated_at = NOW()
		WHERE payment_id = $1
	`
	tag, err := s.pool.Exec(ctx, query, p.PaymentID, p.Signature, p.State, p.Attempts, p.NextAttemptAt, p.Parked)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SumPayments(ctx context.Context) (int, float64, error) {
	var count int
	var total float64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM payments`).Scan(&count, &total)
	if err != nil {
		return 0, 0, pgErr(err)
	}
	return count, total, nil
}
