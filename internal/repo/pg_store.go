package repo

import "github.com/jackc/pgx/v5/pgxpool"

// PGStore — Store поверх PostgreSQL.
type PGStore struct {
	*AttemptRepo
	*ProjectRepo
	*ScheduleRepo
}

var _ Store = (*PGStore)(nil)

// NewPGStore создаёт Store на пуле подключений.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{
		AttemptRepo:  NewAttemptRepo(pool),
		ProjectRepo:  NewProjectRepo(pool),
		ScheduleRepo: NewScheduleRepo(pool),
	}
}
