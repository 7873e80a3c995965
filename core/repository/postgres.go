package repository

import "context"

// Postgres is the Store backed by the repositories above
type Postgres struct {
	*TrainingJobRepository
	*EvaluationRepository
	*DeploymentRepository
	*EventRepository
	*AlertRepository
	db *DB
}

var _ Store = (*Postgres)(nil)

func NewPostgres(db *DB) *Postgres {
	return &Postgres{
		TrainingJobRepository: NewTrainingJobRepository(db),
		EvaluationRepository:  NewEvaluationRepository(db),
		DeploymentRepository:  NewDeploymentRepository(db),
		EventRepository:       NewEventRepository(db),
		AlertRepository:       NewAlertRepository(db),
		db:                    db,
	}
}

// Ping checks that the database is reachable
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
