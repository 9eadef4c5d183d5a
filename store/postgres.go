package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq" // load the postgres driver
	"github.com/sirupsen/logrus"
)

// Postgres is a PostgreSQL database that's also a BuildStore.
type Postgres struct {
	db *sql.DB
}

// NewPostgres returns a BuildStore backed by PostgreSQL. It connects to
// the database using connstr. The connection is opened lazily, so a bad
// connstr surfaces on the first query rather than here.
func NewPostgres(connstr string) (BuildStore, error) {
	logger = logger.WithField("store", "postgres")

	logger.Debug("connecting to database")

	db, err := sql.Open("postgres", connstr)
	if err != nil {
		logger.WithField("error", err).Debug("unable to connect to database")
		return nil, err
	}

	return &Postgres{
		db: db,
	}, nil
}

// CreateBuild saves the build in the database. The scheduler assigns
// build IDs, so unlike most inserts nothing is read back.
func (st *Postgres) CreateBuild(b *Build) error {
	logger := logger.WithFields(logrus.Fields{
		"build": b.ID,
		"job":   b.Job,

		"query": "create_build",
	})

	sqlinsert := `
	INSERT INTO builds (id, job, repo, ref, commit_sha, delivery, received_at,
		state, error, started_at, finished_at)
	VALUES
		($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`

	logger.Debug("saving build")

	_, err := st.db.Exec(sqlinsert, int64(b.ID), b.Job, b.Trigger.Repo,
		b.Trigger.Ref, b.Trigger.SHA, b.Trigger.Delivery, b.Trigger.ReceivedAt,
		string(b.State), b.Error, b.StartedAt, b.FinishedAt)
	if err != nil {
		logger.WithError(err).Debug("unable to insert build")
		return err
	}

	return st.saveStageResults(b)
}

// UpdateBuild writes the build's current state, error and timestamps,
// and appends any stage results not yet stored. If the build doesn't
// exist it returns ErrBuildNotFound.
func (st *Postgres) UpdateBuild(b *Build) error {
	logger := logger.WithFields(logrus.Fields{
		"build": b.ID,
		"state": b.State,

		"query": "update_build",
	})

	sqlupdate := `
	UPDATE builds
	SET state = $1, error = $2, started_at = $3, finished_at = $4
	WHERE builds.id = $5
	`

	logger.Debug("updating build")

	res, err := st.db.Exec(sqlupdate, string(b.State), b.Error,
		b.StartedAt, b.FinishedAt, int64(b.ID))
	if err != nil {
		logger.WithError(err).Debug("unable to update build")
		return err
	}

	count, err := res.RowsAffected()
	if err != nil {
		logger.WithError(err).Debug("unable to count affected rows")
		return err
	}
	if count == 0 {
		return ErrBuildNotFound
	}

	return st.saveStageResults(b)
}

// saveStageResults appends the build's stage results. Rows are keyed on
// (build_id, seq) and never rewritten, so replaying an update after a
// crash is harmless.
func (st *Postgres) saveStageResults(b *Build) error {
	logger := logger.WithFields(logrus.Fields{
		"build": b.ID,

		"query": "save_stage_results",
	})

	sqlinsert := `
	INSERT INTO stage_results (build_id, seq, name, status, exit_detail,
		logs_ref, duration_ns, transfers)
	VALUES
		($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (build_id, seq) DO NOTHING;
	`

	for i, r := range b.StageResults {
		var transfers sql.NullString
		if len(r.Transfers) > 0 {
			buf, err := json.Marshal(r.Transfers)
			if err != nil {
				logger.WithError(err).WithField("stage", r.Name).
					Debug("unable to marshal transfer results")
				return err
			}
			transfers = sql.NullString{String: string(buf), Valid: true}
		}

		_, err := st.db.Exec(sqlinsert, int64(b.ID), i, r.Name,
			string(r.Status), r.ExitDetail, r.LogsRef, int64(r.Duration),
			transfers)
		if err != nil {
			logger.WithError(err).WithField("stage", r.Name).
				Debug("unable to insert stage result")
			return err
		}
	}

	return nil
}

// GetBuild retrieves the build with the given ID from postgres, along
// with its stage results in execution order. If the build isn't found
// it returns ErrBuildNotFound.
func (st *Postgres) GetBuild(id uint64) (Build, error) {
	logger := logger.WithField("build", id)
	logger.Debug("getting build from postgres")

	sqlq := `
	SELECT b.id, b.job, b.repo, b.ref, b.commit_sha, b.delivery, b.received_at,
		b.state, b.error, b.started_at, b.finished_at
	FROM builds AS b
	WHERE b.id = $1;
	`

	b := Build{}
	var state string
	err := st.db.QueryRow(sqlq, int64(id)).Scan(&b.ID, &b.Job,
		&b.Trigger.Repo, &b.Trigger.Ref, &b.Trigger.SHA, &b.Trigger.Delivery,
		&b.Trigger.ReceivedAt, &state, &b.Error, &b.StartedAt, &b.FinishedAt)
	if err != nil {
		logger.WithError(err).Debug("unable to query row")
		if err == sql.ErrNoRows {
			return b, ErrBuildNotFound
		}
		return b, err
	}
	b.State = BuildState(state)

	results, err := st.getStageResults(id)
	if err != nil {
		return b, err
	}
	b.StageResults = results

	return b, nil
}

func (st *Postgres) getStageResults(id uint64) ([]StageResult, error) {
	logger := logger.WithFields(logrus.Fields{
		"build": id,

		"query": "get_stage_results",
	})

	sqlq := `
	SELECT name, status, exit_detail, logs_ref, duration_ns, transfers
	FROM stage_results
	WHERE stage_results.build_id = $1
	ORDER BY seq;
	`

	rows, err := st.db.Query(sqlq, int64(id))
	if err != nil {
		logger.WithError(err).Debug("unable to query database")
		return nil, err
	}
	defer rows.Close()

	results := []StageResult{}
	for rows.Next() {
		r := StageResult{}
		var status string
		var duration int64
		var transfers sql.NullString

		err := rows.Scan(&r.Name, &status, &r.ExitDetail, &r.LogsRef,
			&duration, &transfers)
		if err != nil {
			logger.WithError(err).Debug("unable to scan row")
			return results, err
		}

		r.Status = StageStatus(status)
		r.Duration = time.Duration(duration)

		if transfers.Valid {
			err := json.Unmarshal([]byte(transfers.String), &r.Transfers)
			if err != nil {
				logger.WithError(err).Debug("unable to unmarshal transfer results")
				return results, err
			}
		}

		results = append(results, r)
	}

	return results, rows.Err()
}

// GetBuilds retrieves builds newest first, optionally filtered by job.
// Builds come back as previews, without stage results.
func (st *Postgres) GetBuilds(job string, limit int) ([]Build, error) {
	logger := logger.WithFields(logrus.Fields{
		"job":   job,
		"limit": limit,

		"query": "get_builds",
	})

	sqlq := `
	SELECT b.id, b.job, b.repo, b.ref, b.commit_sha, b.delivery, b.received_at,
		b.state, b.error, b.started_at, b.finished_at
	FROM builds AS b
	WHERE ($1 = '' OR b.job = $1)
	ORDER BY b.id DESC
	LIMIT $2;
	`

	logger.Debug("fetching builds from postgres")

	rows, err := st.db.Query(sqlq, job, limit)
	if err != nil {
		logger.WithError(err).Debug("unable to query database")
		return nil, err
	}
	defer rows.Close()

	builds := []Build{}
	for rows.Next() {
		b := Build{}
		var state string

		err := rows.Scan(&b.ID, &b.Job, &b.Trigger.Repo, &b.Trigger.Ref,
			&b.Trigger.SHA, &b.Trigger.Delivery, &b.Trigger.ReceivedAt,
			&state, &b.Error, &b.StartedAt, &b.FinishedAt)
		if err != nil {
			logger.WithError(err).Debug("unable to scan row")
			return builds, err
		}

		b.State = BuildState(state)
		builds = append(builds, b)
	}

	return builds, rows.Err()
}

// LastBuildID returns the highest build ID ever stored, or zero when the
// builds table is empty. The scheduler seeds its counter from this so
// IDs keep increasing across restarts.
func (st *Postgres) LastBuildID() (uint64, error) {
	sqlq := `
	SELECT COALESCE(MAX(id), 0)
	FROM builds;
	`

	var id int64
	err := st.db.QueryRow(sqlq).Scan(&id)
	if err != nil {
		logger.WithError(err).Debug("unable to query last build id")
		return 0, err
	}

	return uint64(id), nil
}
