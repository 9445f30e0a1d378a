package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// runRecord is the relational shape of a run. It keeps the same key
// attributes as the DynamoDB item so both backends share key builders.
type runRecord struct {
	PK          string `gorm:"column:pk;primaryKey;size:255"`
	SK          string `gorm:"column:sk;primaryKey;size:32"`
	GSI1PK      string `gorm:"column:gsi1pk;not null;index:idx_test_runs_gsi1,priority:1"`
	GSI1SK      string `gorm:"column:gsi1sk;not null;index:idx_test_runs_gsi1,priority:2"`
	RunID       string `gorm:"column:run_id;not null"`
	Brand       string `gorm:"column:brand;not null;index"`
	Environment string `gorm:"column:environment;not null"`
	Status      string `gorm:"column:status;not null"`
	StartedAt   string `gorm:"column:started_at;not null"`
	CompletedAt string `gorm:"column:completed_at"`
	UpdatedAt   string `gorm:"column:updated_at;not null"`
	TTL         int64  `gorm:"column:ttl;not null;index"`
	CIRunID     string `gorm:"column:ci_run_id"`
	Conclusion  string `gorm:"column:conclusion"`
	CommitSHA   string `gorm:"column:commit_sha"`
	Actor       string `gorm:"column:actor"`
	Duration    int64  `gorm:"column:duration"`

	// Test counts serialized as JSON.
	TestsJSON string `gorm:"column:tests_json;type:text"`
}

func (runRecord) TableName() string {
	return "test_runs"
}

// artifactRecord is one artifact reference of a run. The composite primary
// key gives artifact references set semantics.
type artifactRecord struct {
	RunPK string `gorm:"column:run_pk;primaryKey;size:255"`
	Ref   string `gorm:"column:ref;primaryKey;size:1024"`
}

func (artifactRecord) TableName() string {
	return "test_run_artifacts"
}

func newRunRecord(r *TestRun) (*runRecord, error) {
	k := r.Keys()

	rec := &runRecord{
		PK:          k.PK,
		SK:          k.SK,
		GSI1PK:      k.GSI1PK,
		GSI1SK:      k.GSI1SK,
		RunID:       r.RunID,
		Brand:       r.Brand,
		Environment: r.Environment,
		Status:      string(r.Status),
		StartedAt:   FormatTimestamp(r.StartedAt),
		UpdatedAt:   FormatTimestamp(r.UpdatedAt),
		TTL:         r.ExpiresAt.Unix(),
		CIRunID:     r.CIRunID,
		Conclusion:  r.Conclusion,
		CommitSHA:   r.Commit,
		Actor:       r.Actor,
		Duration:    r.Duration,
	}

	if r.CompletedAt != nil {
		rec.CompletedAt = FormatTimestamp(*r.CompletedAt)
	}

	if r.Tests != nil {
		data, err := json.Marshal(r.Tests)
		if err != nil {
			return nil, fmt.Errorf("marshaling test summary: %w", err)
		}

		rec.TestsJSON = string(data)
	}

	return rec, nil
}

func (rec *runRecord) toRun(refs []string) (*TestRun, error) {
	item := runItem{
		RunID:        rec.RunID,
		Brand:        rec.Brand,
		Environment:  rec.Environment,
		Status:       rec.Status,
		StartedAt:    rec.StartedAt,
		CompletedAt:  rec.CompletedAt,
		UpdatedAt:    rec.UpdatedAt,
		ArtifactRefs: refs,
		TTL:          rec.TTL,
		CIRunID:      rec.CIRunID,
		Conclusion:   rec.Conclusion,
		Commit:       rec.CommitSHA,
		Actor:        rec.Actor,
		Duration:     rec.Duration,
	}

	if rec.TestsJSON != "" {
		var summary TestSummary
		if err := json.Unmarshal([]byte(rec.TestsJSON), &summary); err != nil {
			return nil, fmt.Errorf("unmarshaling test summary: %w", err)
		}

		item.Tests = &summary
	}

	return item.toRun()
}

type sqlStore struct {
	log       logrus.FieldLogger
	cfg       *config.RunStoreConfig
	retention time.Duration
	db        *gorm.DB
	opts      options
}

// Compile-time interface check.
var _ Store = (*sqlStore)(nil)

// NewSQLStore creates a store backed by SQLite or PostgreSQL.
func NewSQLStore(log logrus.FieldLogger, cfg *config.RunStoreConfig, opts ...Option) Store {
	return &sqlStore{
		log:       log.WithField("component", "run-store"),
		cfg:       cfg,
		retention: cfg.Retention,
		opts:      buildOptions(opts),
	}
}

// Start opens the database connection and runs migrations.
func (s *sqlStore) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case config.RunStoreDriverSQLite:
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case config.RunStoreDriverPostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening run database: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps an
	// in-memory database alive for the lifetime of the store.
	if s.cfg.Driver == config.RunStoreDriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&runRecord{},
		&artifactRecord{},
	); err != nil {
		return fmt.Errorf("running run store migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Run store connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *sqlStore) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *sqlStore) CreateRun(ctx context.Context, brand, environment string) (*TestRun, error) {
	if err := validateCreate(brand, environment); err != nil {
		return nil, err
	}

	run := newPendingRun(s.opts, s.retention, brand, environment)

	rec, err := newRunRecord(run)
	if err != nil {
		return nil, err
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if result.Error != nil {
		return nil, fmt.Errorf("inserting run: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrConflict, run.RunID)
	}

	s.log.WithFields(logrus.Fields{
		"run_id":      run.RunID,
		"brand":       brand,
		"environment": environment,
	}).Info("Created run")

	return run, nil
}

func (s *sqlStore) UpdateRunStatus(
	ctx context.Context,
	brand, runID string,
	update StatusUpdate,
) (*TestRun, error) {
	if err := validateIdentity(brand, runID); err != nil {
		return nil, err
	}

	if !update.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, update.Status)
	}

	now := s.opts.now().UTC()
	pk := RunPK(brand, runID)

	sources := make([]string, 0, len(AllStatuses))
	for _, st := range AllowedSources(update.Status) {
		sources = append(sources, string(st))
	}

	values := map[string]any{
		"status":     string(update.Status),
		"gsi1pk":     StatusGSI1PK(brand, update.Status),
		"updated_at": FormatTimestamp(now),
	}

	if update.Status.Terminal() {
		values["completed_at"] = FormatTimestamp(now)
	}

	if err := setOptionalColumns(values, update); err != nil {
		return nil, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(sources) == 0 {
			return classifyRecord(tx, pk, now, update.Status)
		}

		result := tx.Model(&runRecord{}).
			Where("pk = ? AND sk = ? AND ttl > ? AND status IN ?",
				pk, MetadataSK, now.Unix(), sources).
			Updates(values)
		if result.Error != nil {
			return fmt.Errorf("updating run: %w", result.Error)
		}

		if result.RowsAffected == 0 {
			return classifyRecord(tx, pk, now, update.Status)
		}

		return insertArtifacts(tx, pk, update.ArtifactRefs)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"run_id": runID,
		"brand":  brand,
		"status": update.Status,
	}).Info("Updated run status")

	return s.load(ctx, pk)
}

func (s *sqlStore) AppendArtifacts(ctx context.Context, brand, runID string, refs []string) (*TestRun, error) {
	if err := validateIdentity(brand, runID); err != nil {
		return nil, err
	}

	now := s.opts.now().UTC()
	pk := RunPK(brand, runID)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&runRecord{}).
			Where("pk = ? AND sk = ? AND ttl > ?", pk, MetadataSK, now.Unix()).
			Update("updated_at", FormatTimestamp(now))
		if result.Error != nil {
			return fmt.Errorf("updating run: %w", result.Error)
		}

		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, brand, runID)
		}

		return insertArtifacts(tx, pk, refs)
	})
	if err != nil {
		return nil, err
	}

	return s.load(ctx, pk)
}

func (s *sqlStore) GetRun(ctx context.Context, brand, runID string) (*TestRun, error) {
	if err := validateIdentity(brand, runID); err != nil {
		return nil, err
	}

	run, err := s.load(ctx, RunPK(brand, runID))
	if err != nil {
		return nil, err
	}

	if run.Expired(s.opts.now()) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, brand, runID)
	}

	return run, nil
}

func (s *sqlStore) ListRuns(ctx context.Context, q ListQuery) (*ListResult, error) {
	q, err := normalizeListQuery(q)
	if err != nil {
		return nil, err
	}

	state, err := decodeCursor(q.Cursor, q)
	if err != nil {
		return nil, err
	}

	now := s.opts.now().UTC()
	cur := state.Partitions[singlePartition]

	statuses := AllStatuses
	if q.Status != "" {
		statuses = []Status{q.Status}
	}

	partitions := make([]string, 0, len(statuses))
	for _, st := range statuses {
		partitions = append(partitions, StatusGSI1PK(q.Brand, st))
	}

	db := s.db.WithContext(ctx).
		Where("gsi1pk IN ? AND sk = ? AND ttl > ?", partitions, MetadataSK, now.Unix())

	if from := rangeBound(q.StartedFrom); from != "" {
		db = db.Where("gsi1sk >= ?", from)
	}

	if to := rangeBound(q.StartedTo); to != "" {
		db = db.Where("gsi1sk <= ?", to)
	}

	if len(cur.After) > 0 {
		after := cur.After[AttrGSI1SK]
		db = db.Where("(gsi1sk < ? OR (gsi1sk = ? AND pk < ?))", after, after, cur.After[AttrPK])
	}

	var recs []runRecord
	if err := db.
		Order("gsi1sk DESC").
		Order("pk DESC").
		Limit(q.Limit + 1).
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	more := len(recs) > q.Limit
	if more {
		recs = recs[:q.Limit]
	}

	runs, err := s.withArtifacts(ctx, recs)
	if err != nil {
		return nil, err
	}

	next := partitionCursor{Done: true}
	if more {
		next = partitionCursor{After: runs[len(runs)-1].Keys().Map()}
	}

	state.Partitions[singlePartition] = next

	token, err := encodeCursor(state)
	if err != nil {
		return nil, err
	}

	return &ListResult{Runs: runs, NextCursor: token}, nil
}

// load reads a run by partition key regardless of expiry.
func (s *sqlStore) load(ctx context.Context, pk string) (*TestRun, error) {
	var rec runRecord

	err := s.db.WithContext(ctx).
		Where("pk = ? AND sk = ?", pk, MetadataSK).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, pk)
	}

	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	runs, err := s.withArtifacts(ctx, []runRecord{rec})
	if err != nil {
		return nil, err
	}

	return &runs[0], nil
}

func (s *sqlStore) withArtifacts(ctx context.Context, recs []runRecord) ([]TestRun, error) {
	out := make([]TestRun, 0, len(recs))
	if len(recs) == 0 {
		return out, nil
	}

	pks := make([]string, 0, len(recs))
	for _, rec := range recs {
		pks = append(pks, rec.PK)
	}

	var arts []artifactRecord
	if err := s.db.WithContext(ctx).
		Where("run_pk IN ?", pks).
		Order("ref").
		Find(&arts).Error; err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}

	refs := make(map[string][]string, len(recs))
	for _, a := range arts {
		refs[a.RunPK] = append(refs[a.RunPK], a.Ref)
	}

	for i := range recs {
		run, err := recs[i].toRun(refs[recs[i].PK])
		if err != nil {
			return nil, err
		}

		out = append(out, *run)
	}

	return out, nil
}

func insertArtifacts(tx *gorm.DB, pk string, refs []string) error {
	refs = mergeRefs(nil, refs)
	if len(refs) == 0 {
		return nil
	}

	recs := make([]artifactRecord, 0, len(refs))
	for _, ref := range refs {
		recs = append(recs, artifactRecord{RunPK: pk, Ref: ref})
	}

	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&recs).Error; err != nil {
		return fmt.Errorf("inserting artifacts: %w", err)
	}

	return nil
}

// classifyRecord explains why a conditional update matched no row.
func classifyRecord(tx *gorm.DB, pk string, now time.Time, to Status) error {
	var rec runRecord

	err := tx.Where("pk = ? AND sk = ?", pk, MetadataSK).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, pk)
	}

	if err != nil {
		return fmt.Errorf("getting run: %w", err)
	}

	if rec.TTL <= now.Unix() {
		return fmt.Errorf("%w: %s", ErrNotFound, pk)
	}

	return &TransitionError{From: Status(rec.Status), To: to}
}

func setOptionalColumns(values map[string]any, update StatusUpdate) error {
	if update.CIRunID != "" {
		values["ci_run_id"] = update.CIRunID
	}

	if update.Conclusion != "" {
		values["conclusion"] = update.Conclusion
	}

	if update.Commit != "" {
		values["commit_sha"] = update.Commit
	}

	if update.Actor != "" {
		values["actor"] = update.Actor
	}

	if update.Duration > 0 {
		values["duration"] = update.Duration
	}

	if update.Tests != nil {
		data, err := json.Marshal(update.Tests)
		if err != nil {
			return fmt.Errorf("marshaling test summary: %w", err)
		}

		values["tests_json"] = string(data)
	}

	return nil
}
