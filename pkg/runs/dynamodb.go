package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxListRounds bounds the number of query rounds one ListRuns call makes
// while filling a page.
const maxListRounds = 8

// Attribute names used in expressions.
const (
	attrStatus       = "status"
	attrTTL          = "ttl"
	attrUpdatedAt    = "updatedAt"
	attrCompletedAt  = "completedAt"
	attrStartedAt    = "startedAt"
	attrArtifactRefs = "artifactRefs"
	attrCIRunID      = "ciRunId"
	attrConclusion   = "conclusion"
	attrCommit       = "commit"
	attrActor        = "actor"
	attrDuration     = "duration"
	attrTests        = "tests"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the store.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// runItem is the stored shape of a run. The status index projects all
// attributes so that listing needs no follow-up reads.
type runItem struct {
	PK           string       `dynamodbav:"pk"`
	SK           string       `dynamodbav:"sk"`
	GSI1PK       string       `dynamodbav:"gsi1pk"`
	GSI1SK       string       `dynamodbav:"gsi1sk"`
	RunID        string       `dynamodbav:"runId"`
	Brand        string       `dynamodbav:"brand"`
	Environment  string       `dynamodbav:"environment"`
	Status       string       `dynamodbav:"status"`
	StartedAt    string       `dynamodbav:"startedAt"`
	CompletedAt  string       `dynamodbav:"completedAt,omitempty"`
	UpdatedAt    string       `dynamodbav:"updatedAt"`
	ArtifactRefs []string     `dynamodbav:"artifactRefs,stringset,omitempty"`
	TTL          int64        `dynamodbav:"ttl"`
	CIRunID      string       `dynamodbav:"ciRunId,omitempty"`
	Conclusion   string       `dynamodbav:"conclusion,omitempty"`
	Commit       string       `dynamodbav:"commit,omitempty"`
	Actor        string       `dynamodbav:"actor,omitempty"`
	Duration     int64        `dynamodbav:"duration,omitempty"`
	Tests        *TestSummary `dynamodbav:"tests,omitempty"`
}

func newRunItem(r *TestRun) runItem {
	k := r.Keys()

	item := runItem{
		PK:           k.PK,
		SK:           k.SK,
		GSI1PK:       k.GSI1PK,
		GSI1SK:       k.GSI1SK,
		RunID:        r.RunID,
		Brand:        r.Brand,
		Environment:  r.Environment,
		Status:       string(r.Status),
		StartedAt:    FormatTimestamp(r.StartedAt),
		UpdatedAt:    FormatTimestamp(r.UpdatedAt),
		ArtifactRefs: r.ArtifactRefs,
		TTL:          r.ExpiresAt.Unix(),
		CIRunID:      r.CIRunID,
		Conclusion:   r.Conclusion,
		Commit:       r.Commit,
		Actor:        r.Actor,
		Duration:     r.Duration,
		Tests:        r.Tests,
	}

	if r.CompletedAt != nil {
		item.CompletedAt = FormatTimestamp(*r.CompletedAt)
	}

	return item
}

func (it *runItem) toRun() (*TestRun, error) {
	startedAt, err := ParseTimestamp(it.StartedAt)
	if err != nil {
		return nil, err
	}

	updatedAt, err := ParseTimestamp(it.UpdatedAt)
	if err != nil {
		return nil, err
	}

	refs := it.ArtifactRefs
	if refs == nil {
		refs = []string{}
	}

	run := &TestRun{
		RunID:        it.RunID,
		Brand:        it.Brand,
		Environment:  it.Environment,
		Status:       Status(it.Status),
		StartedAt:    startedAt,
		UpdatedAt:    updatedAt,
		ArtifactRefs: sortedRefs(refs),
		ExpiresAt:    time.Unix(it.TTL, 0).UTC(),
		CIRunID:      it.CIRunID,
		Conclusion:   it.Conclusion,
		Commit:       it.Commit,
		Actor:        it.Actor,
		Duration:     it.Duration,
		Tests:        it.Tests,
	}

	if it.CompletedAt != "" {
		completedAt, err := ParseTimestamp(it.CompletedAt)
		if err != nil {
			return nil, err
		}

		run.CompletedAt = &completedAt
	}

	return run, nil
}

func unmarshalRun(av map[string]types.AttributeValue) (*TestRun, error) {
	var item runItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling run: %w", err)
	}

	return item.toRun()
}

// stringSet marshals as a DynamoDB string set, which ADD merges into the
// stored set without duplicates.
type stringSet []string

func (s stringSet) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberSS{Value: s}, nil
}

type dynamoStore struct {
	log       logrus.FieldLogger
	cfg       config.DynamoDBConfig
	retention time.Duration
	client    DynamoDBAPI
	opts      options
}

// Compile-time interface check.
var _ Store = (*dynamoStore)(nil)

// NewDynamoDBStore creates a DynamoDB-backed store. A nil client is created
// from the default AWS configuration on Start.
func NewDynamoDBStore(
	log logrus.FieldLogger,
	cfg *config.RunStoreConfig,
	client DynamoDBAPI,
	opts ...Option,
) Store {
	return &dynamoStore{
		log:       log.WithField("component", "run-store"),
		cfg:       cfg.DynamoDB,
		retention: cfg.Retention,
		client:    client,
		opts:      buildOptions(opts),
	}
}

// Start creates the DynamoDB client if none was injected.
func (s *dynamoStore) Start(ctx context.Context) error {
	if s.client != nil {
		return nil
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if s.cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(s.cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return fmt.Errorf("loading aws config: %w", err)
	}

	s.client = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if s.cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(s.cfg.EndpointURL)
		}
	})

	s.log.WithFields(logrus.Fields{
		"table": s.cfg.Table,
		"index": s.cfg.IndexName,
	}).Info("Run store started")

	return nil
}

// Stop is a no-op; the DynamoDB client holds no resources.
func (s *dynamoStore) Stop() error {
	return nil
}

func (s *dynamoStore) key(brand, runID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrPK: &types.AttributeValueMemberS{Value: RunPK(brand, runID)},
		AttrSK: &types.AttributeValueMemberS{Value: MetadataSK},
	}
}

func (s *dynamoStore) CreateRun(ctx context.Context, brand, environment string) (*TestRun, error) {
	if err := validateCreate(brand, environment); err != nil {
		return nil, err
	}

	run := newPendingRun(s.opts, s.retention, brand, environment)

	av, err := attributevalue.MarshalMap(newRunItem(run))
	if err != nil {
		return nil, fmt.Errorf("marshaling run: %w", err)
	}

	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(AttrPK))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building condition: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.cfg.Table),
		Item:                     av,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, fmt.Errorf("%w: %s", ErrConflict, run.RunID)
		}

		return nil, fmt.Errorf("putting run: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id":      run.RunID,
		"brand":       brand,
		"environment": environment,
	}).Info("Created run")

	return run, nil
}

func (s *dynamoStore) UpdateRunStatus(
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

	sources := AllowedSources(update.Status)
	if len(sources) == 0 {
		return nil, s.rejectTransition(ctx, brand, runID, update.Status)
	}

	now := s.opts.now().UTC()

	upd := expression.
		Set(expression.Name(attrStatus), expression.Value(string(update.Status))).
		Set(expression.Name(AttrGSI1PK), expression.Value(StatusGSI1PK(brand, update.Status))).
		Set(expression.Name(AttrGSI1SK), expression.Name(attrStartedAt)).
		Set(expression.Name(attrUpdatedAt), expression.Value(FormatTimestamp(now)))

	if update.Status.Terminal() {
		upd = upd.Set(expression.Name(attrCompletedAt), expression.Value(FormatTimestamp(now)))
	}

	upd = setOptional(upd, update)

	if refs := mergeRefs(nil, update.ArtifactRefs); len(refs) > 0 {
		upd = upd.Add(expression.Name(attrArtifactRefs), expression.Value(stringSet(refs)))
	}

	sourceValues := make([]expression.OperandBuilder, 0, len(sources))
	for _, st := range sources {
		sourceValues = append(sourceValues, expression.Value(string(st)))
	}

	cond := s.liveCondition(now).And(
		expression.Name(attrStatus).In(sourceValues[0], sourceValues[1:]...),
	)

	run, err := s.conditionalUpdate(ctx, brand, runID, upd, cond)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, classifyConditionFailure(ccf.Item, now, update.Status)
		}

		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"run_id": runID,
		"brand":  brand,
		"status": update.Status,
	}).Info("Updated run status")

	return run, nil
}

func (s *dynamoStore) AppendArtifacts(ctx context.Context, brand, runID string, refs []string) (*TestRun, error) {
	if err := validateIdentity(brand, runID); err != nil {
		return nil, err
	}

	refs = mergeRefs(nil, refs)
	if len(refs) == 0 {
		return s.GetRun(ctx, brand, runID)
	}

	now := s.opts.now().UTC()

	upd := expression.
		Set(expression.Name(attrUpdatedAt), expression.Value(FormatTimestamp(now))).
		Add(expression.Name(attrArtifactRefs), expression.Value(stringSet(refs)))

	run, err := s.conditionalUpdate(ctx, brand, runID, upd, s.liveCondition(now))
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, brand, runID)
		}

		return nil, err
	}

	return run, nil
}

func (s *dynamoStore) GetRun(ctx context.Context, brand, runID string) (*TestRun, error) {
	if err := validateIdentity(brand, runID); err != nil {
		return nil, err
	}

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.cfg.Table),
		Key:            s.key(brand, runID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, brand, runID)
	}

	run, err := unmarshalRun(out.Item)
	if err != nil {
		return nil, err
	}

	if run.Expired(s.opts.now()) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, brand, runID)
	}

	return run, nil
}

func (s *dynamoStore) ListRuns(ctx context.Context, q ListQuery) (*ListResult, error) {
	q, err := normalizeListQuery(q)
	if err != nil {
		return nil, err
	}

	state, err := decodeCursor(q.Cursor, q)
	if err != nil {
		return nil, err
	}

	statuses := AllStatuses
	if q.Status != "" {
		statuses = []Status{q.Status}
	}

	now := s.opts.now().UTC()
	runs := make([]TestRun, 0, q.Limit)

	for round := 0; round < maxListRounds && len(runs) < q.Limit; round++ {
		var active []Status

		for _, st := range statuses {
			if !state.Partitions[string(st)].Done {
				active = append(active, st)
			}
		}

		if len(active) == 0 {
			break
		}

		remaining := q.Limit - len(runs)
		pages := make([]partitionPage, len(active))

		g, gctx := errgroup.WithContext(ctx)

		for i, st := range active {
			after := state.Partitions[string(st)].After

			g.Go(func() error {
				page, err := s.queryPartition(gctx, q, st, remaining, after, now)
				if err != nil {
					return err
				}

				pages[i] = page

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return nil, err
		}

		var got []TestRun

		got, state = mergePages(pages, remaining, state)
		runs = append(runs, got...)
	}

	next, err := encodeCursor(state)
	if err != nil {
		return nil, err
	}

	return &ListResult{Runs: runs, NextCursor: next}, nil
}

func (s *dynamoStore) queryPartition(
	ctx context.Context,
	q ListQuery,
	status Status,
	limit int,
	after map[string]string,
	now time.Time,
) (partitionPage, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(partitionKeyCondition(q, status)).
		WithFilter(expression.Name(attrTTL).GreaterThan(expression.Value(now.Unix()))).
		Build()
	if err != nil {
		return partitionPage{}, fmt.Errorf("building query: %w", err)
	}

	in := &dynamodb.QueryInput{
		TableName:                 aws.String(s.cfg.Table),
		IndexName:                 aws.String(s.cfg.IndexName),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(int32(limit)),
	}

	if len(after) > 0 {
		in.ExclusiveStartKey = make(map[string]types.AttributeValue, len(after))
		for k, v := range after {
			in.ExclusiveStartKey[k] = &types.AttributeValueMemberS{Value: v}
		}
	}

	out, err := s.client.Query(ctx, in)
	if err != nil {
		return partitionPage{}, fmt.Errorf("querying %s runs: %w", status, err)
	}

	page := partitionPage{
		Partition: string(status),
		Runs:      make([]TestRun, 0, len(out.Items)),
	}

	for _, av := range out.Items {
		run, err := unmarshalRun(av)
		if err != nil {
			return partitionPage{}, err
		}

		page.Runs = append(page.Runs, *run)
	}

	if len(out.LastEvaluatedKey) > 0 {
		page.Next = make(map[string]string, len(out.LastEvaluatedKey))

		for k, v := range out.LastEvaluatedKey {
			sv, ok := v.(*types.AttributeValueMemberS)
			if !ok {
				return partitionPage{}, fmt.Errorf("unexpected key attribute type for %q", k)
			}

			page.Next[k] = sv.Value
		}
	}

	return page, nil
}

// partitionKeyCondition selects one status partition of the index,
// narrowed to the query's start time range.
func partitionKeyCondition(q ListQuery, status Status) expression.KeyConditionBuilder {
	cond := expression.Key(AttrGSI1PK).Equal(expression.Value(StatusGSI1PK(q.Brand, status)))
	sk := expression.Key(AttrGSI1SK)
	from, to := rangeBound(q.StartedFrom), rangeBound(q.StartedTo)

	switch {
	case from != "" && to != "":
		return cond.And(sk.Between(expression.Value(from), expression.Value(to)))
	case from != "":
		return cond.And(sk.GreaterThanEqual(expression.Value(from)))
	case to != "":
		return cond.And(sk.LessThanEqual(expression.Value(to)))
	default:
		return cond
	}
}

// liveCondition matches an existing, unexpired run.
func (s *dynamoStore) liveCondition(now time.Time) expression.ConditionBuilder {
	return expression.AttributeExists(expression.Name(AttrPK)).And(
		expression.Name(attrTTL).GreaterThan(expression.Value(now.Unix())),
	)
}

func (s *dynamoStore) conditionalUpdate(
	ctx context.Context,
	brand, runID string,
	upd expression.UpdateBuilder,
	cond expression.ConditionBuilder,
) (*TestRun, error) {
	expr, err := expression.NewBuilder().WithUpdate(upd).WithCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("building update: %w", err)
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.cfg.Table),
		Key:                                 s.key(brand, runID),
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, err
		}

		return nil, fmt.Errorf("updating run: %w", err)
	}

	return unmarshalRun(out.Attributes)
}

// rejectTransition reports why a transition with no allowed source fails.
func (s *dynamoStore) rejectTransition(ctx context.Context, brand, runID string, to Status) error {
	run, err := s.GetRun(ctx, brand, runID)
	if err != nil {
		return err
	}

	return &TransitionError{From: run.Status, To: to}
}

// classifyConditionFailure maps the pre-image of a failed conditional write
// to the reason it failed.
func classifyConditionFailure(old map[string]types.AttributeValue, now time.Time, to Status) error {
	if len(old) == 0 {
		return ErrNotFound
	}

	run, err := unmarshalRun(old)
	if err != nil {
		return err
	}

	if run.Expired(now) {
		return ErrNotFound
	}

	return &TransitionError{From: run.Status, To: to}
}

func setOptional(upd expression.UpdateBuilder, update StatusUpdate) expression.UpdateBuilder {
	strs := []struct {
		name  string
		value string
	}{
		{attrCIRunID, update.CIRunID},
		{attrConclusion, update.Conclusion},
		{attrCommit, update.Commit},
		{attrActor, update.Actor},
	}

	for _, f := range strs {
		if f.value != "" {
			upd = upd.Set(expression.Name(f.name), expression.Value(f.value))
		}
	}

	if update.Duration > 0 {
		upd = upd.Set(expression.Name(attrDuration), expression.Value(update.Duration))
	}

	if update.Tests != nil {
		upd = upd.Set(expression.Name(attrTests), expression.Value(update.Tests))
	}

	return upd
}
