// Package mongo hosts the MongoDB client used by the workflow repository.
// It exposes only the operations the repository needs so tests can swap in
// fakes without a running server.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/paigeant/repository"
)

const (
	defaultWorkflowsCollection = "workflows"
	defaultStepsCollection     = "steps"
	defaultOpTimeout           = 5 * time.Second
	clientName                 = "workflow-mongo"
)

// Client exposes Mongo-backed operations for workflow lifecycle records.
type Client interface {
	health.Pinger

	UpsertWorkflow(ctx context.Context, rec repository.WorkflowRecord) error
	InsertStepIfAbsent(ctx context.Context, rec repository.StepRecord) error
	UpdateStep(ctx context.Context, key repository.StepKey, attempt int, status, stepErr, outputRef string, finishedAt time.Time) error
	FindWorkflow(ctx context.Context, correlationID string) (*repository.WorkflowRecord, error)
	FindWorkflows(ctx context.Context, filter repository.Filter) ([]*repository.WorkflowRecord, error)
	FindSteps(ctx context.Context, correlationID string) ([]*repository.StepRecord, error)
}

// Options configures the Mongo workflow client.
type Options struct {
	// Client is the connected driver client. Required.
	Client *mongodriver.Client
	// Database names the database holding both collections. Required.
	Database string
	// Workflows and Steps override the collection names.
	Workflows string
	Steps     string
	// Timeout bounds individual operations. Defaults to 5s.
	Timeout time.Duration
}

type client struct {
	mongo     *mongodriver.Client
	workflows *mongodriver.Collection
	steps     *mongodriver.Collection
	timeout   time.Duration
}

type workflowDocument struct {
	CorrelationID string    `bson:"correlation_id"`
	Status        string    `bson:"status"`
	SnapshotJSON  string    `bson:"snapshot_json,omitempty"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

type stepDocument struct {
	CorrelationID string    `bson:"correlation_id"`
	AgentName     string    `bson:"agent_name"`
	RunID         string    `bson:"run_id"`
	Attempt       int       `bson:"attempt"`
	Status        string    `bson:"status"`
	Error         string    `bson:"error,omitempty"`
	OutputRef     string    `bson:"output_ref,omitempty"`
	StartedAt     time.Time `bson:"started_at,omitempty"`
	FinishedAt    time.Time `bson:"finished_at,omitempty"`
}

// New returns a Client backed by MongoDB. It ensures the unique step index
// the insert-or-ignore semantics rely on.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	workflows := opts.Workflows
	if workflows == "" {
		workflows = defaultWorkflowsCollection
	}
	steps := opts.Steps
	if steps == "" {
		steps = defaultStepsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:     opts.Client,
		workflows: db.Collection(workflows),
		steps:     db.Collection(steps),
		timeout:   timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) ensureIndexes(ctx context.Context) error {
	_, err := c.workflows.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "correlation_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = c.steps.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "correlation_id", Value: 1},
			{Key: "agent_name", Value: 1},
			{Key: "run_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// Name implements health.Pinger.
func (c *client) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// UpsertWorkflow writes the workflow document, preserving created_at across
// updates with $setOnInsert.
func (c *client) UpsertWorkflow(ctx context.Context, rec repository.WorkflowRecord) error {
	if rec.CorrelationID == "" {
		return errors.New("correlation id is required")
	}
	now := time.Now().UTC()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$set": bson.M{
			"status":        rec.Status,
			"snapshot_json": string(rec.Snapshot),
			"updated_at":    now,
		},
		"$setOnInsert": bson.M{
			"correlation_id": rec.CorrelationID,
			"created_at":     now,
		},
	}
	_, err := c.workflows.UpdateOne(ctx,
		bson.M{"correlation_id": rec.CorrelationID},
		update, options.UpdateOne().SetUpsert(true))
	return err
}

// InsertStepIfAbsent writes the step document only when no document exists
// for the key: an upsert whose update is entirely $setOnInsert.
func (c *client) InsertStepIfAbsent(ctx context.Context, rec repository.StepRecord) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$setOnInsert": bson.M{
			"correlation_id": rec.CorrelationID,
			"agent_name":     rec.AgentName,
			"run_id":         rec.RunID,
			"attempt":        rec.Attempt,
			"status":         rec.Status,
			"started_at":     rec.StartedAt,
		},
	}
	_, err := c.steps.UpdateOne(ctx, bson.M{
		"correlation_id": rec.CorrelationID,
		"agent_name":     rec.AgentName,
		"run_id":         rec.RunID,
	}, update, options.UpdateOne().SetUpsert(true))
	return err
}

// UpdateStep unconditionally updates the owned step document.
func (c *client) UpdateStep(ctx context.Context, key repository.StepKey, attempt int, status, stepErr, outputRef string, finishedAt time.Time) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.steps.UpdateOne(ctx, bson.M{
		"correlation_id": key.CorrelationID,
		"agent_name":     key.AgentName,
		"run_id":         key.RunID,
	}, bson.M{
		"$set": bson.M{
			"attempt":     attempt,
			"status":      status,
			"error":       stepErr,
			"output_ref":  outputRef,
			"finished_at": finishedAt,
		},
	})
	return err
}

// FindWorkflow loads one workflow document.
func (c *client) FindWorkflow(ctx context.Context, correlationID string) (*repository.WorkflowRecord, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc workflowDocument
	err := c.workflows.FindOne(ctx, bson.M{"correlation_id": correlationID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toRecord(), nil
}

// FindWorkflows lists workflow documents matching the filter, most recently
// updated first.
func (c *client) FindWorkflows(ctx context.Context, filter repository.Filter) ([]*repository.WorkflowRecord, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if filter.Limit > 0 {
		opts = opts.SetLimit(int64(filter.Limit))
	}
	cur, err := c.workflows.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*repository.WorkflowRecord
	for cur.Next(ctx) {
		var doc workflowDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRecord())
	}
	return out, cur.Err()
}

// FindSteps lists the workflow's step documents in start order.
func (c *client) FindSteps(ctx context.Context, correlationID string) ([]*repository.StepRecord, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.steps.Find(ctx, bson.M{"correlation_id": correlationID},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*repository.StepRecord
	for cur.Next(ctx) {
		var doc stepDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, &repository.StepRecord{
			CorrelationID: doc.CorrelationID,
			AgentName:     doc.AgentName,
			RunID:         doc.RunID,
			Attempt:       doc.Attempt,
			Status:        doc.Status,
			Error:         doc.Error,
			OutputRef:     doc.OutputRef,
			StartedAt:     doc.StartedAt,
			FinishedAt:    doc.FinishedAt,
		})
	}
	return out, cur.Err()
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (d workflowDocument) toRecord() *repository.WorkflowRecord {
	rec := &repository.WorkflowRecord{
		CorrelationID: d.CorrelationID,
		Status:        d.Status,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if d.SnapshotJSON != "" {
		rec.Snapshot = []byte(d.SnapshotJSON)
	}
	return rec
}
