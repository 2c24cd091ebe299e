package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stepflow/pkg/api"
)

// MongoStore implements WorkflowStore, RunStore and JobStore on MongoDB,
// one collection per record type.
type MongoStore struct {
	workflows *mongo.Collection
	runs      *mongo.Collection
	jobs      *mongo.Collection
	now       func() time.Time
}

var (
	_ WorkflowStore = (*MongoStore)(nil)
	_ RunStore      = (*MongoStore)(nil)
	_ JobStore      = (*MongoStore)(nil)
)

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "stepflow" if empty.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "stepflow"
	}
	db := client.Database(dbName)
	return &MongoStore{
		workflows: db.Collection("workflows"),
		runs:      db.Collection("runs"),
		jobs:      db.Collection("failure_jobs"),
		now:       time.Now,
	}
}

type mongoWorkflowDoc struct {
	ID           string `bson:"_id"`
	Owner        string `bson:"owner"`
	ScheduleCron string `bson:"schedule_cron,omitempty"`
	Definition   []byte `bson:"definition"`
}

type mongoRunDoc struct {
	ID         string    `bson:"_id"`
	WorkflowID string    `bson:"workflow_id"`
	RunID      string    `bson:"run_id"`
	UserID     string    `bson:"user_id"`
	Status     string    `bson:"status"`
	Logs       []byte    `bson:"logs,omitempty"`
	Error      string    `bson:"error,omitempty"`
	CreatedAt  time.Time `bson:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

type mongoJobDoc struct {
	ID             string    `bson:"_id"`
	WorkflowID     string    `bson:"workflow_id"`
	RunID          string    `bson:"run_id"`
	UserID         string    `bson:"user_id"`
	Step           []byte    `bson:"step"`
	Attempt        int       `bson:"attempt"`
	Status         string    `bson:"status"`
	Error          string    `bson:"error"`
	Data           []byte    `bson:"data,omitempty"`
	LeaseOwner     string    `bson:"lease_owner"`
	LeaseExpiresAt int64     `bson:"lease_expires_at"` // unix nanoseconds
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func runDocID(workflowID, runID string) string {
	return workflowID + ":" + runID
}

//
// Workflows
//

func (s *MongoStore) SaveWorkflow(ctx context.Context, wf api.Workflow) error {
	def, err := EncodeValue(wf)
	if err != nil {
		return err
	}
	doc := mongoWorkflowDoc{
		ID:           wf.ID,
		Owner:        wf.Owner,
		ScheduleCron: wf.ScheduleCron,
		Definition:   def,
	}
	_, err = s.workflows.ReplaceOne(ctx, bson.M{"_id": wf.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) GetWorkflow(ctx context.Context, id string) (api.Workflow, error) {
	var doc mongoWorkflowDoc
	if err := s.workflows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return api.Workflow{}, ErrWorkflowNotFound
		}
		return api.Workflow{}, err
	}
	return DecodeValue[api.Workflow](doc.Definition)
}

func (s *MongoStore) ListWorkflows(ctx context.Context, owner string) ([]api.Workflow, error) {
	filter := bson.M{}
	if owner != "" {
		filter["owner"] = owner
	}
	cur, err := s.workflows.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.Workflow
	for cur.Next(ctx) {
		var doc mongoWorkflowDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		wf, err := DecodeValue[api.Workflow](doc.Definition)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.workflows.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

//
// Runs
//

func (s *MongoStore) CreateRun(ctx context.Context, rec *api.RunRecord) error {
	logs, err := EncodeValue(rec.Logs)
	if err != nil {
		return err
	}
	doc := mongoRunDoc{
		ID:         runDocID(rec.WorkflowID, rec.RunID),
		WorkflowID: rec.WorkflowID,
		RunID:      rec.RunID,
		UserID:     rec.UserID,
		Status:     string(rec.Status),
		Logs:       logs,
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	_, err = s.runs.InsertOne(ctx, doc)
	return err
}

func (s *MongoStore) FinishRun(ctx context.Context, workflowID, runID string, status api.RunStatus, logs []api.LogEntry, errMsg string) error {
	encoded, err := EncodeValue(logs)
	if err != nil {
		return err
	}
	id := runDocID(workflowID, runID)
	res, err := s.runs.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(api.RunRunning)},
		bson.M{"$set": bson.M{
			"status":     string(status),
			"logs":       encoded,
			"error":      errMsg,
			"updated_at": s.now().UTC(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetRun(ctx, workflowID, runID); err != nil {
			return err
		}
		return ErrRunNotRunning
	}
	return nil
}

func runFromDoc(doc mongoRunDoc) (*api.RunRecord, error) {
	logs, err := DecodeValue[[]api.LogEntry](doc.Logs)
	if err != nil {
		return nil, err
	}
	return &api.RunRecord{
		WorkflowID: doc.WorkflowID,
		RunID:      doc.RunID,
		UserID:     doc.UserID,
		Status:     api.RunStatus(doc.Status),
		Logs:       logs,
		Error:      doc.Error,
		CreatedAt:  doc.CreatedAt.UTC(),
		UpdatedAt:  doc.UpdatedAt.UTC(),
	}, nil
}

func (s *MongoStore) GetRun(ctx context.Context, workflowID, runID string) (*api.RunRecord, error) {
	var doc mongoRunDoc
	if err := s.runs.FindOne(ctx, bson.M{"_id": runDocID(workflowID, runID)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return runFromDoc(doc)
}

func (s *MongoStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	bfilter := bson.M{}
	if filter.WorkflowID != "" {
		bfilter["workflow_id"] = filter.WorkflowID
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	cur, err := s.runs.Find(ctx, bfilter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var runs []*api.RunRecord
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rec, err := runFromDoc(doc)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

//
// Failure jobs
//

func jobToDoc(job *api.FailureJob) (mongoJobDoc, error) {
	step, err := EncodeValue(job.Step)
	if err != nil {
		return mongoJobDoc{}, err
	}
	data, err := EncodeValue(job.Data)
	if err != nil {
		return mongoJobDoc{}, err
	}
	return mongoJobDoc{
		ID:             job.ID,
		WorkflowID:     job.WorkflowID,
		RunID:          job.RunID,
		UserID:         job.UserID,
		Step:           step,
		Attempt:        job.Attempt,
		Status:         string(job.Status),
		Error:          job.Error,
		Data:           data,
		LeaseOwner:     job.LeaseOwner,
		LeaseExpiresAt: toNanos(job.LeaseExpiresAt),
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}, nil
}

func jobFromDoc(doc mongoJobDoc) (*api.FailureJob, error) {
	step, err := DecodeValue[api.StepConfig](doc.Step)
	if err != nil {
		return nil, err
	}
	data, err := DecodeValue[map[string]any](doc.Data)
	if err != nil {
		return nil, err
	}
	return &api.FailureJob{
		ID:             doc.ID,
		WorkflowID:     doc.WorkflowID,
		RunID:          doc.RunID,
		UserID:         doc.UserID,
		Step:           step,
		Attempt:        doc.Attempt,
		Status:         api.JobStatus(doc.Status),
		Error:          doc.Error,
		Data:           data,
		LeaseOwner:     doc.LeaseOwner,
		LeaseExpiresAt: fromNanos(doc.LeaseExpiresAt),
		CreatedAt:      doc.CreatedAt.UTC(),
		UpdatedAt:      doc.UpdatedAt.UTC(),
	}, nil
}

func (s *MongoStore) CreateJob(ctx context.Context, job *api.FailureJob) error {
	doc, err := jobToDoc(job)
	if err != nil {
		return err
	}
	_, err = s.jobs.InsertOne(ctx, doc)
	return err
}

func (s *MongoStore) UpdateJob(ctx context.Context, job *api.FailureJob) error {
	doc, err := jobToDoc(job)
	if err != nil {
		return err
	}
	res, err := s.jobs.ReplaceOne(ctx, bson.M{"_id": job.ID}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *MongoStore) GetJob(ctx context.Context, id string) (*api.FailureJob, error) {
	var doc mongoJobDoc
	if err := s.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return jobFromDoc(doc)
}

func (s *MongoStore) ListJobs(ctx context.Context, filter JobFilter) ([]*api.FailureJob, error) {
	bfilter := bson.M{}
	if filter.WorkflowID != "" {
		bfilter["workflow_id"] = filter.WorkflowID
	}
	if filter.RunID != "" {
		bfilter["run_id"] = filter.RunID
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	cur, err := s.jobs.Find(ctx, bfilter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var jobs []*api.FailureJob
	for cur.Next(ctx) {
		var doc mongoJobDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		job, err := jobFromDoc(doc)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *MongoStore) TryClaimJob(ctx context.Context, id, owner string, ttl time.Duration) (*api.FailureJob, error) {
	now := s.now()
	filter := bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"status": bson.M{"$in": bson.A{string(api.JobPending), string(api.JobFailed)}}},
			bson.M{
				"status": string(api.JobInProgress),
				"$or": bson.A{
					bson.M{"lease_owner": ""},
					bson.M{"lease_owner": owner},
					bson.M{"lease_expires_at": bson.M{"$lte": now.UnixNano()}},
				},
			},
		},
	}
	update := bson.M{"$set": bson.M{
		"status":           string(api.JobInProgress),
		"lease_owner":      owner,
		"lease_expires_at": now.Add(ttl).UnixNano(),
		"updated_at":       now.UTC(),
	}}

	var doc mongoJobDoc
	err := s.jobs.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return jobFromDoc(doc)
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, claimRefused(job)
}

func (s *MongoStore) FinishJob(ctx context.Context, id, owner string, attempt int, status api.JobStatus, errMsg string) error {
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "lease_owner": owner},
		bson.M{"$set": bson.M{
			"attempt":          attempt,
			"status":           string(status),
			"error":            errMsg,
			"lease_owner":      "",
			"lease_expires_at": int64(0),
			"updated_at":       s.now().UTC(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return api.ErrJobClaimed
	}
	return nil
}
