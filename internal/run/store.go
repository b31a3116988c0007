package run

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrRunNotFound reports an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Store persists learning_runs documents.
type Store interface {
	Insert(ctx context.Context, r *Run) error
	Update(ctx context.Context, r *Run) error
	Get(ctx context.Context, runID string) (*Run, error)
	ListByWorkspace(ctx context.Context, workspaceID string, limit int) ([]*Run, error)
}

// --- memory ---

type memoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryStore keeps runs in process memory.
func NewMemoryStore() Store {
	return &memoryStore{runs: make(map[string]*Run)}
}

var _ Store = (*memoryStore)(nil)

func (m *memoryStore) Insert(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.RunID]; ok {
		return fmt.Errorf("run %s already exists", r.RunID)
	}
	cp := *r
	m.runs[r.RunID] = &cp
	return nil
}

func (m *memoryStore) Update(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.RunID]; !ok {
		return ErrRunNotFound
	}
	cp := *r
	m.runs[r.RunID] = &cp
	return nil
}

func (m *memoryStore) Get(_ context.Context, runID string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memoryStore) ListByWorkspace(_ context.Context, workspaceID string, limit int) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Run
	for _, r := range m.runs {
		if r.WorkspaceID == workspaceID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- mongo ---

const runCollection = "learning_runs"

type mongoStore struct {
	runs *mongo.Collection
}

// NewMongoStore builds a Store over learning_runs and ensures the
// workspace index.
func NewMongoStore(ctx context.Context, db *mongo.Database) (Store, error) {
	s := &mongoStore{runs: db.Collection(runCollection)}
	_, err := s.runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "workspace_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure learning_runs indexes: %w", err)
	}
	return s, nil
}

var _ Store = (*mongoStore)(nil)

func (s *mongoStore) Insert(ctx context.Context, r *Run) error {
	_, err := s.runs.InsertOne(ctx, r)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", r.RunID, err)
	}
	return nil
}

func (s *mongoStore) Update(ctx context.Context, r *Run) error {
	res, err := s.runs.ReplaceOne(ctx, bson.M{"_id": r.RunID}, r)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", r.RunID, err)
	}
	if res.MatchedCount == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *mongoStore) Get(ctx context.Context, runID string) (*Run, error) {
	var r Run
	err := s.runs.FindOne(ctx, bson.M{"_id": runID}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return &r, nil
}

func (s *mongoStore) ListByWorkspace(ctx context.Context, workspaceID string, limit int) ([]*Run, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.runs.Find(ctx, bson.M{"workspace_id": workspaceID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer cur.Close(ctx)

	var out []*Run
	for cur.Next(ctx) {
		var r Run
		if err := cur.Decode(&r); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		out = append(out, &r)
	}
	return out, cur.Err()
}
