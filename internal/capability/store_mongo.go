package capability

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	packCollection      = "capability_packs"
	capCollection       = "capabilities"
	connectorCollection = "integrations_connectors"
	toolCollection      = "integrations_tools"
)

// mongoStore persists the capability catalog across four collections.
type mongoStore struct {
	packs      *mongo.Collection
	caps       *mongo.Collection
	connectors *mongo.Collection
	tools      *mongo.Collection
}

// NewMongoStore builds a Store over the given database and ensures the
// (key, version) uniqueness index on packs.
func NewMongoStore(ctx context.Context, db *mongo.Database) (Store, error) {
	s := &mongoStore{
		packs:      db.Collection(packCollection),
		caps:       db.Collection(capCollection),
		connectors: db.Collection(connectorCollection),
		tools:      db.Collection(toolCollection),
	}
	_, err := s.packs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure capability_packs indexes: %w", err)
	}
	return s, nil
}

var _ Store = (*mongoStore)(nil)

func (s *mongoStore) InsertPack(ctx context.Context, p *Pack) error {
	_, err := s.packs.InsertOne(ctx, p)
	if mongo.IsDuplicateKeyError(err) {
		return &ConflictError{Resource: "pack", ID: p.ID}
	}
	if err != nil {
		return fmt.Errorf("failed to insert pack %s: %w", p.ID, err)
	}
	return nil
}

func (s *mongoStore) GetPack(ctx context.Context, key, version string) (*Pack, error) {
	var p Pack
	err := s.packs.FindOne(ctx, bson.M{"_id": PackID(key, version)}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &UnknownPackError{Key: key, Version: version}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pack %s@%s: %w", key, version, err)
	}
	return &p, nil
}

func (s *mongoStore) ReplacePack(ctx context.Context, p *Pack) error {
	res, err := s.packs.ReplaceOne(ctx, bson.M{"_id": p.ID}, p)
	if err != nil {
		return fmt.Errorf("failed to replace pack %s: %w", p.ID, err)
	}
	if res.MatchedCount == 0 {
		return &UnknownPackError{Key: p.Key, Version: p.Version}
	}
	return nil
}

func (s *mongoStore) DeletePack(ctx context.Context, key, version string) error {
	res, err := s.packs.DeleteOne(ctx, bson.M{"_id": PackID(key, version)})
	if err != nil {
		return fmt.Errorf("failed to delete pack %s@%s: %w", key, version, err)
	}
	if res.DeletedCount == 0 {
		return &UnknownPackError{Key: key, Version: version}
	}
	return nil
}

func (s *mongoStore) ListPacks(ctx context.Context, key string) ([]*Pack, error) {
	filter := bson.M{}
	if key != "" {
		filter["key"] = key
	}
	cur, err := s.packs.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "key", Value: 1}, {Key: "version", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list packs: %w", err)
	}
	defer cur.Close(ctx)

	var out []*Pack
	for cur.Next(ctx) {
		var p Pack
		if err := cur.Decode(&p); err != nil {
			return nil, fmt.Errorf("failed to decode pack: %w", err)
		}
		out = append(out, &p)
	}
	return out, cur.Err()
}

func (s *mongoStore) PutCapability(ctx context.Context, c *Capability) error {
	_, err := s.caps.ReplaceOne(ctx, bson.M{"_id": c.ID}, c, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store capability %s: %w", c.ID, err)
	}
	return nil
}

func (s *mongoStore) GetCapability(ctx context.Context, id string) (*Capability, error) {
	var c Capability
	err := s.caps.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &UnknownCapabilityError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load capability %s: %w", id, err)
	}
	return &c, nil
}

func (s *mongoStore) DeleteCapability(ctx context.Context, id string) error {
	res, err := s.caps.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete capability %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return &UnknownCapabilityError{ID: id}
	}
	return nil
}

func (s *mongoStore) ListCapabilities(ctx context.Context) ([]*Capability, error) {
	cur, err := s.caps.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list capabilities: %w", err)
	}
	defer cur.Close(ctx)

	var out []*Capability
	for cur.Next(ctx) {
		var c Capability
		if err := cur.Decode(&c); err != nil {
			return nil, fmt.Errorf("failed to decode capability: %w", err)
		}
		out = append(out, &c)
	}
	return out, cur.Err()
}

func (s *mongoStore) PutConnector(ctx context.Context, c *Integration) error {
	_, err := s.connectors.ReplaceOne(ctx, bson.M{"_id": c.ID}, c, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store connector %s: %w", c.ID, err)
	}
	return nil
}

func (s *mongoStore) GetConnector(ctx context.Context, id string) (*Integration, error) {
	var c Integration
	err := s.connectors.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &ToolUnknownError{Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connector %s: %w", id, err)
	}
	return &c, nil
}

func (s *mongoStore) PutTool(ctx context.Context, t *PackTool) error {
	_, err := s.tools.ReplaceOne(ctx, bson.M{"key": t.Key}, t, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store tool %s: %w", t.Key, err)
	}
	return nil
}

func (s *mongoStore) GetTool(ctx context.Context, key string) (*PackTool, error) {
	var t PackTool
	err := s.tools.FindOne(ctx, bson.M{"key": key}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &ToolUnknownError{Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tool %s: %w", key, err)
	}
	return &t, nil
}
