package registry

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	kindCollection = "kind_registry"
	metaCollection = "registry_meta"
	metaDocID      = "registry"
)

// mongoStore persists kinds in the kind_registry collection and the meta
// document in registry_meta.
type mongoStore struct {
	kinds *mongo.Collection
	meta  *mongo.Collection
}

// NewMongoStore builds a Store over the given database and ensures the
// alias index.
func NewMongoStore(ctx context.Context, db *mongo.Database) (Store, error) {
	s := &mongoStore{
		kinds: db.Collection(kindCollection),
		meta:  db.Collection(metaCollection),
	}
	_, err := s.kinds.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "aliases", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure kind_registry indexes: %w", err)
	}
	return s, nil
}

func (s *mongoStore) GetKind(ctx context.Context, id string) (*Kind, error) {
	var k Kind
	err := s.kinds.FindOne(ctx, bson.M{"_id": id}).Decode(&k)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &notFoundError{id: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kind %s: %w", id, err)
	}
	return &k, nil
}

func (s *mongoStore) FindByAlias(ctx context.Context, alias string) (*Kind, error) {
	var k Kind
	err := s.kinds.FindOne(ctx, bson.M{"aliases": alias}).Decode(&k)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &notFoundError{id: alias}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve alias %s: %w", alias, err)
	}
	return &k, nil
}

func (s *mongoStore) ListKinds(ctx context.Context) ([]*Kind, error) {
	cur, err := s.kinds.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list kinds: %w", err)
	}
	defer cur.Close(ctx)

	var out []*Kind
	for cur.Next(ctx) {
		var k Kind
		if err := cur.Decode(&k); err != nil {
			return nil, fmt.Errorf("failed to decode kind: %w", err)
		}
		out = append(out, &k)
	}
	return out, cur.Err()
}

func (s *mongoStore) PutKind(ctx context.Context, kind *Kind) error {
	_, err := s.kinds.ReplaceOne(ctx, bson.M{"_id": kind.ID}, kind, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store kind %s: %w", kind.ID, err)
	}
	return nil
}

func (s *mongoStore) DeleteKind(ctx context.Context, id string) error {
	res, err := s.kinds.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete kind %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return &notFoundError{id: id}
	}
	return nil
}

func (s *mongoStore) GetMeta(ctx context.Context) (*Meta, error) {
	var m Meta
	err := s.meta.FindOne(ctx, bson.M{"_id": metaDocID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &Meta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load registry meta: %w", err)
	}
	return &m, nil
}

func (s *mongoStore) PutMeta(ctx context.Context, meta *Meta) error {
	doc := bson.M{
		"_id":              metaDocID,
		"etag":             meta.ETag,
		"registry_version": meta.RegistryVersion,
		"updated_at":       meta.UpdatedAt,
	}
	_, err := s.meta.ReplaceOne(ctx, bson.M{"_id": metaDocID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store registry meta: %w", err)
	}
	return nil
}

var _ Store = (*mongoStore)(nil)
