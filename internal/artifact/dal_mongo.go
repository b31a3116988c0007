package artifact

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	parentCollection = "workspace_artifacts"
	patchCollection  = "artifact_patches"
)

// mongoDAL persists the aggregate in workspace_artifacts and the patch
// log in artifact_patches. Artifact mutations use the positional operator
// against the matched embedded element, which is what gives the
// at-most-one-concurrent-write guarantee its atomic leg.
type mongoDAL struct {
	parents *mongo.Collection
	patches *mongo.Collection
}

// NewMongoDAL builds a DAL over the given database.
func NewMongoDAL(db *mongo.Database) DAL {
	return &mongoDAL{
		parents: db.Collection(parentCollection),
		patches: db.Collection(patchCollection),
	}
}

func (d *mongoDAL) EnsureIndexes(ctx context.Context) error {
	_, err := d.parents.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "workspace_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "artifacts.natural_key", Value: 1}}},
		{Keys: bson.D{{Key: "artifacts.fingerprint", Value: 1}}},
		{Keys: bson.D{{Key: "artifacts.diagram_fingerprint", Value: 1}}},
		{Keys: bson.D{{Key: "artifacts.kind", Value: 1}, {Key: "artifacts.name", Value: 1}}},
		{Keys: bson.D{{Key: "artifacts.deleted_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to ensure workspace_artifacts indexes: %w", err)
	}
	_, err = d.patches.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "workspace_id", Value: 1}, {Key: "artifact_id", Value: 1}, {Key: "from_version", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to ensure artifact_patches indexes: %w", err)
	}
	return nil
}

func (d *mongoDAL) CreateParent(ctx context.Context, doc *WorkspaceDoc) error {
	_, err := d.parents.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return &ConflictError{WorkspaceID: doc.WorkspaceID}
	}
	if err != nil {
		return fmt.Errorf("failed to create parent doc for %s: %w", doc.WorkspaceID, err)
	}
	return nil
}

func (d *mongoDAL) GetParent(ctx context.Context, workspaceID string) (*WorkspaceDoc, error) {
	var doc WorkspaceDoc
	err := d.parents.FindOne(ctx, bson.M{"workspace_id": workspaceID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &NotFoundError{Resource: "workspace", ID: workspaceID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load parent doc %s: %w", workspaceID, err)
	}
	return &doc, nil
}

func (d *mongoDAL) DeleteParent(ctx context.Context, workspaceID string) error {
	res, err := d.parents.DeleteOne(ctx, bson.M{"workspace_id": workspaceID})
	if err != nil {
		return fmt.Errorf("failed to delete parent doc %s: %w", workspaceID, err)
	}
	if res.DeletedCount == 0 {
		return &NotFoundError{Resource: "workspace", ID: workspaceID}
	}
	return nil
}

func (d *mongoDAL) UpdateWorkspaceSnapshot(ctx context.Context, workspaceID string, snapshot map[string]interface{}) error {
	res, err := d.parents.UpdateOne(ctx,
		bson.M{"workspace_id": workspaceID},
		bson.M{"$set": bson.M{"workspace": snapshot}, "$currentDate": bson.M{"updated_at": true}})
	if err != nil {
		return fmt.Errorf("failed to refresh workspace snapshot %s: %w", workspaceID, err)
	}
	if res.MatchedCount == 0 {
		return &NotFoundError{Resource: "workspace", ID: workspaceID}
	}
	return nil
}

func (d *mongoDAL) SetLastPromotedRun(ctx context.Context, workspaceID, runID string) error {
	res, err := d.parents.UpdateOne(ctx,
		bson.M{"workspace_id": workspaceID},
		bson.M{"$set": bson.M{"last_promoted_run_id": runID}, "$currentDate": bson.M{"updated_at": true}})
	if err != nil {
		return fmt.Errorf("failed to set last promoted run for %s: %w", workspaceID, err)
	}
	if res.MatchedCount == 0 {
		return &NotFoundError{Resource: "workspace", ID: workspaceID}
	}
	return nil
}

func (d *mongoDAL) PushArtifact(ctx context.Context, workspaceID string, a *Artifact) error {
	res, err := d.parents.UpdateOne(ctx,
		bson.M{"workspace_id": workspaceID},
		bson.M{"$push": bson.M{"artifacts": a}, "$currentDate": bson.M{"updated_at": true}})
	if err != nil {
		return fmt.Errorf("failed to push artifact %s: %w", a.ArtifactID, err)
	}
	if res.MatchedCount == 0 {
		return &NotFoundError{Resource: "workspace", ID: workspaceID}
	}
	return nil
}

func (d *mongoDAL) MutateArtifact(ctx context.Context, workspaceID, artifactID string, m Mutation) (*Artifact, error) {
	set := bson.M{}
	inc := bson.M{}

	if m.Data != nil {
		set["artifacts.$.data"] = m.Data
	}
	if m.Fingerprint != nil {
		set["artifacts.$.fingerprint"] = *m.Fingerprint
	}
	if m.SetDiagrams {
		set["artifacts.$.diagrams"] = m.Diagrams
	}
	if m.DiagramFingerprint != nil {
		set["artifacts.$.diagram_fingerprint"] = *m.DiagramFingerprint
	}
	if m.LastSeenRunID != nil {
		set["artifacts.$.lineage.last_seen_run_id"] = *m.LastSeenRunID
	}
	if m.Provenance != nil {
		set["artifacts.$.provenance"] = m.Provenance
	}
	if m.DeletedAt != nil {
		set["artifacts.$.deleted_at"] = *m.DeletedAt
	}
	if !m.UpdatedAt.IsZero() {
		set["artifacts.$.updated_at"] = m.UpdatedAt
		set["updated_at"] = m.UpdatedAt
	}
	if m.IncVersion {
		inc["artifacts.$.version"] = 1
	}

	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(inc) > 0 {
		update["$inc"] = inc
	}

	filter := bson.M{"workspace_id": workspaceID, "artifacts.artifact_id": artifactID}
	res := d.parents.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After))

	var doc WorkspaceDoc
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &NotFoundError{Resource: "artifact", ID: artifactID}
		}
		return nil, fmt.Errorf("failed to mutate artifact %s: %w", artifactID, err)
	}
	a := doc.ByID(artifactID)
	if a == nil {
		return nil, &NotFoundError{Resource: "artifact", ID: artifactID}
	}
	return a, nil
}

func (d *mongoDAL) SetBaseline(ctx context.Context, workspaceID string, baseline *InputsBaseline) error {
	res, err := d.parents.UpdateOne(ctx,
		bson.M{"workspace_id": workspaceID},
		bson.M{"$set": bson.M{"inputs_baseline": baseline}, "$currentDate": bson.M{"updated_at": true}})
	if err != nil {
		return fmt.Errorf("failed to set baseline for %s: %w", workspaceID, err)
	}
	if res.MatchedCount == 0 {
		return &NotFoundError{Resource: "workspace", ID: workspaceID}
	}
	return nil
}

func (d *mongoDAL) InsertPatch(ctx context.Context, rec *PatchRecord) error {
	if _, err := d.patches.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("failed to record patch for %s: %w", rec.ArtifactID, err)
	}
	return nil
}

func (d *mongoDAL) ListPatches(ctx context.Context, workspaceID, artifactID string) ([]*PatchRecord, error) {
	cur, err := d.patches.Find(ctx,
		bson.M{"workspace_id": workspaceID, "artifact_id": artifactID},
		options.Find().SetSort(bson.D{{Key: "from_version", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list patches for %s: %w", artifactID, err)
	}
	defer cur.Close(ctx)

	var out []*PatchRecord
	for cur.Next(ctx) {
		var rec PatchRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode patch record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, cur.Err()
}

var _ DAL = (*mongoDAL)(nil)
