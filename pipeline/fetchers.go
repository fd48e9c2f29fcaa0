package pipeline

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"twinupdater/model"
)

// MongoThingFetcher implements enrichment.ThingFetcher against the twin
// source-of-truth collection, grounded on the teacher's FindOne (cache-miss
// path) in storage_impl.go.
type MongoThingFetcher struct {
	collection *mongo.Collection
}

// NewMongoThingFetcher builds a MongoThingFetcher over collection.
func NewMongoThingFetcher(collection *mongo.Collection) *MongoThingFetcher {
	return &MongoThingFetcher{collection: collection}
}

// FetchThing implements enrichment.ThingFetcher.
func (f *MongoThingFetcher) FetchThing(ctx context.Context, twinId model.TwinId) (*model.Twin, error) {
	var twin model.Twin
	err := f.collection.FindOne(ctx, bson.M{"thingId": string(twinId)}).Decode(&twin)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.ErrMissingEntity
	}
	if err != nil {
		return nil, err
	}
	return &twin, nil
}

// MongoPolicyFetcher implements policy.PolicyFetcher against the policy
// source-of-truth collection.
type MongoPolicyFetcher struct {
	collection *mongo.Collection
}

// NewMongoPolicyFetcher builds a MongoPolicyFetcher over collection.
func NewMongoPolicyFetcher(collection *mongo.Collection) *MongoPolicyFetcher {
	return &MongoPolicyFetcher{collection: collection}
}

// FetchPolicy implements policy.PolicyFetcher.
func (f *MongoPolicyFetcher) FetchPolicy(ctx context.Context, policyId model.PolicyId) (*model.Policy, error) {
	var p model.Policy
	err := f.collection.FindOne(ctx, bson.M{"policyid": string(policyId)}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.ErrMissingEntity
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
