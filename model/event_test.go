package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func baseTwin() *Twin {
	return &Twin{
		TwinId:     TwinId("ns:thing1"),
		PolicyId:   PolicyId("ns:thing1"),
		Revision:   1234,
		Attributes: bson.M{"x": 5},
		Modified:   time.Unix(0, 0),
	}
}

func TestApplyEvents_DropsAtOrBelowCurrentRevision(t *testing.T) {
	twin := baseTwin()
	next, err := ApplyEvents(twin, []Event{{
		TwinId: twin.TwinId, Revision: 1234, Kind: EventAttributeModified,
		Pointer: "x", Value: 999,
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(1234), next.Revision)
	assert.EqualValues(t, 5, next.Attributes["x"])
}

func TestApplyEvents_MergesSequentialRevisions(t *testing.T) {
	twin := baseTwin()
	next, err := ApplyEvents(twin, []Event{
		{TwinId: twin.TwinId, Revision: 1235, Kind: EventAttributeModified, Pointer: "x", Value: 6},
		{TwinId: twin.TwinId, Revision: 1236, Kind: EventAttributeModified, Pointer: "x", Value: 7},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1236), next.Revision)
	assert.EqualValues(t, 7, next.Attributes["x"])
}

func TestApplyEvents_GapForcesFullFetch(t *testing.T) {
	twin := baseTwin()
	_, err := ApplyEvents(twin, []Event{
		{TwinId: twin.TwinId, Revision: 1237, Kind: EventAttributeModified, Pointer: "x", Value: 8},
	})
	assert.ErrorIs(t, err, ErrRevisionGap)
}

func TestApplyEvents_DeletedSignalsMissing(t *testing.T) {
	twin := baseTwin()
	_, err := ApplyEvents(twin, []Event{
		{TwinId: twin.TwinId, Revision: 1235, Kind: EventDeleted},
	})
	assert.ErrorIs(t, err, ErrMissingEntity)
}

func TestApplyEvents_FeaturePropertyModified(t *testing.T) {
	twin := baseTwin()
	twin.Features = map[string]Feature{"temp": {Properties: bson.M{"value": 1}}}
	next, err := ApplyEvents(twin, []Event{
		{TwinId: twin.TwinId, Revision: 1235, Kind: EventFeaturePropertyModified, FeatureId: "temp", Pointer: "value", Value: 42},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, next.Features["temp"].Properties["value"])
}

func TestApplyEvents_PolicyIdChanged(t *testing.T) {
	twin := baseTwin()
	next, err := ApplyEvents(twin, []Event{
		{TwinId: twin.TwinId, Revision: 1235, Kind: EventPolicyIdChanged, NewPolicyId: PolicyId("ns:newpolicy")},
	})
	require.NoError(t, err)
	assert.Equal(t, PolicyId("ns:newpolicy"), next.PolicyId)
}
