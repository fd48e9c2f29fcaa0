package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"

	"twinupdater/model"
)

func policyFixture() *model.Policy {
	return &model.Policy{
		PolicyId: model.PolicyId("ns:policy1"),
		Revision: 1,
		Entries: []model.PolicyEntry{
			{
				Subjects: []string{"user:alice"},
				Targets:  []model.ResourceTarget{{ResourceType: "thing", Pointer: "/"}},
				Grant:    []model.Permission{model.PermissionRead, model.PermissionWrite},
			},
			{
				Subjects: []string{"user:alice"},
				Targets:  []model.ResourceTarget{{ResourceType: "thing", Pointer: "/attributes/secret"}},
				Revoke:   []model.Permission{model.PermissionRead},
			},
		},
	}
}

func TestAuthorize_RootGrantAppliesToDescendants(t *testing.T) {
	e := Compile(policyFixture())
	assert.True(t, e.Authorize([]string{"user:alice"}, "/attributes/public", model.PermissionRead))
	assert.True(t, e.Authorize([]string{"user:alice"}, "/features/lamp/properties/on", model.PermissionWrite))
}

func TestAuthorize_DeeperRevokeWinsOverShallowerGrant(t *testing.T) {
	e := Compile(policyFixture())
	assert.False(t, e.Authorize([]string{"user:alice"}, "/attributes/secret", model.PermissionRead))
	// write was never revoked at this path, only read
	assert.True(t, e.Authorize([]string{"user:alice"}, "/attributes/secret", model.PermissionWrite))
}

func TestAuthorize_RevokeAppliesToDeeperPathsToo(t *testing.T) {
	e := Compile(policyFixture())
	assert.False(t, e.Authorize([]string{"user:alice"}, "/attributes/secret/nested", model.PermissionRead))
}

func TestAuthorize_UnknownSubjectDenied(t *testing.T) {
	e := Compile(policyFixture())
	assert.False(t, e.Authorize([]string{"user:mallory"}, "/attributes/public", model.PermissionRead))
}

func TestProject_DropsRevokedSubtreeKeepsRest(t *testing.T) {
	e := Compile(policyFixture())
	doc := bson.M{
		"attributes": bson.M{
			"public": "ok",
			"secret": "hidden",
		},
	}
	projected := e.Project([]string{"user:alice"}, model.PermissionRead, doc, 100)
	attrs, ok := projected["attributes"].(bson.M)
	assert.True(t, ok)
	assert.Equal(t, "ok", attrs["public"])
	_, hasSecret := attrs["secret"]
	assert.False(t, hasSecret)
}

func TestProject_ArrayWithinLimitRetainedInFull(t *testing.T) {
	e := Compile(policyFixture())
	arr := make(bson.A, 5)
	for i := range arr {
		arr[i] = i
	}
	doc := bson.M{"attributes": bson.M{"list": arr}}
	projected := e.Project([]string{"user:alice"}, model.PermissionRead, doc, 5)
	attrs := projected["attributes"].(bson.M)
	list, ok := attrs["list"].(bson.A)
	assert.True(t, ok)
	assert.Len(t, list, 5)
}

func TestProject_ArrayOverLimitTruncatedAndMarked(t *testing.T) {
	e := Compile(policyFixture())
	arr := make(bson.A, 6)
	for i := range arr {
		arr[i] = i
	}
	doc := bson.M{"attributes": bson.M{"list": arr}}
	projected := e.Project([]string{"user:alice"}, model.PermissionRead, doc, 5)
	attrs := projected["attributes"].(bson.M)
	marked, ok := attrs["list"].(bson.M)
	assert.True(t, ok)
	assert.Equal(t, true, marked["_truncated"])
	assert.Equal(t, 6, marked["_fullLength"])
	assert.Len(t, marked["items"].(bson.A), 5)
}

func TestProject_NoAccessYieldsEmptyDocument(t *testing.T) {
	e := Compile(policyFixture())
	doc := bson.M{"attributes": bson.M{"public": "ok"}}
	projected := e.Project([]string{"user:mallory"}, model.PermissionRead, doc, 10)
	assert.Empty(t, projected)
}
