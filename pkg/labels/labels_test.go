package labels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFor(t *testing.T) {
	set := For(KindProject, "p1")
	assert.Equal(t, "true", set[Managed])
	assert.Equal(t, "project", set[Type])
	assert.Equal(t, "p1", set[Owner])
	assert.Equal(t, "p1", set[ProjectID])

	helper := For(KindHelper, "p1")
	_, hasProject := helper[ProjectID]
	assert.False(t, hasProject)
	assert.Equal(t, "p1", OwnerOf(helper))
}

func TestMergeKeepsManagedLabels(t *testing.T) {
	set := Merge(For(KindService, "db"), map[string]string{
		Managed: "false",
		"extra": "x",
	})
	assert.True(t, IsManaged(set))
	assert.Equal(t, "x", set["extra"])
	assert.Equal(t, "db", set[ServiceID])
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name  string
		set   map[string]string
		key   string
		value string
		kind  Kind
		want  bool
	}{
		{"exact owner", For(KindProject, "a"), ProjectID, "a", KindProject, true},
		{"any kind", For(KindProject, "a"), Owner, "a", "", true},
		{"other owner", For(KindProject, "b"), ProjectID, "a", KindProject, false},
		{"wrong kind", For(KindService, "a"), Owner, "a", KindProject, false},
		{"unmanaged", map[string]string{ProjectID: "a", Type: "project"}, ProjectID, "a", KindProject, false},
		{"missing key", For(KindHelper, "a"), ProjectID, "a", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.set, tt.key, tt.value, tt.kind))
		})
	}
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindTunnel.Valid())
	assert.False(t, Kind("database").Valid())
}
