package audience

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-shield/campaign-engine/internal/apperrors"
	"github.com/aegis-shield/campaign-engine/internal/database"
)

// fakeDirectory is an in-memory Directory for tests
type fakeDirectory struct {
	people map[string]*Person
}

func (d *fakeDirectory) Lookup(_ context.Context, _, personID string) (*Person, error) {
	return d.people[personID], nil
}

func (d *fakeDirectory) ReportsOf(_ context.Context, _, managerID string) ([]*Person, error) {
	var reports []*Person
	for _, p := range d.people {
		if p.ManagerID == managerID {
			reports = append(reports, p)
		}
	}
	return reports, nil
}

func (d *fakeDirectory) All(_ context.Context, _ string) ([]*Person, error) {
	all := make([]*Person, 0, len(d.people))
	for _, p := range d.people {
		all = append(all, p)
	}
	return all, nil
}

func testDirectory() *fakeDirectory {
	return &fakeDirectory{people: map[string]*Person{
		"p1": {ID: "p1", Name: "Ada", Department: "Finance", Location: "berlin", Active: true},
		"p2": {ID: "p2", Name: "Ben", Department: "Finance", Location: "nairobi", ManagerID: "p1", Active: true},
		"p3": {ID: "p3", Name: "Cleo", Department: "Engineering", ManagerID: "p1", Active: true},
		"p4": {ID: "p4", Name: "Dev", Department: "Engineering", ManagerID: "p3", Active: true},
		"p5": {ID: "p5", Name: "Eve", Department: "Legal", ManagerID: "p2", Active: true},
	}}
}

func testEvaluator() *Evaluator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEvaluator(logger, testDirectory(), nil)
}

func TestResolve_Everyone(t *testing.T) {
	e := testEvaluator()

	ids, err := e.Resolve(context.Background(), database.TargetingSpec{Everyone: true}, "org-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3", "p4", "p5"}, ids)
}

func TestResolve_ExplicitIDs(t *testing.T) {
	e := testEvaluator()

	spec := database.TargetingSpec{RecipientIDs: []string{"p2", "p4", "p2", "p-missing"}}
	ids, err := e.Resolve(context.Background(), spec, "org-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p4"}, ids, "duplicates collapsed, unknown IDs dropped")
}

func TestResolve_Segment(t *testing.T) {
	e := testEvaluator()

	spec := database.TargetingSpec{Segment: `Department == "Finance"`}
	ids, err := e.Resolve(context.Background(), spec, "org-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, ids)
}

func TestResolve_SegmentCompound(t *testing.T) {
	e := testEvaluator()

	spec := database.TargetingSpec{Segment: `Department == "Engineering" && ManagerID == "p1"`}
	ids, err := e.Resolve(context.Background(), spec, "org-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p3"}, ids)
}

func TestResolve_SegmentInvalidExpression(t *testing.T) {
	e := testEvaluator()

	_, err := e.Resolve(context.Background(), database.TargetingSpec{Segment: `Department ==`}, "org-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestResolve_ManagerTree(t *testing.T) {
	e := testEvaluator()

	ids, err := e.Resolve(context.Background(), database.TargetingSpec{ManagerID: "p1"}, "org-1")
	require.NoError(t, err)
	// p1's directs are p2, p3; transitively p4 (under p3) and p5 (under p2).
	// The manager is not part of the audience.
	assert.Equal(t, []string{"p2", "p3", "p4", "p5"}, ids)
}

func TestResolve_ManagerTreeUnknownManager(t *testing.T) {
	e := testEvaluator()

	_, err := e.Resolve(context.Background(), database.TargetingSpec{ManagerID: "ghost"}, "org-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestResolve_EmptySpec(t *testing.T) {
	e := testEvaluator()

	_, err := e.Resolve(context.Background(), database.TargetingSpec{}, "org-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestPreview_Paging(t *testing.T) {
	e := testEvaluator()

	preview, err := e.Preview(context.Background(), database.TargetingSpec{Everyone: true}, "org-1", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, preview.Total)
	require.Len(t, preview.Sample, 2)
	assert.Equal(t, "p3", preview.Sample[0].ID)
	assert.Equal(t, "p4", preview.Sample[1].ID)
}

func TestPreview_PageBeyondEnd(t *testing.T) {
	e := testEvaluator()

	preview, err := e.Preview(context.Background(), database.TargetingSpec{Everyone: true}, "org-1", 9, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, preview.Total)
	assert.Empty(t, preview.Sample)
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		spec database.TargetingSpec
		want string
	}{
		{"everyone", database.TargetingSpec{Everyone: true}, "everyone in the organization"},
		{"explicit", database.TargetingSpec{RecipientIDs: []string{"a", "b"}}, "2 explicitly selected recipients"},
		{"segment", database.TargetingSpec{Segment: `Department == "Legal"`}, `people matching segment "Department == \"Legal\""`},
		{"manager", database.TargetingSpec{ManagerID: "p1"}, "everyone reporting up to p1"},
		{"empty", database.TargetingSpec{}, "nobody"},
		{"located", database.TargetingSpec{Everyone: true, LocationID: "berlin"}, "everyone in the organization with blackouts scoped to location berlin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Describe(tt.spec))
		})
	}
}
