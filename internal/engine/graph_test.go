package engine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shaiso/Tandem/internal/domain"
)

func TestBuildGraph_SimpleChain(t *testing.T) {
	g, err := BuildGraph([]Dependency{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"B"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if g.Size() != 3 {
		t.Errorf("expected 3 nodes, got %d", g.Size())
	}
	if len(g.RootNodes) != 1 || g.RootNodes[0].ID != "A" {
		t.Errorf("expected single root A, got %v", g.RootNodes)
	}

	nodeC := g.GetNode("C")
	if len(nodeC.DependsOn) != 1 || nodeC.DependsOn[0].ID != "B" {
		t.Error("node C should depend on B")
	}

	want := [][]string{{"A"}, {"B"}, {"C"}}
	if got := g.Batches(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestBuildGraph_Diamond(t *testing.T) {
	// A → B → D
	// A → C → D
	g, err := BuildGraph([]Dependency{
		{ID: "D", DependsOn: []string{"C", "B"}},
		{ID: "C", DependsOn: []string{"A"}},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "A"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Внутри batch id отсортированы независимо от порядка входа
	want := [][]string{{"A"}, {"B", "C"}, {"D"}}
	if got := g.Batches(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	if g.GetNode("D").InDegree != 2 {
		t.Errorf("expected D in-degree 2, got %d", g.GetNode("D").InDegree)
	}
}

func TestBuildGraph_UnevenLayers(t *testing.T) {
	// E зависит от A (слой 0) и от D (слой 2): попадает в слой 3
	g, err := BuildGraph([]Dependency{
		{ID: "A"},
		{ID: "X"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "D", DependsOn: []string{"B"}},
		{ID: "E", DependsOn: []string{"A", "D"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := [][]string{{"A", "X"}, {"B"}, {"D"}, {"E"}}
	if got := g.Batches(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestBuildGraph_DuplicateEdge(t *testing.T) {
	g, err := BuildGraph([]Dependency{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A", "A"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.GetNode("B").InDegree != 1 {
		t.Errorf("duplicate edge counted twice: in-degree %d", g.GetNode("B").InDegree)
	}
}

func TestBuildGraph_Empty(t *testing.T) {
	g, err := BuildGraph(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Batches()) != 0 {
		t.Errorf("expected no batches, got %v", g.Batches())
	}
}

func TestBuildGraph_Errors(t *testing.T) {
	tests := []struct {
		name  string
		items []Dependency
		want  error
	}{
		{
			name:  "empty id",
			items: []Dependency{{ID: ""}},
			want:  ErrEmptyProviderID,
		},
		{
			name:  "duplicate id",
			items: []Dependency{{ID: "A"}, {ID: "A"}},
			want:  ErrDuplicateProviderID,
		},
		{
			name:  "self dependency",
			items: []Dependency{{ID: "A", DependsOn: []string{"A"}}},
			want:  ErrSelfDependency,
		},
		{
			name:  "missing dependency",
			items: []Dependency{{ID: "A", DependsOn: []string{"Z"}}},
			want:  ErrMissingDependency,
		},
		{
			name: "cycle",
			items: []Dependency{
				{ID: "A", DependsOn: []string{"C"}},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"B"}},
			},
			want: ErrCyclicDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGraph(tt.items)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestBuildGraph_ValidationErrorContext(t *testing.T) {
	_, err := BuildGraph([]Dependency{{ID: "github", DependsOn: []string{"azure"}}})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if verr.ProviderID != "github" || verr.Field != "depends_on" {
		t.Errorf("unexpected context: %+v", verr)
	}
}

func TestProjectBatches(t *testing.T) {
	project := &domain.Project{
		ID: "p1",
		Providers: []domain.ProjectProvider{
			{ID: "github", DependsOn: []string{"azure"}},
			{ID: "azure"},
			{ID: "teams", DependsOn: []string{"azure"}},
		},
	}

	batches, err := ProjectBatches(project)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := [][]string{{"azure"}, {"github", "teams"}}
	if !reflect.DeepEqual(batches, want) {
		t.Errorf("expected %v, got %v", want, batches)
	}
}

func TestProviderBatches_IgnoresForeignDependencies(t *testing.T) {
	providers := []domain.Provider{
		{ID: "github", DependsOn: []string{"azure", "vault"}},
		{ID: "azure"},
	}

	batches, err := ProviderBatches(providers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := [][]string{{"azure"}, {"github"}}
	if !reflect.DeepEqual(batches, want) {
		t.Errorf("expected %v, got %v", want, batches)
	}
}
