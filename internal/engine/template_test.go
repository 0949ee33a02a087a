package engine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shaiso/Tandem/internal/domain"
)

func TestNewContext(t *testing.T) {
	ctx := NewContext(nil)
	if ctx.Inputs == nil || ctx.Outputs == nil || ctx.Env == nil {
		t.Fatal("maps should be initialized")
	}
}

func TestRender(t *testing.T) {
	ctx := NewContext(map[string]any{
		"region": "westeurope",
		"size":   "S1",
		"empty":  "",
		"zones":  []any{"1", "2"},
	})
	ctx.Project = &domain.Project{ID: "web", ResourceGroup: &domain.ResourceGroup{Name: "rg-web"}}
	ctx.Outputs["azure"] = map[string]string{"vault": "kv-web"}

	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"plain text", "no templates here", "no templates here"},
		{"input", "{{ .Inputs.region }}", "westeurope"},
		{"project", "{{ .Project.ResourceGroup.Name }}-{{ .Inputs.size }}", "rg-web-S1"},
		{"output method", `{{ .Output "azure" "vault" }}`, "kv-web"},
		{"missing output", `{{ .Output "aws" "vault" }}`, ""},
		{"upper", "{{ upper .Inputs.region }}", "WESTEUROPE"},
		{"default on empty", `{{ default "S0" .Inputs.empty }}`, "S0"},
		{"default on missing", `{{ default "S0" .Inputs.missing }}`, "S0"},
		{"coalesce", `{{ coalesce .Inputs.empty .Inputs.size "S0" }}`, "S1"},
		{"json", "{{ json .Inputs.zones }}", `["1","2"]`},
		{"hasPrefix", `{{ hasPrefix .Inputs.region "west" }}`, "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.template, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestRender_Errors(t *testing.T) {
	ctx := NewContext(nil)

	if _, err := Render("{{ .Inputs.region", ctx); !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}
	if _, err := Render("{{ .Project.ID }}", ctx); !errors.Is(err, ErrTemplateRender) {
		t.Errorf("expected ErrTemplateRender for nil project, got %v", err)
	}
}

func TestRenderInputs(t *testing.T) {
	ctx := NewContext(map[string]any{"name": "web", "replicas": 2})

	inputs := map[string]any{
		"app":      "{{ .Inputs.name }}-app",
		"replicas": 3,
		"enabled":  true,
		"labels":   map[string]string{"component": "{{ .Inputs.name }}"},
		"hosts":    []any{"{{ .Inputs.name }}.internal", map[string]any{"alias": "{{ upper .Inputs.name }}"}},
		"ports":    []string{"80", "{{ .Inputs.replicas }}443"},
	}

	got, err := RenderInputs(inputs, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := map[string]any{
		"app":      "web-app",
		"replicas": 3,
		"enabled":  true,
		"labels":   map[string]string{"component": "web"},
		"hosts":    []any{"web.internal", map[string]any{"alias": "WEB"}},
		"ports":    []string{"80", "2443"},
	}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("unexpected render:\n got  %#v\n want %#v", got, expected)
	}

	// Исходные inputs не меняются
	if inputs["app"] != "{{ .Inputs.name }}-app" {
		t.Error("inputs should not be modified")
	}
}

func TestRenderInputs_NilAndError(t *testing.T) {
	got, err := RenderInputs(nil, NewContext(nil))
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("expected empty map, got %v (%v)", got, err)
	}

	_, err = RenderInputs(map[string]any{"nested": map[string]any{"bad": "{{ .Nope"}}, NewContext(nil))
	if !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}
}

func TestNewTaskContext(t *testing.T) {
	project := &domain.Project{
		ID:            "p1",
		Organization:  "contoso",
		ResourceGroup: &domain.ResourceGroup{ID: "/subscriptions/s1/resourceGroups/rg-p1", Name: "rg-p1"},
		ProviderOutputs: map[string]map[domain.CommandType]map[string]string{
			"azure": {
				domain.CommandProjectCreate: {"vault": "kv-p1"},
			},
		},
	}
	component := &domain.Component{
		ID:        "web",
		ProjectID: "p1",
		Type:      domain.ComponentTypeEnvironment,
		InputJSON: `{"region":"westeurope","size":"S1"}`,
	}
	task := &domain.ComponentTask{
		ID:        "t1",
		Type:      domain.ComponentTaskTypeCustom,
		TypeName:  "reset",
		InputJSON: `{"size":"S2","name":"{{ .Project.ResourceGroup.Name }}-{{ .Inputs.region }}"}`,
	}

	ctx, err := NewTaskContext(project, component, task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Параметры задачи перекрывают параметры компонента
	if ctx.Inputs["size"] != "S2" {
		t.Errorf("expected size S2, got %v", ctx.Inputs["size"])
	}
	if ctx.Inputs["region"] != "westeurope" {
		t.Errorf("expected region from component, got %v", ctx.Inputs["region"])
	}
	if ctx.Outputs["azure"]["vault"] != "kv-p1" {
		t.Errorf("expected provider output, got %v", ctx.Outputs["azure"])
	}

	rendered, err := Render("{{ .Outputs.azure.vault }}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rendered != "kv-p1" {
		t.Errorf("expected kv-p1, got %q", rendered)
	}
}

func TestNewTaskContext_InvalidInput(t *testing.T) {
	component := &domain.Component{ID: "web", InputJSON: "{broken"}

	if _, err := NewTaskContext(nil, component, nil); err == nil {
		t.Error("expected error for invalid component input")
	}
}

func TestTaskEnvironment(t *testing.T) {
	project := &domain.Project{ID: "p1", Organization: "contoso"}
	component := &domain.Component{ID: "web", Type: domain.ComponentTypeRepository, InputJSON: `{"repo":"{{ .Project.ID }}-web"}`}
	task := &domain.ComponentTask{ID: "t1", Type: domain.ComponentTaskTypeCreate}

	ctx, err := NewTaskContext(project, component, task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx.SetEnv("GREETING", "hello {{ .Component.ID }}")

	env, err := TaskEnvironment(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if env["TANDEM_INPUT"] != `{"repo":"p1-web"}` {
		t.Errorf("unexpected TANDEM_INPUT: %s", env["TANDEM_INPUT"])
	}
	if env["GREETING"] != "hello web" {
		t.Errorf("unexpected GREETING: %s", env["GREETING"])
	}
	if env["TANDEM_PROJECT_ID"] != "p1" || env["TANDEM_COMPONENT_TYPE"] != "Repository" {
		t.Errorf("unexpected fixed env: %v", env)
	}
	if _, ok := env["TANDEM_TASK_NAME"]; ok {
		t.Error("TANDEM_TASK_NAME should be absent for tasks without a name")
	}
}
