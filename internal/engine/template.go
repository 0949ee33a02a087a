package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/shaiso/Tandem/internal/domain"
)

// Context — данные, доступные шаблонам входных параметров задачи
// компонента: .Inputs, .Project, .Component, .Task, .Outputs и .Env.
type Context struct {
	// Inputs — входные параметры компонента, перекрытые параметрами задачи.
	Inputs map[string]any `json:"inputs"`

	// Project — проект компонента (может быть nil).
	Project *domain.Project `json:"project,omitempty"`

	// Component — компонент задачи (может быть nil).
	Component *domain.Component `json:"component,omitempty"`

	// Task — запускаемая задача (может быть nil).
	Task *domain.ComponentTask `json:"task,omitempty"`

	// Outputs — выходные свойства провайдеров проекта (провайдер → ключ → значение).
	Outputs map[string]map[string]string `json:"outputs"`

	// Env — переменные окружения.
	Env map[string]string `json:"env"`
}

// NewContext создаёт контекст с входными параметрами.
func NewContext(inputs map[string]any) *Context {
	if inputs == nil {
		inputs = make(map[string]any)
	}
	return &Context{
		Inputs:  inputs,
		Outputs: make(map[string]map[string]string),
		Env:     make(map[string]string),
	}
}

// NewTaskContext собирает контекст задачи компонента.
//
// Inputs — InputJSON компонента, поверх которого накладывается InputJSON
// задачи. Outputs — последние выходные свойства каждого провайдера проекта.
func NewTaskContext(project *domain.Project, component *domain.Component, task *domain.ComponentTask) (*Context, error) {
	inputs := make(map[string]any)
	if component != nil {
		if err := mergeJSON(inputs, component.InputJSON); err != nil {
			return nil, fmt.Errorf("component %s input: %w", component.ID, err)
		}
	}
	if task != nil {
		if err := mergeJSON(inputs, task.InputJSON); err != nil {
			return nil, fmt.Errorf("task %s input: %w", task.ID, err)
		}
	}

	ctx := NewContext(inputs)
	ctx.Project = project
	ctx.Component = component
	ctx.Task = task

	if project != nil {
		for providerID, byType := range project.ProviderOutputs {
			merged := make(map[string]string)
			for _, props := range byType {
				for k, v := range props {
					merged[k] = v
				}
			}
			ctx.Outputs[providerID] = merged
		}
	}

	return ctx, nil
}

func mergeJSON(dst map[string]any, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var src map[string]any
	if err := json.Unmarshal([]byte(raw), &src); err != nil {
		return err
	}
	for k, v := range src {
		dst[k] = v
	}
	return nil
}

// SetEnv задаёт дополнительную переменную окружения контейнера.
// Значение рендерится вместе со входными параметрами.
func (c *Context) SetEnv(key, value string) {
	c.Env[key] = value
}

// Output возвращает выходное свойство провайдера проекта:
//
//	{{ .Output "azure" "vault" }}
func (c *Context) Output(providerID, key string) string {
	return c.Outputs[providerID][key]
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"default": func(def, val any) any {
		if isEmpty(val) {
			return def
		}
		return val
	},
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if !isEmpty(v) {
				return v
			}
		}
		return nil
	},
	"join":      func(sep string, items []string) string { return strings.Join(items, sep) },
	"contains":  strings.Contains,
	"hasPrefix": strings.HasPrefix,
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
}

// Render рендерит строку как Go template с контекстом задачи.
// Строки без "{{" возвращаются без разбора.
func Render(tmpl string, ctx *Context) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return buf.String(), nil
}

// RenderValue рендерит строки внутри значения, обходя map и slice.
// Остальные типы возвращаются как есть.
func RenderValue(value any, ctx *Context) (any, error) {
	switch v := value.(type) {
	case string:
		return Render(v, ctx)
	case map[string]any:
		return renderEach(v, func(val any) (any, error) { return RenderValue(val, ctx) })
	case map[string]string:
		return renderEach(v, func(val string) (string, error) { return Render(val, ctx) })
	case []any:
		return renderSlice(v, func(val any) (any, error) { return RenderValue(val, ctx) })
	case []string:
		return renderSlice(v, func(val string) (string, error) { return Render(val, ctx) })
	default:
		return value, nil
	}
}

func renderEach[V any](m map[string]V, fn func(V) (V, error)) (map[string]V, error) {
	out := make(map[string]V, len(m))
	for k, v := range m {
		r, err := fn(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = r
	}
	return out, nil
}

func renderSlice[V any](items []V, fn func(V) (V, error)) ([]V, error) {
	out := make([]V, len(items))
	for i, v := range items {
		r, err := fn(v)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// RenderInputs рендерит входные параметры задачи.
func RenderInputs(inputs map[string]any, ctx *Context) (map[string]any, error) {
	if inputs == nil {
		return map[string]any{}, nil
	}
	return renderEach(inputs, func(val any) (any, error) { return RenderValue(val, ctx) })
}

// TaskEnvironment возвращает переменные окружения контейнера задачи:
// фиксированные TANDEM_* и TANDEM_INPUT с отрендеренными входными
// параметрами в JSON.
func TaskEnvironment(ctx *Context) (map[string]string, error) {
	inputs, err := RenderInputs(ctx.Inputs, ctx)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	env := make(map[string]string, len(ctx.Env)+6)
	for k, v := range ctx.Env {
		rendered, err := Render(v, ctx)
		if err != nil {
			return nil, err
		}
		env[k] = rendered
	}

	env["TANDEM_INPUT"] = string(raw)
	if ctx.Project != nil {
		env["TANDEM_PROJECT_ID"] = ctx.Project.ID
		env["TANDEM_ORGANIZATION"] = ctx.Project.Organization
		if ctx.Project.ResourceGroup != nil {
			env["TANDEM_RESOURCE_GROUP"] = ctx.Project.ResourceGroup.ID
		}
	}
	if ctx.Component != nil {
		env["TANDEM_COMPONENT_ID"] = ctx.Component.ID
		env["TANDEM_COMPONENT_TYPE"] = string(ctx.Component.Type)
	}
	if ctx.Task != nil {
		env["TANDEM_TASK_ID"] = ctx.Task.ID
		env["TANDEM_TASK_TYPE"] = string(ctx.Task.Type)
		if ctx.Task.TypeName != "" {
			env["TANDEM_TASK_NAME"] = ctx.Task.TypeName
		}
	}

	return env, nil
}
