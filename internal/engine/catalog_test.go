package engine

import (
	"errors"
	"testing"
	"time"
)

func TestParseCatalog(t *testing.T) {
	data := []byte(`
providers:
  - id: azure
    url: https://azure-provider.internal/commands
    principal_id: 6b1f0c2e
    properties:
      region: westeurope
  - id: github
    url: https://github-provider.internal/commands
    depends_on: [azure]
    timeout_sec: 900
`)

	c, err := ParseCatalog(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(c.Providers))
	}

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	providers := c.Domain(now)

	if providers[0].Properties["region"] != "westeurope" {
		t.Errorf("expected region property, got %v", providers[0].Properties)
	}
	if providers[1].Timeout() != 15*time.Minute {
		t.Errorf("expected 15m timeout, got %v", providers[1].Timeout())
	}
	if providers[1].IsRegistered() {
		t.Error("catalog providers should start unregistered")
	}
	if !providers[1].CreatedAt.Equal(now) {
		t.Errorf("expected CreatedAt %v, got %v", now, providers[1].CreatedAt)
	}
}

func TestParseCatalog_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{
			name: "empty",
			data: "providers: []",
			want: ErrEmptyCatalog,
		},
		{
			name: "missing url",
			data: "providers:\n  - id: azure\n",
			want: ErrInvalidProvider,
		},
		{
			name: "bad url",
			data: "providers:\n  - id: azure\n    url: not a url\n",
			want: ErrInvalidProvider,
		},
		{
			name: "unknown dependency",
			data: "providers:\n  - id: azure\n    url: https://a.internal\n    depends_on: [vault]\n",
			want: ErrMissingDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestParseCatalog_InvalidYAML(t *testing.T) {
	if _, err := ParseCatalog([]byte("providers: [")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}
