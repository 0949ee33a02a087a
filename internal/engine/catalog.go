package engine

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/Tandem/internal/domain"
)

// Catalog — описание провайдеров в YAML, которым засевается хранилище
// при старте оркестратора.
//
//	providers:
//	  - id: github
//	    url: https://github-provider.internal/commands
//	    depends_on: [azure]
//	    timeout_sec: 900
//	    properties:
//	      org: contoso
type Catalog struct {
	Providers []CatalogProvider `yaml:"providers"`
}

// CatalogProvider — один провайдер каталога.
type CatalogProvider struct {
	ID          string            `yaml:"id" validate:"required"`
	URL         string            `yaml:"url" validate:"required,url"`
	AuthCode    string            `yaml:"auth_code"`
	PrincipalID string            `yaml:"principal_id"`
	Version     string            `yaml:"version"`
	DependsOn   []string          `yaml:"depends_on"`
	TimeoutSec  int               `yaml:"timeout_sec" validate:"gte=0"`
	Properties  map[string]string `yaml:"properties"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseCatalog разбирает и валидирует каталог.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse provider catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalog читает каталог из файла.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Validate проверяет поля провайдеров и граф их зависимостей.
func (c *Catalog) Validate() error {
	if len(c.Providers) == 0 {
		return ErrEmptyCatalog
	}

	items := make([]Dependency, 0, len(c.Providers))
	for _, p := range c.Providers {
		if err := validate.Struct(p); err != nil {
			return NewValidationError(p.ID, fieldOf(err), describe(err), ErrInvalidProvider)
		}
		items = append(items, Dependency{ID: p.ID, DependsOn: p.DependsOn})
	}

	if _, err := BuildGraph(items); err != nil {
		return err
	}
	return nil
}

// Domain переводит каталог в доменных провайдеров.
func (c *Catalog) Domain(now time.Time) []domain.Provider {
	out := make([]domain.Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, domain.Provider{
			ID:          p.ID,
			URL:         p.URL,
			AuthCode:    p.AuthCode,
			PrincipalID: p.PrincipalID,
			Version:     p.Version,
			DependsOn:   p.DependsOn,
			TimeoutSec:  p.TimeoutSec,
			Properties:  p.Properties,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return out
}

func fieldOf(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return strings.ToLower(verrs[0].Field())
	}
	return ""
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(msgs, ", ")
}
