package engine

import (
	"fmt"
	"sort"

	"github.com/shaiso/Tandem/internal/domain"
)

// Dependency — элемент графа: идентификатор и то, от чего он зависит.
type Dependency struct {
	ID        string
	DependsOn []string
}

// Node — узел графа зависимостей провайдеров.
type Node struct {
	// ID — идентификатор провайдера.
	ID string

	// InDegree — количество входящих рёбер (зависимостей).
	InDegree int

	// DependsOn — узлы, от которых зависит этот узел.
	DependsOn []*Node

	// Dependents — узлы, которые зависят от этого узла.
	Dependents []*Node
}

// Graph — направленный ациклический граф зависимостей провайдеров.
type Graph struct {
	// Nodes — все узлы графа (id → Node).
	Nodes map[string]*Node

	// RootNodes — узлы без зависимостей, отсортированы по id.
	RootNodes []*Node

	// batches — слои топологической сортировки.
	batches [][]string
}

// BuildGraph строит граф и проверяет его: пустые и повторяющиеся id,
// зависимость от самого себя, от неизвестного узла и циклы.
func BuildGraph(items []Dependency) (*Graph, error) {
	g := &Graph{
		Nodes:     make(map[string]*Node, len(items)),
		RootNodes: make([]*Node, 0),
	}

	// Первый проход: создаём все узлы
	for _, item := range items {
		if item.ID == "" {
			return nil, NewValidationError("", "id", "provider has empty ID", ErrEmptyProviderID)
		}
		if _, exists := g.Nodes[item.ID]; exists {
			return nil, NewValidationError(item.ID, "id",
				fmt.Sprintf("duplicate provider ID: %s", item.ID), ErrDuplicateProviderID)
		}
		g.Nodes[item.ID] = &Node{ID: item.ID}
	}

	// Второй проход: связываем узлы по зависимостям
	for _, item := range items {
		node := g.Nodes[item.ID]
		for _, depID := range item.DependsOn {
			if depID == item.ID {
				return nil, NewValidationError(item.ID, "depends_on",
					"provider depends on itself", ErrSelfDependency)
			}
			dep, exists := g.Nodes[depID]
			if !exists {
				return nil, NewValidationError(item.ID, "depends_on",
					fmt.Sprintf("depends on unknown provider: %s", depID), ErrMissingDependency)
			}
			g.addEdge(dep, node)
		}
	}

	for _, node := range g.Nodes {
		if node.InDegree == 0 {
			g.RootNodes = append(g.RootNodes, node)
		}
	}
	sortNodes(g.RootNodes)

	batches, err := g.layers()
	if err != nil {
		return nil, err
	}
	g.batches = batches

	return g, nil
}

// addEdge добавляет ребро между узлами.
// Дубликаты пропускаются, чтобы не учитывать InDegree дважды.
func (g *Graph) addEdge(from, to *Node) {
	for _, dep := range to.DependsOn {
		if dep.ID == from.ID {
			return
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
	to.InDegree++
}

// layers выполняет топологическую сортировку (алгоритм Кана) по слоям.
//
// В слой k попадают узлы, все зависимости которых лежат в слоях < k.
// Внутри слоя id отсортированы: порядок отправки должен быть
// одинаковым при каждом replay оркестрации.
func (g *Graph) layers() ([][]string, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	for id, node := range g.Nodes {
		inDegree[id] = node.InDegree
	}

	current := make([]*Node, len(g.RootNodes))
	copy(current, g.RootNodes)

	var batches [][]string
	visited := 0

	for len(current) > 0 {
		batch := make([]string, 0, len(current))
		var next []*Node

		for _, node := range current {
			batch = append(batch, node.ID)
			visited++

			for _, dependent := range node.Dependents {
				inDegree[dependent.ID]--
				if inDegree[dependent.ID] == 0 {
					next = append(next, dependent)
				}
			}
		}

		batches = append(batches, batch)
		sortNodes(next)
		current = next
	}

	// Если не все узлы обработаны — есть цикл
	if visited != len(g.Nodes) {
		return nil, ErrCyclicDependency
	}

	return batches, nil
}

// Batches возвращает провайдеров по слоям: провайдеры слоя зависят только
// от провайдеров предыдущих слоёв.
func (g *Graph) Batches() [][]string {
	out := make([][]string, len(g.batches))
	for i, b := range g.batches {
		out[i] = append([]string(nil), b...)
	}
	return out
}

// GetNode возвращает узел по ID.
func (g *Graph) GetNode(id string) *Node {
	return g.Nodes[id]
}

// Size возвращает количество узлов в графе.
func (g *Graph) Size() int {
	return len(g.Nodes)
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

// ProjectBatches строит batch провайдеров проекта по их DependsOn.
func ProjectBatches(project *domain.Project) ([][]string, error) {
	items := make([]Dependency, 0, len(project.Providers))
	for _, pp := range project.Providers {
		items = append(items, Dependency{ID: pp.ID, DependsOn: pp.DependsOn})
	}

	g, err := BuildGraph(items)
	if err != nil {
		return nil, fmt.Errorf("project %s providers: %w", project.ID, err)
	}
	return g.Batches(), nil
}

// ProviderBatches строит batch для набора провайдеров по их собственным
// DependsOn. Зависимости от провайдеров вне набора игнорируются: они уже
// отработали раньше или не участвуют в команде.
func ProviderBatches(providers []domain.Provider) ([][]string, error) {
	known := make(map[string]bool, len(providers))
	for _, p := range providers {
		known[p.ID] = true
	}

	items := make([]Dependency, 0, len(providers))
	for _, p := range providers {
		var deps []string
		for _, d := range p.DependsOn {
			if known[d] {
				deps = append(deps, d)
			}
		}
		items = append(items, Dependency{ID: p.ID, DependsOn: deps})
	}

	g, err := BuildGraph(items)
	if err != nil {
		return nil, err
	}
	return g.Batches(), nil
}
