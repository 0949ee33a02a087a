package deploy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidResourceID — строка не является идентификатором ресурса.
var ErrInvalidResourceID = errors.New("invalid resource id")

// ResourceID — разобранный идентификатор ресурса вида
//
//	/subscriptions/{sub}/resourceGroups/{group}[/providers/{ns}/{type}/{name}...]
//
// Идентификатор без сегментов providers обозначает саму группу ресурсов.
type ResourceID struct {
	Raw            string
	SubscriptionID string
	ResourceGroup  string
	Namespace      string
	Types          []string
	Names          []string
}

// ParseResourceID разбирает идентификатор ресурса.
func ParseResourceID(id string) (ResourceID, error) {
	parts := strings.Split(strings.Trim(id, "/"), "/")
	if len(parts) < 4 || !strings.EqualFold(parts[0], "subscriptions") || !strings.EqualFold(parts[2], "resourceGroups") {
		return ResourceID{}, fmt.Errorf("%w: %q", ErrInvalidResourceID, id)
	}
	if parts[1] == "" || parts[3] == "" {
		return ResourceID{}, fmt.Errorf("%w: %q", ErrInvalidResourceID, id)
	}

	rid := ResourceID{
		Raw:            id,
		SubscriptionID: parts[1],
		ResourceGroup:  parts[3],
	}

	rest := parts[4:]
	if len(rest) == 0 {
		return rid, nil
	}
	if len(rest) < 4 || !strings.EqualFold(rest[0], "providers") {
		return ResourceID{}, fmt.Errorf("%w: %q", ErrInvalidResourceID, id)
	}
	rid.Namespace = rest[1]

	// Дальше пары {type}/{name}, вложенные ресурсы допускаются.
	pairs := rest[2:]
	if len(pairs)%2 != 0 {
		return ResourceID{}, fmt.Errorf("%w: %q", ErrInvalidResourceID, id)
	}
	for i := 0; i < len(pairs); i += 2 {
		rid.Types = append(rid.Types, pairs[i])
		rid.Names = append(rid.Names, pairs[i+1])
	}
	return rid, nil
}

// IsResourceGroup возвращает true, если идентификатор указывает на группу ресурсов.
func (r ResourceID) IsResourceGroup() bool {
	return len(r.Types) == 0
}

// ResourceGroupID возвращает идентификатор группы, в которой лежит ресурс.
func (r ResourceID) ResourceGroupID() string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s", r.SubscriptionID, r.ResourceGroup)
}

// String возвращает исходный идентификатор.
func (r ResourceID) String() string {
	return r.Raw
}

// PartitionResources делит идентификаторы на группы ресурсов и отдельные
// ресурсы. Нераспознанные идентификаторы возвращаются в invalid.
func PartitionResources(ids []string) (groups, resources, invalid []string) {
	for _, id := range ids {
		rid, err := ParseResourceID(id)
		switch {
		case err != nil:
			invalid = append(invalid, id)
		case rid.IsResourceGroup():
			groups = append(groups, id)
		default:
			resources = append(resources, id)
		}
	}
	return groups, resources, invalid
}
