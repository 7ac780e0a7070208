package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

type roleGetter interface {
	GetRole(ctx context.Context, id uuid.UUID) (Role, error)
}

type childLister interface {
	ListChildRoleIDs(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
}

// resolveHierarchy follows parent pointers from roleID to its root and
// returns the chain leaf first. A revisited role aborts the walk.
func resolveHierarchy(ctx context.Context, store roleGetter, roleID uuid.UUID) ([]Role, error) {
	visited := make(map[uuid.UUID]struct{}, 4)
	chain := make([]Role, 0, 4)
	current := roleID
	for {
		if _, seen := visited[current]; seen {
			return nil, fmt.Errorf("%w: role %s reached twice from %s", ErrCyclicHierarchy, current, roleID)
		}
		visited[current] = struct{}{}

		role, err := store.GetRole(ctx, current)
		if err != nil {
			if errors.Is(err, ErrRoleNotFound) && len(chain) > 0 {
				return nil, fmt.Errorf("%w: parent %s of %s", ErrRoleNotFound, current, chain[len(chain)-1].ID)
			}
			return nil, err
		}
		chain = append(chain, role)
		if role.ParentID == nil {
			return chain, nil
		}
		current = *role.ParentID
	}
}

// checkProposedParent rejects a parent assignment that would put roleID on
// its own ancestor chain.
func checkProposedParent(ctx context.Context, store roleGetter, roleID, parentID uuid.UUID) error {
	if roleID == parentID {
		return fmt.Errorf("%w: role %s cannot be its own parent", ErrCyclicHierarchy, roleID)
	}
	chain, err := resolveHierarchy(ctx, store, parentID)
	if err != nil {
		return err
	}
	for _, ancestor := range chain {
		if ancestor.ID == roleID {
			return fmt.Errorf("%w: %s is an ancestor of %s", ErrCyclicHierarchy, roleID, parentID)
		}
	}
	return nil
}

// collectDescendants returns roleID followed by every role below it,
// breadth first. Roles already seen are skipped, so a corrupt cycle still
// terminates with every reachable role included.
func collectDescendants(ctx context.Context, store childLister, roleID uuid.UUID) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]struct{}{roleID: {}}
	out := []uuid.UUID{roleID}
	queue := []uuid.UUID{roleID}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next := queue[0]
		queue = queue[1:]

		children, err := store.ListChildRoleIDs(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("list children of %s: %w", next, err)
		}
		for _, child := range children {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out, nil
}

// RoleNode is one role of the role forest with its children.
type RoleNode struct {
	Role     Role
	Children []*RoleNode
}

// BuildForest arranges roles into trees ordered by name. Roles whose parent
// is absent from the input become roots. Roles only reachable through a
// cycle are attached once, starting from the first of them by name.
func BuildForest(roles []Role) []*RoleNode {
	sorted := append([]Role(nil), roles...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	known := make(map[uuid.UUID]struct{}, len(sorted))
	for _, role := range sorted {
		known[role.ID] = struct{}{}
	}
	children := make(map[uuid.UUID][]Role, len(sorted))
	for _, role := range sorted {
		if role.ParentID != nil {
			children[*role.ParentID] = append(children[*role.ParentID], role)
		}
	}

	placed := make(map[uuid.UUID]struct{}, len(sorted))
	var build func(role Role) *RoleNode
	build = func(role Role) *RoleNode {
		placed[role.ID] = struct{}{}
		node := &RoleNode{Role: role}
		for _, child := range children[role.ID] {
			if _, ok := placed[child.ID]; ok {
				continue
			}
			node.Children = append(node.Children, build(child))
		}
		return node
	}

	var forest []*RoleNode
	for _, role := range sorted {
		if role.ParentID == nil {
			forest = append(forest, build(role))
			continue
		}
		if _, ok := known[*role.ParentID]; !ok {
			forest = append(forest, build(role))
		}
	}
	for _, role := range sorted {
		if _, ok := placed[role.ID]; !ok {
			forest = append(forest, build(role))
		}
	}
	return forest
}
