package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/moss-itam/moss/internal/rbac"
)

// Checker resolves permission decisions.
type Checker interface {
	CheckPermission(ctx context.Context, userID uuid.UUID, action rbac.Action, objectType rbac.ObjectType, objectID *uuid.UUID) (rbac.Decision, error)
	EffectivePermissions(ctx context.Context, userID uuid.UUID) ([]rbac.EffectivePermission, error)
}

// CatalogSyncer writes the permission catalog.
type CatalogSyncer interface {
	SyncCatalog(ctx context.Context) (int, error)
}

// RBACCLI offers operator helpers around the permission engine.
type RBACCLI struct {
	checker Checker
	catalog CatalogSyncer
}

// NewRBACCLI constructs the helper. Either dependency may be nil when the
// corresponding command is not used.
func NewRBACCLI(checker Checker, catalog CatalogSyncer) *RBACCLI {
	return &RBACCLI{checker: checker, catalog: catalog}
}

// CheckOptions controls CheckCommand.
type CheckOptions struct {
	UserID     string
	Action     string
	ObjectType string
	ObjectID   string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

type checkOutput struct {
	UserID     uuid.UUID       `json:"user_id"`
	Action     rbac.Action     `json:"action"`
	ObjectType rbac.ObjectType `json:"object_type"`
	ObjectID   *uuid.UUID      `json:"object_id,omitempty"`
	rbac.Decision
}

// CheckCommand resolves one decision. Exit codes: 0 granted, 1 denied,
// 2 invalid input or failure.
func (c *RBACCLI) CheckCommand(ctx context.Context, opts CheckOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	if c == nil || c.checker == nil {
		fmt.Fprintln(stderr, "rbac cli: checker not configured")
		return 2
	}
	userID, err := uuid.Parse(strings.TrimSpace(opts.UserID))
	if err != nil {
		fmt.Fprintf(stderr, "invalid user id %q\n", opts.UserID)
		return 2
	}
	action, err := rbac.ParseAction(opts.Action)
	if err != nil {
		fmt.Fprintf(stderr, "%v: %q\n", err, opts.Action)
		return 2
	}
	objectType, err := rbac.ParseObjectType(opts.ObjectType)
	if err != nil {
		fmt.Fprintf(stderr, "%v: %q\n", err, opts.ObjectType)
		return 2
	}
	var objectID *uuid.UUID
	if raw := strings.TrimSpace(opts.ObjectID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			fmt.Fprintf(stderr, "invalid object id %q\n", opts.ObjectID)
			return 2
		}
		objectID = &id
	}

	decision, err := c.checker.CheckPermission(ctx, userID, action, objectType, objectID)
	if err != nil {
		fmt.Fprintf(stderr, "check permission: %v\n", err)
		return 2
	}

	if opts.JSONOutput {
		out := checkOutput{UserID: userID, Action: action, ObjectType: objectType, ObjectID: objectID, Decision: decision}
		if err := json.NewEncoder(stdout).Encode(out); err != nil {
			fmt.Fprintf(stderr, "encode output: %v\n", err)
			return 2
		}
	} else {
		verdict := "DENIED"
		if decision.Granted {
			verdict = "GRANTED"
		}
		fmt.Fprintf(stdout, "%s %s on %s (%s)", verdict, action, objectType, decision.Reason)
		if len(decision.Path) > 0 {
			fmt.Fprintf(stdout, " via %s", strings.Join(decision.Path, " -> "))
		}
		fmt.Fprintln(stdout)
	}
	if !decision.Granted {
		return 1
	}
	return 0
}

// EffectiveCommand prints every permission the user holds through roles.
func (c *RBACCLI) EffectiveCommand(ctx context.Context, rawUserID string, jsonOutput bool, stdout, stderr io.Writer) int {
	stdout, stderr = writers(stdout, stderr)
	if c == nil || c.checker == nil {
		fmt.Fprintln(stderr, "rbac cli: checker not configured")
		return 2
	}
	userID, err := uuid.Parse(strings.TrimSpace(rawUserID))
	if err != nil {
		fmt.Fprintf(stderr, "invalid user id %q\n", rawUserID)
		return 2
	}
	perms, err := c.checker.EffectivePermissions(ctx, userID)
	if err != nil {
		fmt.Fprintf(stderr, "effective permissions: %v\n", err)
		return 2
	}
	if jsonOutput {
		if err := json.NewEncoder(stdout).Encode(perms); err != nil {
			fmt.Fprintf(stderr, "encode output: %v\n", err)
			return 2
		}
		return 0
	}
	for _, p := range perms {
		source := p.RoleName
		if p.Inherited {
			source += " (inherited)"
		}
		fmt.Fprintf(stdout, "%-40s %s\n", rbac.PermissionName(p.Action, p.ObjectType), source)
	}
	return 0
}

// SyncCatalog writes every catalog permission, reporting how many exist.
func (c *RBACCLI) SyncCatalog(ctx context.Context, stdout io.Writer) error {
	if c == nil || c.catalog == nil {
		return errors.New("rbac cli: catalog syncer not configured")
	}
	stdout, _ = writers(stdout, nil)
	n, err := c.catalog.SyncCatalog(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "permission catalog synced: %d entries\n", n)
	return nil
}

func writers(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return stdout, stderr
}
