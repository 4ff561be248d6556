package rbac

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/registrar/pkg/audit"
)

//go:embed default_seed.txt
var defaultSeed []byte

// SeedPermission is one permission record of a seed descriptor
type SeedPermission struct {
	Key         string   `json:"key"`
	Resource    string   `json:"resource"`
	Action      string   `json:"action"`
	Description string   `json:"description"`
	Roles       []string `json:"roles,omitempty"`
}

// SeedRole is one role record of a seed descriptor
type SeedRole struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SeedDescriptor is the authoritative, ordered list of required permissions,
// default roles and their bindings
type SeedDescriptor struct {
	Roles       []SeedRole
	Permissions []SeedPermission
}

// Keys returns the descriptor's permission keys in declaration order
func (d *SeedDescriptor) Keys() []string {
	keys := make([]string, len(d.Permissions))
	for i, p := range d.Permissions {
		keys[i] = p.Key
	}
	return keys
}

// Bindings returns role name -> keys bound by the descriptor
func (d *SeedDescriptor) Bindings() map[string][]string {
	out := make(map[string][]string, len(d.Roles))
	for _, r := range d.Roles {
		out[r.Name] = []string{}
	}
	for _, p := range d.Permissions {
		for _, role := range p.Roles {
			out[role] = append(out[role], p.Key)
		}
	}
	return out
}

type seedLine struct {
	Role        string   `yaml:"role"`
	Key         string   `yaml:"key"`
	Resource    string   `yaml:"resource"`
	Action      string   `yaml:"action"`
	Description string   `yaml:"description"`
	Roles       []string `yaml:"roles"`
}

// ParseSeed reads a newline-delimited seed descriptor. Each non-blank,
// non-comment line is a YAML flow mapping describing either a role or a
// permission.
func ParseSeed(r io.Reader) (*SeedDescriptor, error) {
	var (
		desc     SeedDescriptor
		roles    = map[string]bool{}
		keys     = map[string]bool{}
		scanner  = bufio.NewScanner(r)
		lineNum  int
		pending  []SeedPermission
		lineRefs []int
	)

	for scanner.Scan() {
		lineNum++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var line seedLine
		dec := yaml.NewDecoder(strings.NewReader(text))
		dec.KnownFields(true)
		if err := dec.Decode(&line); err != nil {
			return nil, fmt.Errorf("seed line %d: %w", lineNum, err)
		}

		if line.Role != "" {
			if line.Resource != "" || line.Action != "" || line.Key != "" || len(line.Roles) > 0 {
				return nil, fmt.Errorf("seed line %d: role records take only role and description", lineNum)
			}
			if !ValidRoleName(line.Role) {
				return nil, fmt.Errorf("seed line %d: invalid role name %q", lineNum, line.Role)
			}
			if roles[line.Role] {
				return nil, fmt.Errorf("seed line %d: duplicate role %q", lineNum, line.Role)
			}
			roles[line.Role] = true
			desc.Roles = append(desc.Roles, SeedRole{Name: line.Role, Description: line.Description})
			continue
		}

		key := line.Resource + ":" + line.Action
		if _, _, err := ParseKey(key); err != nil {
			return nil, fmt.Errorf("seed line %d: %w", lineNum, err)
		}
		if line.Key != "" && line.Key != key {
			return nil, fmt.Errorf("seed line %d: key %q does not match %s", lineNum, line.Key, key)
		}
		if keys[key] {
			return nil, fmt.Errorf("seed line %d: duplicate key %q", lineNum, key)
		}
		keys[key] = true
		pending = append(pending, SeedPermission{
			Key:         key,
			Resource:    line.Resource,
			Action:      line.Action,
			Description: line.Description,
			Roles:       uniqueStrings(line.Roles),
		})
		lineRefs = append(lineRefs, lineNum)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}

	for i, p := range pending {
		for _, role := range p.Roles {
			if !roles[role] {
				return nil, fmt.Errorf("seed line %d: undeclared role %q", lineRefs[i], role)
			}
		}
	}
	desc.Permissions = pending
	return &desc, nil
}

// DefaultSeed returns the embedded default descriptor
func DefaultSeed() *SeedDescriptor {
	desc, err := ParseSeed(bytes.NewReader(defaultSeed))
	if err != nil {
		panic(fmt.Sprintf("embedded seed is invalid: %v", err))
	}
	return desc
}

// LoadSeedFile parses the descriptor at path, or the embedded default when
// path is empty
func LoadSeedFile(path string) (*SeedDescriptor, error) {
	if path == "" {
		return DefaultSeed(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return ParseSeed(f)
}

// SeedReport summarizes what a seeder run changed
type SeedReport struct {
	Created          []string `json:"created"`
	Reactivated      []string `json:"reactivated"`
	Unchanged        int      `json:"unchanged"`
	RolesCreated     []string `json:"roles_created"`
	RolesReactivated []string `json:"roles_reactivated"`
	BindingsCreated  int      `json:"bindings_created"`
}

// Changed reports whether the run modified the store
func (r *SeedReport) Changed() bool {
	return len(r.Created)+len(r.Reactivated)+len(r.RolesCreated)+len(r.RolesReactivated)+r.BindingsCreated > 0
}

func (r *SeedReport) snapshot() map[string]interface{} {
	return map[string]interface{}{
		"created":           r.Created,
		"reactivated":       r.Reactivated,
		"unchanged":         r.Unchanged,
		"roles_created":     r.RolesCreated,
		"roles_reactivated": r.RolesReactivated,
		"bindings_created":  r.BindingsCreated,
	}
}

// seed makes the store a superset of desc in one transaction. It never
// removes anything.
func (s *Store) seed(ctx context.Context, policy AuditPolicy, desc *SeedDescriptor, m Mutation, now time.Time) (*SeedReport, error) {
	now = now.UTC()
	report := &SeedReport{Created: []string{}, Reactivated: []string{}, RolesCreated: []string{}, RolesReactivated: []string{}}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		permIDs := make(map[string]int64, len(desc.Permissions))
		for _, sp := range desc.Permissions {
			existing, err := s.getPermission(ctx, tx, sp.Key)
			switch {
			case err == nil:
			case errors.Is(err, ErrUnknownPermission):
				p := &Permission{Key: sp.Key, Resource: sp.Resource, Action: sp.Action, Description: sp.Description}
				if err := s.insertPermission(ctx, tx, p, now); err != nil {
					return err
				}
				permIDs[sp.Key] = p.ID
				report.Created = append(report.Created, sp.Key)
				continue
			default:
				return err
			}

			if existing.Resource != sp.Resource || existing.Action != sp.Action {
				return &Error{
					Kind:   ErrSeedConflict,
					Key:    sp.Key,
					Reason: fmt.Sprintf("stored %s/%s, seed %s/%s", existing.Resource, existing.Action, sp.Resource, sp.Action),
				}
			}
			permIDs[sp.Key] = existing.ID
			if !existing.Active {
				if err := s.reactivatePermission(ctx, tx, existing.ID, now); err != nil {
					return err
				}
				report.Reactivated = append(report.Reactivated, sp.Key)
				continue
			}
			report.Unchanged++
		}

		bindings := desc.Bindings()
		roleNames := make([]string, 0, len(bindings))
		for name := range bindings {
			roleNames = append(roleNames, name)
		}
		sort.Strings(roleNames)
		descriptions := make(map[string]string, len(desc.Roles))
		for _, r := range desc.Roles {
			descriptions[r.Name] = r.Description
		}

		for _, name := range roleNames {
			role, err := s.getRole(ctx, tx, name)
			var roleID int64
			switch {
			case err == nil:
				roleID = role.ID
				if !role.Active {
					if err := s.updateRoleRow(ctx, tx, role.ID, role.Description, true, now); err != nil {
						return err
					}
					report.RolesReactivated = append(report.RolesReactivated, name)
				}
			case errors.Is(err, ErrUnknownRole):
				if roleID, err = s.insertRole(ctx, tx, name, descriptions[name], now); err != nil {
					return err
				}
				report.RolesCreated = append(report.RolesCreated, name)
			default:
				return err
			}

			for _, key := range bindings[name] {
				created, err := s.bindRolePermission(ctx, tx, roleID, permIDs[key], now)
				if err != nil {
					return err
				}
				if created {
					report.BindingsCreated++
				}
			}
		}

		if !report.Changed() {
			return nil
		}
		if err := s.bumpAllVersions(ctx, tx); err != nil {
			return err
		}
		return policy.emit(ctx, tx, &audit.Record{
			Timestamp:     now,
			Kind:          audit.KindSeed,
			ActorID:       actorRef(m.Actor),
			Subject:       fmt.Sprintf("%d keys", len(desc.Permissions)),
			CorrelationID: m.CorrelationID,
			Reason:        m.Reason,
			Changes:       &audit.ChangeDetails{After: report.snapshot()},
		})
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// actorRef returns nil for the system actor
func actorRef(actor int64) *int64 {
	if actor == 0 {
		return nil
	}
	return audit.Int64(actor)
}
