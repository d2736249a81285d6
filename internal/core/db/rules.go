package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/solatis/rulekeeper/internal/types"
)

// ruleRow mirrors one row of the rules table.
type ruleRow struct {
	RuleID     string         `db:"rule_id"`
	ProjectID  string         `db:"project_id"`
	ParentID   sql.NullString `db:"parent_id"`
	RuleType   string         `db:"rule_type"`
	Position   int            `db:"position"`
	TargetURI  string         `db:"target_uri"`
	IsBackward bool           `db:"is_backward"`
	ValueType  string         `db:"value_type"`
	SourcePath string         `db:"source_path"`
	Pattern    string         `db:"pattern"`
	Comment    string         `db:"comment"`
	Revision   int64          `db:"revision"`
}

func (r ruleRow) rule() types.Rule {
	return types.Rule{
		ID:       types.RuleID(r.RuleID),
		ParentID: types.RuleID(r.ParentID.String),
		Type:     types.RuleType(r.RuleType),
		MappingTarget: types.MappingTarget{
			URI:        r.TargetURI,
			IsBackward: r.IsBackward,
			ValueType:  r.ValueType,
		},
		SourcePath: r.SourcePath,
		Pattern:    r.Pattern,
		Comment:    r.Comment,
		Position:   r.Position,
		Revision:   r.Revision,
	}
}

// RuleRepository persists the rule tree of each project.
//
// Every write runs in one transaction and bumps the rule's revision. Updates
// must carry the revision they were based on; a mismatch is types.ErrConflict.
type RuleRepository struct {
	q   *Queries
	now func() time.Time
}

// NewRuleRepository creates a repository over loaded queries.
func NewRuleRepository(q *Queries) *RuleRepository {
	return &RuleRepository{
		q:   q,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// EnsureProject creates the project if it does not exist.
func (r *RuleRepository) EnsureProject(ctx context.Context, projectID, name string) error {
	return r.q.InTx(ctx, func(tx *Tx) error {
		return ensureProject(ctx, tx, projectID, name, r.now())
	})
}

func ensureProject(ctx context.Context, tx *Tx, projectID, name string, now time.Time) error {
	var existing struct {
		ProjectID string `db:"project_id"`
		Name      string `db:"name"`
	}
	err := tx.Get(ctx, "get-project", &existing, projectID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("get project %s: %w", projectID, err)
	}
	if _, err := tx.Exec(ctx, "insert-project", projectID, name, now); err != nil {
		return fmt.Errorf("insert project %s: %w", projectID, err)
	}
	return nil
}

// EnsureRoot returns the project's root rule, creating project and root on first use.
func (r *RuleRepository) EnsureRoot(ctx context.Context, projectID string) (types.Rule, error) {
	var root types.Rule
	err := r.q.InTx(ctx, func(tx *Tx) error {
		var row ruleRow
		err := tx.Get(ctx, "get-root-rule", &row, projectID)
		if err == nil {
			root, err = r.load(ctx, tx, row)
			return err
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("get root of %s: %w", projectID, err)
		}

		now := r.now()
		if err := ensureProject(ctx, tx, projectID, projectID, now); err != nil {
			return err
		}
		id := types.NewRuleID()
		if _, err := tx.Exec(ctx, "insert-rule",
			string(id), projectID, nil, string(types.RuleTypeRoot), 0,
			"", false, "", "", "", "", now, now,
		); err != nil {
			return fmt.Errorf("insert root of %s: %w", projectID, err)
		}
		root = types.Rule{ID: id, Type: types.RuleTypeRoot, Revision: 1}
		return nil
	})
	return root, err
}

// Get returns one rule with its entity types and ordered child ids.
func (r *RuleRepository) Get(ctx context.Context, projectID string, id types.RuleID) (types.Rule, error) {
	var rule types.Rule
	err := r.q.InTx(ctx, func(tx *Tx) error {
		var err error
		rule, err = r.get(ctx, tx, projectID, id)
		return err
	})
	return rule, err
}

// Children returns the direct children of id in position order.
func (r *RuleRepository) Children(ctx context.Context, projectID string, id types.RuleID) ([]types.Rule, error) {
	var children []types.Rule
	err := r.q.InTx(ctx, func(tx *Tx) error {
		if _, err := r.get(ctx, tx, projectID, id); err != nil {
			return err
		}
		var rows []ruleRow
		if err := tx.Select(ctx, "list-children", &rows, projectID, string(id)); err != nil {
			return fmt.Errorf("list children of %s: %w", id, err)
		}
		for _, row := range rows {
			rule, err := r.load(ctx, tx, row)
			if err != nil {
				return err
			}
			children = append(children, rule)
		}
		return nil
	})
	return children, err
}

func (r *RuleRepository) get(ctx context.Context, tx *Tx, projectID string, id types.RuleID) (types.Rule, error) {
	var row ruleRow
	err := tx.Get(ctx, "get-rule", &row, projectID, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Rule{}, fmt.Errorf("rule %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return types.Rule{}, fmt.Errorf("get rule %s: %w", id, err)
	}
	return r.load(ctx, tx, row)
}

// load completes a row with its type rules and child ids.
func (r *RuleRepository) load(ctx context.Context, tx *Tx, row ruleRow) (types.Rule, error) {
	rule := row.rule()
	if !rule.Type.HasChildren() {
		return rule, nil
	}
	if err := tx.Select(ctx, "list-type-rules", &rule.TypeRules, row.RuleID); err != nil {
		return types.Rule{}, fmt.Errorf("list type rules of %s: %w", row.RuleID, err)
	}
	var ids []string
	if err := tx.Select(ctx, "list-child-ids", &ids, row.ProjectID, row.RuleID); err != nil {
		return types.Rule{}, fmt.Errorf("list children of %s: %w", row.RuleID, err)
	}
	for _, id := range ids {
		rule.Children = append(rule.Children, types.RuleID(id))
	}
	return rule, nil
}

// SaveObject creates (empty ID) or updates an object or root rule.
func (r *RuleRepository) SaveObject(ctx context.Context, projectID string, rule types.Rule) (types.Ack, error) {
	if !rule.Type.HasChildren() {
		return types.Ack{}, types.Invalid("type", "object mapping cannot have type %q", rule.Type)
	}
	rule.MappingTarget.ValueType = ""
	return r.save(ctx, projectID, rule)
}

// SaveValue creates (empty ID) or updates a value rule.
func (r *RuleRepository) SaveValue(ctx context.Context, projectID string, rule types.Rule) (types.Ack, error) {
	if rule.Type != types.RuleTypeValue {
		return types.Ack{}, types.Invalid("type", "value mapping cannot have type %q", rule.Type)
	}
	if rule.MappingTarget.ValueType == "" {
		rule.MappingTarget.ValueType = types.DefaultPropertyType
	}
	rule.MappingTarget.IsBackward = false
	rule.TypeRules = nil
	rule.Pattern = ""
	return r.save(ctx, projectID, rule)
}

func (r *RuleRepository) save(ctx context.Context, projectID string, rule types.Rule) (types.Ack, error) {
	var ack types.Ack
	err := r.q.InTx(ctx, func(tx *Tx) error {
		var err error
		if rule.ID == "" {
			ack, err = r.create(ctx, tx, projectID, rule)
		} else {
			ack, err = r.update(ctx, tx, projectID, rule)
		}
		return err
	})
	return ack, err
}

func (r *RuleRepository) create(ctx context.Context, tx *Tx, projectID string, rule types.Rule) (types.Ack, error) {
	if rule.Type == types.RuleTypeRoot {
		return types.Ack{}, types.Invalid("type", "root rules are created with the project")
	}
	if rule.ParentID == "" {
		return types.Ack{}, types.Invalid("parentId", "required when creating a rule")
	}
	parent, err := r.get(ctx, tx, projectID, rule.ParentID)
	if err != nil {
		return types.Ack{}, err
	}
	if !parent.Type.HasChildren() {
		return types.Ack{}, types.Invalid("parentId", "value rule %s cannot have children", parent.ID)
	}

	var count int
	if err := tx.Get(ctx, "count-children", &count, projectID, string(parent.ID)); err != nil {
		return types.Ack{}, fmt.Errorf("count children of %s: %w", parent.ID, err)
	}
	if count >= types.MaxChildren {
		return types.Ack{}, types.Invalid("parentId", "rule %s already has %d children", parent.ID, count)
	}

	id := types.NewRuleID()
	now := r.now()
	if _, err := tx.Exec(ctx, "insert-rule",
		string(id), projectID, string(parent.ID), string(rule.Type), count,
		rule.MappingTarget.URI, rule.MappingTarget.IsBackward, rule.MappingTarget.ValueType,
		rule.SourcePath, rule.Pattern, rule.Comment, now, now,
	); err != nil {
		return types.Ack{}, fmt.Errorf("insert rule: %w", err)
	}
	if err := r.writeTypeRules(ctx, tx, id, rule.TypeRules); err != nil {
		return types.Ack{}, err
	}
	return types.Ack{ID: id, Revision: 1}, nil
}

func (r *RuleRepository) update(ctx context.Context, tx *Tx, projectID string, rule types.Rule) (types.Ack, error) {
	existing, err := r.get(ctx, tx, projectID, rule.ID)
	if err != nil {
		return types.Ack{}, err
	}
	if existing.Revision != rule.Revision {
		return types.Ack{}, fmt.Errorf("rule %s is at revision %d, update based on %d: %w",
			rule.ID, existing.Revision, rule.Revision, types.ErrConflict)
	}
	if (existing.Type == types.RuleTypeRoot) != (rule.Type == types.RuleTypeRoot) {
		return types.Ack{}, types.Invalid("type", "cannot change %s rule to %s", existing.Type, rule.Type)
	}
	if rule.ParentID != "" && rule.ParentID != existing.ParentID {
		return types.Ack{}, types.Invalid("parentId", "rules cannot move between parents")
	}
	if rule.Type == types.RuleTypeValue && len(existing.Children) > 0 {
		return types.Ack{}, types.Invalid("type", "rule %s has children and cannot become a value rule", rule.ID)
	}

	res, err := tx.Exec(ctx, "update-rule",
		string(rule.Type), rule.MappingTarget.URI, rule.MappingTarget.IsBackward, rule.MappingTarget.ValueType,
		rule.SourcePath, rule.Pattern, rule.Comment, r.now(),
		projectID, string(rule.ID), rule.Revision,
	)
	if err != nil {
		return types.Ack{}, fmt.Errorf("update rule %s: %w", rule.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return types.Ack{}, fmt.Errorf("rule %s changed concurrently: %w", rule.ID, types.ErrConflict)
	}

	if _, err := tx.Exec(ctx, "delete-type-rules", string(rule.ID)); err != nil {
		return types.Ack{}, fmt.Errorf("clear type rules of %s: %w", rule.ID, err)
	}
	if err := r.writeTypeRules(ctx, tx, rule.ID, rule.TypeRules); err != nil {
		return types.Ack{}, err
	}
	return types.Ack{ID: rule.ID, Revision: existing.Revision + 1}, nil
}

func (r *RuleRepository) writeTypeRules(ctx context.Context, tx *Tx, id types.RuleID, uris []string) error {
	for i, uri := range uris {
		if _, err := tx.Exec(ctx, "insert-type-rule", string(id), i, uri); err != nil {
			return fmt.Errorf("insert type rule of %s: %w", id, err)
		}
	}
	return nil
}

// Reorder moves a rule to req.TargetPosition among its siblings and
// renumbers the siblings densely. The moved rule's revision is bumped.
func (r *RuleRepository) Reorder(ctx context.Context, projectID string, req types.ReorderRequest) (types.Ack, error) {
	var ack types.Ack
	err := r.q.InTx(ctx, func(tx *Tx) error {
		rule, err := r.get(ctx, tx, projectID, req.ID)
		if err != nil {
			return err
		}
		if rule.Type == types.RuleTypeRoot {
			return types.Invalid("id", "the root rule cannot be reordered")
		}
		if req.ParentID != rule.ParentID {
			return fmt.Errorf("rule %s is not a child of %s: %w", req.ID, req.ParentID, types.ErrConflict)
		}

		var siblings []string
		if err := tx.Select(ctx, "list-child-ids", &siblings, projectID, string(rule.ParentID)); err != nil {
			return fmt.Errorf("list siblings of %s: %w", req.ID, err)
		}
		if req.TargetPosition < 0 || req.TargetPosition >= len(siblings) {
			return types.Invalid("pos", "position %d outside [0, %d]", req.TargetPosition, len(siblings)-1)
		}

		from := slices.Index(siblings, string(req.ID))
		siblings = slices.Delete(siblings, from, from+1)
		siblings = slices.Insert(siblings, req.TargetPosition, string(req.ID))
		for pos, id := range siblings {
			if _, err := tx.Exec(ctx, "set-position", pos, projectID, id); err != nil {
				return fmt.Errorf("set position of %s: %w", id, err)
			}
		}
		if _, err := tx.Exec(ctx, "bump-revision", r.now(), projectID, string(req.ID)); err != nil {
			return fmt.Errorf("bump revision of %s: %w", req.ID, err)
		}
		ack = types.Ack{ID: req.ID, Revision: rule.Revision + 1}
		return nil
	})
	return ack, err
}
