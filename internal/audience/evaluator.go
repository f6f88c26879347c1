// Package audience resolves a campaign's targeting specification into a
// concrete recipient set. Selectors are checked in a fixed order: explicit
// recipient IDs, a saved segment expression, a manager tree, then everyone.
package audience

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"github.com/aegis-shield/campaign-engine/internal/apperrors"
	"github.com/aegis-shield/campaign-engine/internal/database"
)

// Evaluator resolves targeting specifications against the directory
type Evaluator struct {
	logger    *slog.Logger
	directory Directory
	cache     *PreviewCache
}

// Preview is a paged sample of a resolved audience
type Preview struct {
	Total       int       `json:"total"`
	Page        int       `json:"page"`
	PageSize    int       `json:"page_size"`
	Sample      []*Person `json:"sample"`
	Description string    `json:"description"`
}

// NewEvaluator creates an audience evaluator. cache may be nil, in which
// case previews are computed on every call.
func NewEvaluator(logger *slog.Logger, directory Directory, cache *PreviewCache) *Evaluator {
	return &Evaluator{
		logger:    logger,
		directory: directory,
		cache:     cache,
	}
}

// Resolve returns the recipient IDs matching spec, sorted for stable output
func (e *Evaluator) Resolve(ctx context.Context, spec database.TargetingSpec, orgID string) ([]string, error) {
	people, err := e.resolvePeople(ctx, spec, orgID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(people))
	for _, p := range people {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)

	return ids, nil
}

// ResolvePeople returns the full directory records matching spec, keyed by ID
func (e *Evaluator) ResolvePeople(ctx context.Context, spec database.TargetingSpec, orgID string) (map[string]*Person, error) {
	people, err := e.resolvePeople(ctx, spec, orgID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Person, len(people))
	for _, p := range people {
		byID[p.ID] = p
	}
	return byID, nil
}

func (e *Evaluator) resolvePeople(ctx context.Context, spec database.TargetingSpec, orgID string) ([]*Person, error) {
	switch {
	case len(spec.RecipientIDs) > 0:
		return e.resolveExplicit(ctx, spec.RecipientIDs, orgID)
	case spec.Segment != "":
		return e.resolveSegment(ctx, spec.Segment, orgID)
	case spec.ManagerID != "":
		return e.resolveManagerTree(ctx, spec.ManagerID, orgID)
	case spec.Everyone:
		return e.directory.All(ctx, orgID)
	}

	return nil, apperrors.NewValidation("targeting specification selects nobody", "targeting")
}

func (e *Evaluator) resolveExplicit(ctx context.Context, ids []string, orgID string) ([]*Person, error) {
	people := make([]*Person, 0, len(ids))
	seen := make(map[string]bool, len(ids))

	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		person, err := e.directory.Lookup(ctx, orgID, id)
		if err != nil {
			return nil, fmt.Errorf("failed to look up recipient %s: %w", id, err)
		}
		if person == nil {
			e.logger.Warn("Targeted recipient not found in directory", "recipient_id", id, "org_id", orgID)
			continue
		}
		people = append(people, person)
	}

	return people, nil
}

// resolveSegment evaluates a saved segment predicate against every active
// directory record. The expression is compiled once per resolution and sees
// the person's attributes as its environment.
func (e *Evaluator) resolveSegment(ctx context.Context, segment, orgID string) ([]*Person, error) {
	program, err := compileSegment(segment)
	if err != nil {
		return nil, apperrors.NewValidation(fmt.Sprintf("invalid segment expression: %v", err), "targeting.segment")
	}

	everyone, err := e.directory.All(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	var matched []*Person
	for _, p := range everyone {
		ok, err := evalSegment(program, p)
		if err != nil {
			e.logger.Warn("Segment evaluation failed for person",
				"person_id", p.ID,
				"error", err)
			continue
		}
		if ok {
			matched = append(matched, p)
		}
	}

	return matched, nil
}

// resolveManagerTree expands a manager to all transitive reports
func (e *Evaluator) resolveManagerTree(ctx context.Context, managerID, orgID string) ([]*Person, error) {
	manager, err := e.directory.Lookup(ctx, orgID, managerID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up manager %s: %w", managerID, err)
	}
	if manager == nil {
		return nil, apperrors.NewNotFound("manager", managerID)
	}

	var all []*Person
	seen := map[string]bool{managerID: true}
	frontier := []string{managerID}

	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]

		reports, err := e.directory.ReportsOf(ctx, orgID, next)
		if err != nil {
			return nil, fmt.Errorf("failed to expand reports of %s: %w", next, err)
		}
		for _, p := range reports {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			all = append(all, p)
			frontier = append(frontier, p.ID)
		}
	}

	return all, nil
}

// Preview resolves spec and returns one page of it, caching the resolved set
func (e *Evaluator) Preview(ctx context.Context, spec database.TargetingSpec, orgID string, page, pageSize int) (*Preview, error) {
	if pageSize <= 0 {
		pageSize = 25
	}
	if page < 1 {
		page = 1
	}

	var people []*Person
	if e.cache != nil {
		if cached, ok := e.cache.Get(ctx, orgID, spec); ok {
			people = cached
		}
	}

	if people == nil {
		resolved, err := e.resolvePeople(ctx, spec, orgID)
		if err != nil {
			return nil, err
		}
		sort.Slice(resolved, func(i, j int) bool { return resolved[i].ID < resolved[j].ID })
		people = resolved

		if e.cache != nil {
			e.cache.Put(ctx, orgID, spec, people)
		}
	}

	start := (page - 1) * pageSize
	if start > len(people) {
		start = len(people)
	}
	end := start + pageSize
	if end > len(people) {
		end = len(people)
	}

	return &Preview{
		Total:       len(people),
		Page:        page,
		PageSize:    pageSize,
		Sample:      people[start:end],
		Description: Describe(spec),
	}, nil
}

// Describe renders a human-readable summary of a targeting specification
func Describe(spec database.TargetingSpec) string {
	var parts []string

	switch {
	case len(spec.RecipientIDs) > 0:
		parts = append(parts, fmt.Sprintf("%d explicitly selected recipients", len(spec.RecipientIDs)))
	case spec.Segment != "":
		parts = append(parts, fmt.Sprintf("people matching segment %q", spec.Segment))
	case spec.ManagerID != "":
		parts = append(parts, fmt.Sprintf("everyone reporting up to %s", spec.ManagerID))
	case spec.Everyone:
		parts = append(parts, "everyone in the organization")
	default:
		return "nobody"
	}

	// LocationID scopes blackout evaluation during wave planning; it does
	// not narrow who is selected.
	if spec.LocationID != "" {
		parts = append(parts, fmt.Sprintf("with blackouts scoped to location %s", spec.LocationID))
	}

	return strings.Join(parts, " ")
}

func compileSegment(segment string) (*vm.Program, error) {
	return expr.Compile(segment,
		expr.Env(segmentEnv{}),
		expr.AsBool(),
	)
}

func evalSegment(program *vm.Program, p *Person) (bool, error) {
	out, err := expr.Run(program, segmentEnv{
		Department: p.Department,
		Location:   p.Location,
		ManagerID:  p.ManagerID,
		Name:       p.Name,
		Email:      p.Email,
		Active:     p.Active,
	})
	if err != nil {
		return false, err
	}

	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("segment expression did not yield a boolean")
	}
	return matched, nil
}

// segmentEnv is the attribute environment a segment expression evaluates
// against, e.g. `Department == "Finance" && Location != "remote"`.
type segmentEnv struct {
	Department string `expr:"Department"`
	Location   string `expr:"Location"`
	ManagerID  string `expr:"ManagerID"`
	Name       string `expr:"Name"`
	Email      string `expr:"Email"`
	Active     bool   `expr:"Active"`
}
