// Package editmode keeps per-editor staged changes, view mode and advisory locks.
package editmode

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"hemtjanst/api/internal/content"
)

type ViewMode string

const (
	Published ViewMode = "published"
	Draft     ViewMode = "draft"
)

// ParseViewMode defaults to Published for anything but "draft".
func ParseViewMode(raw string) ViewMode {
	if ViewMode(raw) == Draft {
		return Draft
	}
	return Published
}

var (
	ErrNotEditor      = errors.New("edit mode requires an editor role")
	ErrNothingStaged  = errors.New("no staged change for scope")
	ErrNotCommittable = errors.New("scope cannot be committed")
)

// Source reads persisted blocks, normally the content cache.
type Source interface {
	Get(key, locale string) (content.Block, bool)
}

// DraftWriter persists a patch into a block's draft.
type DraftWriter interface {
	UpdateDraft(ctx context.Context, key, locale string, patch content.Fields, actor string, baseVersion *int) (content.Block, error)
}

type stagedChange struct {
	patch       content.Fields
	baseVersion int
}

// Controller is one editor's view of content: a view mode plus staged, unpersisted patches.
type Controller struct {
	canEdit bool
	actor   string
	source  Source
	writer  DraftWriter

	mu        sync.Mutex
	mode      ViewMode
	staged    map[string]*stagedChange
	committed map[string]content.Block
}

func NewController(actor string, canEdit bool, source Source, writer DraftWriter) *Controller {
	return &Controller{
		canEdit:   canEdit,
		actor:     actor,
		source:    source,
		writer:    writer,
		mode:      Published,
		staged:    make(map[string]*stagedChange),
		committed: make(map[string]content.Block),
	}
}

func (c *Controller) CanEdit() bool {
	return c.canEdit
}

func (c *Controller) Mode() ViewMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetViewMode switches mode. Entering Draft without edit rights leaves the mode unchanged and reports false.
func (c *Controller) SetViewMode(mode ViewMode) bool {
	if mode == Draft && !c.canEdit {
		return false
	}
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	return true
}

// StageChange shallow-merges patch into the staged change for scope. Later fields win. The staged base
// version follows the persisted row forward, so a change that lost a version conflict commits after a restage.
func (c *Controller) StageChange(scope string, patch content.Fields) error {
	if !c.canEdit {
		return ErrNotEditor
	}
	parsed, err := ParseScope(scope)
	if err != nil {
		return err
	}
	scope = parsed.String()

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.staged[scope]
	if !ok {
		entry = &stagedChange{patch: content.Fields{}}
		c.staged[scope] = entry
	}
	// Restaging rebases onto the newest persisted version the editor has seen.
	if parsed.Kind == ScopeContent {
		if block, found := c.persistedLocked(parsed); found && block.Version > entry.baseVersion {
			entry.baseVersion = block.Version
		}
	}
	for k, v := range patch {
		entry.patch[k] = v
	}
	return nil
}

// Staged returns a copy of the staged patch for scope.
func (c *Controller) Staged(scope string) (content.Fields, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.staged[normalizeScope(scope)]
	if !ok {
		return nil, false
	}
	return entry.patch.Clone(), true
}

func (c *Controller) StagedScopes() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.staged))
	for scope := range c.staged {
		out = append(out, scope)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Discard drops the staged change for scope.
func (c *Controller) Discard(scope string) {
	c.mu.Lock()
	delete(c.staged, normalizeScope(scope))
	c.mu.Unlock()
}

// EffectiveContent is what this editor sees for a content scope. Published mode shows published fields only;
// Draft mode shows the persisted draft with staged fields on top.
func (c *Controller) EffectiveContent(scope string) (content.Fields, error) {
	parsed, err := ParseScope(scope)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var block content.Block
	found := false
	if parsed.Kind == ScopeContent {
		block, found = c.persistedLocked(parsed)
	}

	if c.mode != Draft {
		if !found {
			return content.Fields{}, nil
		}
		return block.Published.Clone(), nil
	}

	var base content.Fields
	if found {
		base = block.Draft
	}
	if entry, ok := c.staged[parsed.String()]; ok {
		return content.Merge(base, entry.patch), nil
	}
	return content.Merge(base, nil), nil
}

// Commit persists the staged patch for a content scope. The staged entry is cleared only on success;
// on failure it stays and the writer's error is returned.
func (c *Controller) Commit(ctx context.Context, scope string) (content.Block, error) {
	if !c.canEdit {
		return content.Block{}, ErrNotEditor
	}
	parsed, err := ParseScope(scope)
	if err != nil {
		return content.Block{}, err
	}
	if parsed.Kind != ScopeContent {
		return content.Block{}, fmt.Errorf("%w: %s", ErrNotCommittable, parsed)
	}
	scope = parsed.String()

	c.mu.Lock()
	entry, ok := c.staged[scope]
	if !ok {
		c.mu.Unlock()
		return content.Block{}, fmt.Errorf("%w: %s", ErrNothingStaged, scope)
	}
	patch := entry.patch.Clone()
	baseVersion := entry.baseVersion
	c.mu.Unlock()

	block, err := c.writer.UpdateDraft(ctx, parsed.Key, parsed.Locale, patch, c.actor, &baseVersion)
	if err != nil {
		return content.Block{}, err
	}

	c.mu.Lock()
	delete(c.staged, scope)
	c.committed[scope] = block
	c.mu.Unlock()
	return block, nil
}

// HasUnsavedChanges is true while in Draft mode with at least one non-empty staged change.
func (c *Controller) HasUnsavedChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != Draft {
		return false
	}
	for _, entry := range c.staged {
		if len(entry.patch) > 0 {
			return true
		}
	}
	return false
}

// Reset drops every staged change and returns to Published mode.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.staged = make(map[string]*stagedChange)
	c.committed = make(map[string]content.Block)
	c.mode = Published
	c.mu.Unlock()
}

// persistedLocked prefers this controller's last committed row when the source has not caught up yet.
func (c *Controller) persistedLocked(scope Scope) (content.Block, bool) {
	var (
		block content.Block
		found bool
	)
	if c.source != nil {
		block, found = c.source.Get(scope.Key, scope.Locale)
	}
	if committed, ok := c.committed[scope.String()]; ok && (!found || committed.Version > block.Version) {
		return committed, true
	}
	return block, found
}

func normalizeScope(scope string) string {
	if parsed, err := ParseScope(scope); err == nil {
		return parsed.String()
	}
	return scope
}
