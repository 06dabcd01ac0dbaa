package content

import (
	"context"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"hemtjanst/api/internal/logging"
	"hemtjanst/api/internal/store"
)

// Store is the persistence the pipeline needs.
type Store interface {
	GetContentBlock(ctx context.Context, key, locale string) (Block, error)
	UpsertContentDraft(ctx context.Context, update store.DraftUpdate) (Block, error)
	PublishContentBlock(ctx context.Context, key, locale, actor string) (Block, error)
}

// PublishObserver is told about every successful publish. Observer errors are logged, never returned.
type PublishObserver interface {
	ContentPublished(ctx context.Context, block Block) error
}

type PublishObserverFunc func(ctx context.Context, block Block) error

func (f PublishObserverFunc) ContentPublished(ctx context.Context, block Block) error {
	return f(ctx, block)
}

// Pipeline writes drafts and promotes them to published.
type Pipeline struct {
	store     Store
	schemas   *SchemaRegistry
	locales   []string
	observers []PublishObserver
	log       logging.Logger
}

type PipelineOption func(*Pipeline)

func WithSchemas(schemas *SchemaRegistry) PipelineOption {
	return func(p *Pipeline) {
		p.schemas = schemas
	}
}

func WithLocales(locales ...string) PipelineOption {
	return func(p *Pipeline) {
		p.locales = append([]string(nil), locales...)
	}
}

func WithObservers(observers ...PublishObserver) PipelineOption {
	return func(p *Pipeline) {
		p.observers = append(p.observers, observers...)
	}
}

func WithPipelineLogger(log logging.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.log = logging.OrNoOp(log)
	}
}

func NewPipeline(s Store, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:   s,
		locales: []string{"sv", "en"},
		log:     logging.NoOp(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Locales() []string {
	return append([]string(nil), p.locales...)
}

// UpdateDraft merges patch into the draft of (key, locale), creating the row when absent. Published is untouched.
// A non-nil baseVersion must equal the stored version or ErrVersionConflict is returned.
func (p *Pipeline) UpdateDraft(ctx context.Context, key, locale string, patch Fields, actor string, baseVersion *int) (Block, error) {
	key, locale = normalizeID(key, locale)
	if err := p.validateID(key, locale); err != nil {
		return Block{}, err
	}
	if err := p.schemas.ValidatePatch(key, patch); err != nil {
		return Block{}, err
	}

	block, err := p.store.UpsertContentDraft(ctx, store.DraftUpdate{
		Key:         key,
		Locale:      locale,
		Patch:       patch,
		UpdatedBy:   actor,
		BaseVersion: baseVersion,
	})
	if err != nil {
		return Block{}, fmt.Errorf("update draft %s/%s: %w", key, locale, err)
	}
	p.log.Debug("draft updated", "key", key, "locale", locale, "version", block.Version, "actor", actor)
	return block, nil
}

// Publish copies draft to published in one database call. Publishing an unchanged draft again is harmless.
func (p *Pipeline) Publish(ctx context.Context, key, locale, actor string) (Block, error) {
	key, locale = normalizeID(key, locale)
	if err := p.validateID(key, locale); err != nil {
		return Block{}, err
	}

	if p.schemas.Has(key) {
		current, err := p.store.GetContentBlock(ctx, key, locale)
		if err != nil {
			return Block{}, fmt.Errorf("load %s/%s for publish: %w", key, locale, err)
		}
		if err := p.schemas.ValidateComplete(key, current.Draft); err != nil {
			return Block{}, err
		}
	}

	block, err := p.store.PublishContentBlock(ctx, key, locale, actor)
	if err != nil {
		return Block{}, fmt.Errorf("publish %s/%s: %w", key, locale, err)
	}
	p.log.Info("content published", "key", key, "locale", locale, "actor", actor)

	for _, observer := range p.observers {
		if err := observer.ContentPublished(ctx, block); err != nil {
			p.log.Warn("publish observer failed", "key", key, "locale", locale, "error", err)
		}
	}
	return block, nil
}

func (p *Pipeline) validateID(key, locale string) error {
	allowed := make([]any, 0, len(p.locales))
	for _, l := range p.locales {
		allowed = append(allowed, l)
	}
	return validation.Errors{
		"key":    validation.Validate(key, validation.Required, validation.Length(1, 128)),
		"locale": validation.Validate(locale, validation.Required, validation.In(allowed...)),
	}.Filter()
}

func normalizeID(key, locale string) (string, string) {
	return strings.TrimSpace(key), strings.ToLower(strings.TrimSpace(locale))
}
