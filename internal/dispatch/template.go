package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/meetsmatch/dispatcher/internal/errors"
)

// TemplateStore is the persistence contract the template service renders
// against; implemented by the Postgres repository.
type TemplateStore interface {
	GetTemplateByName(ctx context.Context, tenantID, name string, channel Channel) (*Template, error)
	GetTemplateByID(ctx context.Context, id string) (*Template, error)
	CreateTemplate(ctx context.Context, t *Template) error
	// UpdateTemplate performs an optimistic compare-and-set on version;
	// it returns apperrors' version-conflict error when expectedVersion
	// does not match the stored version.
	UpdateTemplate(ctx context.Context, t *Template, expectedVersion int) error
}

const (
	templateCacheTTL    = time.Hour
	templateNegativeTTL = 60 * time.Second
)

// TemplateService implements §4.6: cache-aside lookup with negative
// caching, placeholder rendering, content validation, and version CAS.
type TemplateService struct {
	store   TemplateStore
	cache   *redis.Client
	flight  singleflight.Group
	missing *missingMetric
}

// missingMetric counts placeholders left unresolved by a render, surfaced
// through the monitoring package rather than kept here as state.
type missingMetric struct {
	record func(templateID string, count int)
}

// NewTemplateService constructs a TemplateService. recordMissing may be nil.
func NewTemplateService(store TemplateStore, cache *redis.Client, recordMissing func(templateID string, count int)) *TemplateService {
	if recordMissing == nil {
		recordMissing = func(string, int) {}
	}
	return &TemplateService{store: store, cache: cache, missing: &missingMetric{record: recordMissing}}
}

func templateCacheKey(id string) string       { return "dispatch:template:id:" + id }
func templateNegativeKey(id string) string    { return "dispatch:template:miss:" + id }
func templateByNameKey(tenantID, name string, channel Channel) string {
	return fmt.Sprintf("dispatch:template:name:%s:%s:%s", tenantID, channel, name)
}

// Get returns a template by id via cache-aside, single-flighting concurrent
// misses against the store so a thundering herd of cache misses collapses
// into one store read.
func (s *TemplateService) Get(ctx context.Context, id string) (*Template, error) {
	if cached, err := s.cache.Get(ctx, templateCacheKey(id)).Bytes(); err == nil {
		var t Template
		if jsonErr := json.Unmarshal(cached, &t); jsonErr == nil {
			return &t, nil
		}
	}
	if n, err := s.cache.Exists(ctx, templateNegativeKey(id)).Result(); err == nil && n > 0 {
		return nil, apperrors.NewTemplateNotFoundError(id)
	}

	v, err, _ := s.flight.Do(id, func() (interface{}, error) {
		t, err := s.store.GetTemplateByID(ctx, id)
		if err != nil {
			s.cache.Set(ctx, templateNegativeKey(id), "1", templateNegativeTTL)
			return nil, apperrors.NewTemplateNotFoundError(id)
		}
		if b, marshalErr := json.Marshal(t); marshalErr == nil {
			s.cache.Set(ctx, templateCacheKey(id), b, templateCacheTTL)
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Template), nil
}

// GetByName resolves the latest active version for (tenant, name, channel),
// used by the ingress submitter (§4.1).
func (s *TemplateService) GetByName(ctx context.Context, tenantID, name string, channel Channel) (*Template, error) {
	key := templateByNameKey(tenantID, name, channel)
	if cached, err := s.cache.Get(ctx, key).Bytes(); err == nil {
		var t Template
		if jsonErr := json.Unmarshal(cached, &t); jsonErr == nil {
			return &t, nil
		}
	}

	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		t, err := s.store.GetTemplateByName(ctx, tenantID, name, channel)
		if err != nil {
			return nil, apperrors.NewTemplateNotFoundError(name)
		}
		if b, marshalErr := json.Marshal(t); marshalErr == nil {
			s.cache.Set(ctx, key, b, templateCacheTTL)
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Template), nil
}

// Validate enforces the §3 channel-shaped content rules.
func Validate(channel Channel, content TemplateChannelContent) error {
	switch channel {
	case ChannelEmail:
		if content.Subject == "" || (content.HTML == "" && content.Text == "") {
			return apperrors.NewTemplateInvalidError("", "email template requires subject and html or text body")
		}
	case ChannelSMS:
		body := content.Body
		if body == "" {
			body = content.Text
		}
		if body == "" {
			return apperrors.NewTemplateInvalidError("", "sms template requires a body")
		}
		if utf8.RuneCountInString(body) > MaxSMSBodyLength {
			return apperrors.NewTemplateInvalidError("", fmt.Sprintf("sms body exceeds %d characters", MaxSMSBodyLength))
		}
	case ChannelPush:
		if content.Title == "" || content.Body == "" {
			return apperrors.NewTemplateInvalidError("", "push template requires title and body")
		}
	}
	return nil
}

// Render substitutes {{name}} placeholders in the channel content with
// values from ctx. Missing placeholders become the empty string and are
// counted via the missing-placeholder metric. Render is a pure function of
// (template version, ctx) and therefore idempotent.
func (s *TemplateService) Render(ctx context.Context, t *Template, renderCtx Context) (TemplateChannelContent, error) {
	if err := Validate(t.Channel, t.Content); err != nil {
		return TemplateChannelContent{}, err
	}

	missing := 0
	substitute := func(s string) string {
		return substitutePlaceholders(s, renderCtx, &missing)
	}

	rendered := TemplateChannelContent{
		Subject: substitute(t.Content.Subject),
		HTML:    substitute(t.Content.HTML),
		Text:    substitute(t.Content.Text),
		Body:    substitute(t.Content.Body),
		Title:   substitute(t.Content.Title),
	}
	if t.Content.Data != nil {
		rendered.Data = make(map[string]string, len(t.Content.Data))
		for k, v := range t.Content.Data {
			rendered.Data[k] = substitute(v)
		}
	}

	if missing > 0 {
		s.missing.record(t.ID.String(), missing)
	}
	return rendered, nil
}

// substitutePlaceholders replaces every {{name}} occurrence with ctx[name],
// counting unresolved placeholders into missing.
func substitutePlaceholders(s string, ctx Context, missing *int) string {
	if s == "" || !strings.Contains(s, "{{") {
		return s
	}
	var b strings.Builder
	for {
		start := strings.Index(s, "{{")
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start
		b.WriteString(s[:start])
		name := strings.TrimSpace(s[start+2 : end])
		if v, ok := ctx[name]; ok {
			b.WriteString(v)
		} else {
			*missing++
		}
		s = s[end+2:]
	}
	return b.String()
}

// Create persists a new template at version 1. It does not write the cache;
// the first Get fills it.
func (s *TemplateService) Create(ctx context.Context, t *Template) error {
	if err := Validate(t.Channel, t.Content); err != nil {
		return err
	}
	t.Version = 1
	t.Active = true
	if err := s.store.CreateTemplate(ctx, t); err != nil {
		return fmt.Errorf("dispatch: create template: %w", err)
	}
	return nil
}

// Update performs an optimistic version compare-and-set and invalidates
// both the id-keyed and name-keyed cache entries on success.
func (s *TemplateService) Update(ctx context.Context, t *Template, expectedVersion int) error {
	if err := Validate(t.Channel, t.Content); err != nil {
		return err
	}
	if err := s.store.UpdateTemplate(ctx, t, expectedVersion); err != nil {
		return err
	}
	s.cache.Del(ctx, templateCacheKey(t.ID.String()))
	s.cache.Del(ctx, templateByNameKey(t.TenantID, t.Name, t.Channel))
	return nil
}
