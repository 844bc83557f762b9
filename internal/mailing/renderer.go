package mailing

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/service/sending"
)

// ErrEmptyTemplate is returned when a template has no body to render.
var ErrEmptyTemplate = errors.New("template body is empty")

// TemplateRenderer renders stored templates with Liquid. Parsed templates are
// cached by template ID and content hash, so an edited template is reparsed.
type TemplateRenderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewTemplateRenderer creates a renderer with the merge filters registered.
func NewTemplateRenderer() *TemplateRenderer {
	r := &TemplateRenderer{engine: liquid.NewEngine()}
	r.registerFilters()
	return r
}

func (r *TemplateRenderer) registerFilters() {
	// {{ first_name | default: "there" }}
	r.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	r.engine.RegisterFilter("capitalize", func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	})

	r.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// {{ amount_pence | pounds }} -> £12.50
	r.engine.RegisterFilter("pounds", func(pence int64) string {
		sign := ""
		if pence < 0 {
			sign = "-"
			pence = -pence
		}
		return fmt.Sprintf("%s£%d.%02d", sign, pence/100, pence%100)
	})
}

// Render implements sending.Renderer.
func (r *TemplateRenderer) Render(tpl *domain.Template, data map[string]interface{}) (*sending.Rendered, error) {
	if strings.TrimSpace(tpl.Body) == "" {
		return nil, fmt.Errorf("template %s: %w", tpl.ID, ErrEmptyTemplate)
	}
	subject, err := r.render(tpl.ID+":subject", tpl.Subject, data)
	if err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	body, err := r.render(tpl.ID+":body", tpl.Body, data)
	if err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}
	return &sending.Rendered{Subject: strings.TrimSpace(subject), HTML: body}, nil
}

// Validate parses a template without rendering it.
func (r *TemplateRenderer) Validate(tpl *domain.Template) error {
	if _, err := r.engine.ParseString(tpl.Subject); err != nil {
		return fmt.Errorf("subject: %w", err)
	}
	if _, err := r.engine.ParseString(tpl.Body); err != nil {
		return fmt.Errorf("body: %w", err)
	}
	return nil
}

func (r *TemplateRenderer) render(key, src string, data map[string]interface{}) (string, error) {
	sum := sha1.Sum([]byte(src))
	key = key + ":" + hex.EncodeToString(sum[:8])

	if cached, ok := r.cache.Load(key); ok {
		return cached.(*liquid.Template).RenderString(data)
	}
	tpl, err := r.engine.ParseString(src)
	if err != nil {
		return "", err
	}
	r.cache.Store(key, tpl)
	return tpl.RenderString(data)
}
