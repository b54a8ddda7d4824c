package syncer

import (
	"context"
	"fmt"
	"sync"

	"github.com/philpoore/contentstack-express/internal/content"
)

type Phase string

const (
	BeforePublish   Phase = "beforePublish"
	BeforeUnpublish Phase = "beforeUnpublish"
)

// HookData is what a hook sees. Hooks may modify Entry or Asset in place; the
// modified value is what gets persisted.
type HookData struct {
	Type        string
	Locale      content.Locale
	Entry       map[string]any
	ContentType map[string]any
	Asset       map[string]any
}

type HookFunc func(ctx context.Context, data *HookData) error

// Hook is a named pair of optional callbacks. A nil callback is skipped.
type Hook struct {
	Name            string
	BeforePublish   HookFunc
	BeforeUnpublish HookFunc
}

func (h Hook) callback(phase Phase) HookFunc {
	switch phase {
	case BeforePublish:
		return h.BeforePublish
	case BeforeUnpublish:
		return h.BeforeUnpublish
	}
	return nil
}

// Hooks runs registered hooks in registration order.
type Hooks struct {
	mu    sync.RWMutex
	hooks []Hook
}

func NewHooks(hooks ...Hook) *Hooks {
	h := &Hooks{}
	for _, hook := range hooks {
		h.Register(hook)
	}
	return h
}

func (h *Hooks) Register(hook Hook) {
	if hook.BeforePublish == nil && hook.BeforeUnpublish == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook)
}

// Run stops at the first failing hook.
func (h *Hooks) Run(ctx context.Context, phase Phase, data *HookData) error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	hooks := append([]Hook(nil), h.hooks...)
	h.mu.RUnlock()
	for _, hook := range hooks {
		fn := hook.callback(phase)
		if fn == nil {
			continue
		}
		if err := fn(ctx, data); err != nil {
			return fmt.Errorf("%s hook %s: %w", phase, hook.Name, err)
		}
	}
	return nil
}
