// Package syncer applies queued content lifecycle events to the local store, one event at
// a time, and reports the outcome of each back to the origin.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/philpoore/contentstack-express/internal/assets"
	"github.com/philpoore/contentstack-express/internal/content"
	"github.com/philpoore/contentstack-express/internal/mapper"
	"github.com/philpoore/contentstack-express/internal/origin"
	"github.com/philpoore/contentstack-express/internal/storage"
)

// ErrMalformedEnvelope marks events that can never be processed.
var ErrMalformedEnvelope = errors.New("malformed event envelope")

// Origin is the read side of the origin API the flows depend on.
type Origin interface {
	FetchEntry(ctx context.Context, contentTypeUID, uid, locale string, version any) (origin.EntryResult, error)
	FetchAsset(ctx context.Context, uid, locale string, version any) (map[string]any, error)
	LookupAssets(ctx context.Context, uids []string) ([]string, error)
	FetchRelease(ctx context.Context, uid string) ([]map[string]any, error)
}

type Options struct {
	Origin   Origin
	Store    storage.Provider
	Assets   *assets.Manager
	Mapper   *mapper.Mapper
	Reporter Reporter
	Hooks    *Hooks
	// Locales are every configured locale; content type and folder deletes span them all.
	Locales    []content.Locale
	ServerName string
	// Next is called exactly once per handled event, with the release item when the
	// event was one.
	Next         func(item map[string]any)
	OnTransition func(Transition)
	Logger       *zap.Logger
	Now          func() time.Time
}

type Syncer struct {
	mu           sync.Mutex
	origin       Origin
	store        storage.Provider
	assets       *assets.Manager
	mapper       *mapper.Mapper
	reporter     Reporter
	hooks        *Hooks
	locales      []content.Locale
	serverName   string
	next         func(item map[string]any)
	onTransition func(Transition)
	logger       *zap.Logger
	now          func() time.Time
}

func New(opts Options) *Syncer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = NewLogReporter(logger)
	}
	hooks := opts.Hooks
	if hooks == nil {
		hooks = NewHooks()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Syncer{
		origin:       opts.Origin,
		store:        opts.Store,
		assets:       opts.Assets,
		mapper:       opts.Mapper,
		reporter:     reporter,
		hooks:        hooks,
		locales:      append([]content.Locale(nil), opts.Locales...),
		serverName:   opts.ServerName,
		next:         opts.Next,
		onTransition: opts.OnTransition,
		logger:       logger,
		now:          now,
	}
}

type event struct {
	body    Body
	obj     Object
	locale  content.Locale
	name    string
	machine *machine
	logger  *zap.Logger
}

type flow func(ctx context.Context, ev *event) (Report, error)

// Handle processes one raw event. Whatever happens, Next is signalled exactly once before
// Handle returns. The returned error wraps ErrMalformedEnvelope when raw was rejected;
// flow failures are returned after they were reported.
func (s *Syncer) Handle(ctx context.Context, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var item map[string]any
	defer func() {
		if s.next != nil {
			s.next(item)
		}
	}()

	eventID := uuid.NewString()
	logger := s.logger.With(zap.String("event_id", eventID))
	env, err := ParseEnvelope(raw)
	if err != nil {
		logger.Error("rejecting event", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	item = env.Message.Body.Item
	obj := env.Message.Body.Object
	logger = logger.With(
		zap.String("type", obj.Type),
		zap.String("action", string(obj.Action)),
		zap.String("locale", env.Lang.Code),
	)
	logger.Info("event received", zap.String("uid", obj.EntityUID()))

	// Once received, an event runs to its report even if the caller gives up.
	ctx = context.WithoutCancel(ctx)
	if obj.Type == TypeRelease {
		return s.deployRelease(ctx, eventID, env, logger)
	}
	return s.process(ctx, eventID, env, logger)
}

func (s *Syncer) process(ctx context.Context, eventID string, env Envelope, logger *zap.Logger) (err error) {
	ev := &event{
		body:    env.Message.Body,
		obj:     env.Message.Body.Object,
		locale:  env.Lang,
		name:    eventName(env.Message.Body.Object),
		machine: newMachine(eventID, s.onTransition, logger),
		logger:  logger,
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("caught panic while processing event", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic while processing event: %v", r)
			ev.name = "publishing/unpublishing"
			s.complete(ctx, ev, Report{}, err)
		}
	}()

	run := s.flowFor(ev.obj)
	if run == nil {
		logger.Info("ignoring event")
		return nil
	}
	ev.machine.to(StateReceived)
	if err := validateIdentifiers(ev.obj); err != nil {
		s.complete(ctx, ev, Report{}, err)
		return err
	}
	if !ev.body.isItem() {
		s.deliver(ctx, ev.body.reportID(), inProgressReport(ev.name), logger)
	}
	report, err := run(ctx, ev)
	s.complete(ctx, ev, report, err)
	return err
}

func (s *Syncer) flowFor(obj Object) flow {
	switch obj.Type {
	case TypeEntry:
		if obj.Action.Removes() {
			return s.removeEntry
		}
		return s.publishEntry
	case TypeAsset:
		if obj.entity().IsDir {
			return s.deleteFolder
		}
		if obj.Action.Removes() {
			return s.removeAsset
		}
		return s.publishAsset
	case TypeForm, TypeContentType:
		if obj.Action.Removes() {
			return s.deleteContentType
		}
	}
	return nil
}

func eventName(obj Object) string {
	switch obj.Type {
	case TypeEntry:
		return string(obj.Action)
	case TypeAsset:
		if obj.entity().IsDir {
			return "deleting"
		}
		if obj.Action.Removes() {
			return "unpublish"
		}
		return "publish"
	default:
		return "deleting"
	}
}

// complete moves the machine through Reporting back to Idle and delivers the outcome:
// onto the item for release items, to the reporter otherwise.
func (s *Syncer) complete(ctx context.Context, ev *event, report Report, err error) {
	if err != nil {
		ev.logger.Error("event failed", zap.String("state", ev.machine.state.String()), zap.Error(err))
		ev.machine.fail()
		report = failureReport(ev.name, err)
	} else {
		ev.machine.to(StateReporting)
		ev.logger.Info("event processed", zap.Int("status", int(report.Status)))
	}
	report.Locale = ev.locale.Code
	if ev.body.isItem() {
		writeItemStatus(ev.body.Item, report)
	} else {
		s.deliver(ctx, ev.body.reportID(), report, ev.logger)
	}
	ev.machine.to(StateIdle)
}

func (s *Syncer) deliver(ctx context.Context, id string, report Report, logger *zap.Logger) {
	if err := s.reporter.Report(ctx, id, report); err != nil {
		logger.Warn("failed to report sync status", zap.Int("status", int(report.Status)), zap.Error(err))
	}
}

func writeItemStatus(item map[string]any, report Report) {
	item["status"] = int(report.Status)
	if report.Status == StatusFailed {
		item["error"] = report.Message
	}
}

// localesFor maps codes onto configured locales. Unknown codes get a root-prefixed
// locale and no codes at all mean fallback.
func (s *Syncer) localesFor(codes []string, fallback content.Locale) []content.Locale {
	if len(codes) == 0 {
		return []content.Locale{fallback}
	}
	out := make([]content.Locale, 0, len(codes))
	for _, code := range codes {
		out = append(out, s.locale(code, fallback))
	}
	return out
}

func (s *Syncer) locale(code string, fallback content.Locale) content.Locale {
	if code == fallback.Code {
		return fallback
	}
	for _, locale := range s.locales {
		if locale.Code == code {
			return locale
		}
	}
	return content.Locale{Code: code, RelativeURLPrefix: "/"}
}

func (s *Syncer) allLocales(fallback content.Locale) []content.Locale {
	if len(s.locales) == 0 {
		return []content.Locale{fallback}
	}
	return s.locales
}
