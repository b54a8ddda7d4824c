package syncer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/philpoore/contentstack-express/internal/content"
)

// deployRelease runs every item of a release as its own event, writes each outcome onto
// the item and reports the release as a whole.
func (s *Syncer) deployRelease(ctx context.Context, eventID string, env Envelope, logger *zap.Logger) error {
	body := env.Message.Body
	uid := body.Object.EntityUID()
	reportID := body.reportID()
	if reportID == "" {
		reportID = uid
	}
	if err := validateIdentifiers(body.Object); err != nil {
		logger.Error("rejecting release", zap.Error(err))
		s.deliver(ctx, reportID, failureReport("deploy", err), logger)
		return err
	}
	items, err := s.origin.FetchRelease(ctx, uid)
	if err != nil {
		logger.Error("failed to fetch release items", zap.String("release", uid), zap.Error(err))
		s.deliver(ctx, reportID, failureReport("deploy", err), logger)
		return err
	}
	for i, item := range items {
		itemEnv := releaseItemEnvelope(item, env.Lang)
		itemLogger := logger.With(zap.Int("item", i), zap.String("item_uid", itemEnv.Message.Body.Object.EntityUID()))
		if err := s.process(ctx, fmt.Sprintf("%s/%d", eventID, i), itemEnv, itemLogger); err != nil {
			itemLogger.Warn("release item failed", zap.Error(err))
		}
	}
	report := releaseReport(items, s.serverName)
	report.Locale = env.Lang.Code
	s.deliver(ctx, reportID, report, logger)
	logger.Info("release deployed", zap.String("release", uid), zap.Int("items", len(items)), zap.Int("status", int(report.Status)))
	return nil
}

func releaseItemEnvelope(item map[string]any, lang content.Locale) Envelope {
	obj := Object{
		Type:   content.StringValue(item["type"]),
		Action: content.Action(content.StringValue(item["action"])),
	}
	if obj.Action == "" {
		obj.Action = content.ActionPublish
	}
	ref := &EntityRef{
		UID:     content.StringValue(item["uid"]),
		Version: item["version"],
		Locale:  content.StringValue(item["locale"]),
	}
	if obj.Type == TypeAsset {
		obj.Asset = ref
	} else {
		obj.Entry = ref
	}
	if ct := content.StringValue(item["content_type_uid"]); ct != "" {
		obj.ContentType = &TypeRef{UID: ct}
	}
	if ref.Locale != "" {
		obj.Locale = Codes{ref.Locale}
	}
	return Envelope{Message: Message{Body: Body{Object: obj, Item: item}}, Lang: lang}
}

// releaseReport strips deploy bookkeeping from items and fails the release when any item
// failed or never ran.
func releaseReport(items []map[string]any, serverName string) Report {
	var failed []any
	for _, item := range items {
		delete(item, "_release_uid")
		delete(item, "_isFirst")
		delete(item, "_isLast")
		if status, ok := itemStatus(item); ok && (status == int(StatusFailed) || status == -1) {
			failed = append(failed, item)
		}
	}
	if len(failed) > 0 {
		return Report{Status: StatusFailed, Message: map[string]any{"failed": failed}, Name: serverName}
	}
	return Report{Status: StatusPublished, Message: "Release has been deployed successfully!", Name: serverName}
}

func itemStatus(item map[string]any) (int, bool) {
	switch v := item["status"].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
