// Package writer is the upsert engine. It consumes dispatch messages one at a
// time, applies resource-specific hooks, performs the create or update
// against the remote API, and classifies outcomes: business-validation
// failures are reported against the originating event and the row terminates;
// anything else propagates so the transport redelivers the row.
package writer

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"

	"csv-import-service/internal/ims"
	"csv-import-service/internal/models"
)

const (
	// localContextKeyField is the caller-supplied correlation key used to
	// detect whether a row has already been applied. It is stripped before
	// the update call; it is not a persisted attribute.
	localContextKeyField  = "localContextKey"
	localContextKeyFilter = "localContextKeyMatches"
)

// Engine applies dispatched records to the remote API.
type Engine struct {
	ims    *ims.Client
	hooks  *HookRegistry
	logger *logrus.Entry
}

// NewEngine creates an upsert engine. The client is the single authenticated
// collaborator reused across every row this engine processes.
func NewEngine(client *ims.Client, hooks *HookRegistry, logger *logrus.Logger) *Engine {
	if hooks == nil {
		hooks = DefaultRegistry()
	}
	log := logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		ims:    client,
		hooks:  hooks,
		logger: log.WithField("component", "writer"),
	}
}

// Process handles one dispatched record. A nil return means the record
// reached a terminal state (succeeded, or business error already reported);
// a non-nil return signals the transport to redeliver, so everything here
// must tolerate re-execution.
func (e *Engine) Process(ctx context.Context, msg *models.DispatchMessage) error {
	meta := msg.Metadata
	fields := msg.Fields
	if fields == nil {
		fields = make(map[string]interface{})
	}
	normalizeEmpty(fields)

	log := e.logger.WithFields(logrus.Fields{
		"resourceName": meta.ResourceName,
		"fileName":     meta.FileName,
		"lineNumber":   meta.LineNumber,
	})
	rc := &RowContext{Client: e.ims, Meta: meta, Fields: fields}

	existingID, terminal, err := e.findExisting(ctx, rc)
	if err != nil {
		return err
	}

	switch {
	case terminal:
		// Ambiguity already reported; the row ends here.
	case existingID != "":
		if err := e.update(ctx, rc, existingID, log); err != nil {
			return err
		}
	default:
		if err := e.insert(ctx, rc, log); err != nil {
			return err
		}
	}

	return e.maybeComplete(ctx, meta)
}

// findExisting queries the target collection by the record's local-context
// key. An empty ID means the insert path. More than one match is a data
// problem: it is reported as a warning and the row terminates without a
// mutation (terminal=true), preserving row independence.
func (e *Engine) findExisting(ctx context.Context, rc *RowContext) (id string, terminal bool, err error) {
	v, ok := rc.Fields[localContextKeyField]
	if !ok || v == nil {
		return "", false, nil
	}
	filter := url.Values{localContextKeyFilter: {fmt.Sprint(v)}}
	matches, err := e.ims.List(ctx, rc.Meta.ResourceName, filter)
	if err != nil {
		return "", false, err
	}
	if len(matches) == 0 {
		return "", false, nil
	}
	if len(matches) > 1 {
		text := fmt.Sprintf("Line %d: local context key %v matches %d existing %s resources",
			rc.Meta.LineNumber, v, len(matches), rc.Meta.ResourceName)
		msg := models.NewEventMessage(models.MessageTypeWarning, text, rc.Meta.UserID, rc.Meta.DeviceName)
		if err := e.ims.PostEventMessage(ctx, rc.Meta.EventID, msg); err != nil {
			return "", false, err
		}
		return "", true, nil
	}
	return resourceID(matches[0]), false, nil
}

// update patches the matched resource. The correlation key itself is not
// sent. No hooks run on the update path.
func (e *Engine) update(ctx context.Context, rc *RowContext, id string, log *logrus.Entry) error {
	delete(rc.Fields, localContextKeyField)
	_, err := e.ims.Update(ctx, rc.Meta.ResourceName, id, rc.Fields)
	if verr, ok := ims.AsValidation(err); ok {
		return rc.ReportValidation(ctx, verr)
	}
	if err != nil {
		return err
	}
	log.WithField("id", id).Debug("Updated existing resource")
	return nil
}

// insert runs pre-insert hooks, creates the resource, and on success runs the
// post-insert hooks.
func (e *Engine) insert(ctx context.Context, rc *RowContext, log *logrus.Entry) error {
	for _, hook := range e.hooks.PreInsert(rc.Meta.ResourceName) {
		if err := hook(ctx, rc); err != nil {
			return err
		}
	}

	created, err := e.ims.Create(ctx, rc.Meta.ResourceName, rc.Fields)
	if verr, ok := ims.AsValidation(err); ok {
		return rc.ReportValidation(ctx, verr)
	}
	if err != nil {
		return err
	}
	log.WithField("id", resourceID(created)).Debug("Created resource")

	for _, hook := range e.hooks.PostInsert(rc.Meta.ResourceName) {
		if err := hook(ctx, rc, created); err != nil {
			return err
		}
	}
	return nil
}

// maybeComplete posts the import completion notice when this record is the
// last line of its file.
func (e *Engine) maybeComplete(ctx context.Context, meta models.Metadata) error {
	if meta.LineNumber != meta.NumLines-1 {
		return nil
	}
	text := fmt.Sprintf("Completed import of file %s (%d lines)", meta.FileName, meta.NumLines)
	msg := models.NewEventMessage(models.MessageTypeInfo, text, meta.UserID, meta.DeviceName)
	return e.ims.PostEventMessage(ctx, meta.EventID, msg)
}

// normalizeEmpty turns every empty-string value into null. The remote API
// never receives an empty string.
func normalizeEmpty(fields map[string]interface{}) {
	for name, value := range fields {
		if s, ok := value.(string); ok && s == "" {
			fields[name] = nil
		}
	}
}

// resourceID extracts the opaque identifier of a remote resource.
func resourceID(resource map[string]interface{}) string {
	switch id := resource["id"].(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}
