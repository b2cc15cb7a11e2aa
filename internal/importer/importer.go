// Package importer orchestrates one import run: it selects the fileset
// governing the attached file, decodes the file into rows, enriches each row
// with context metadata, and fans the rows out across writer lanes.
package importer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"csv-import-service/internal/decoder"
	"csv-import-service/internal/dispatch"
	"csv-import-service/internal/fileset"
	"csv-import-service/internal/ims"
	"csv-import-service/internal/models"
)

// Import run statuses reported to the caller.
const (
	StatusSkipped    = "SKIPPED"
	StatusEmpty      = "EMPTY"
	StatusDispatched = "DISPATCHED"
)

// Result summarizes one import run.
type Result struct {
	Status string `json:"status"`
	Lines  int    `json:"lines"`
}

// Fetcher retrieves the attached file content. URL issuance (presigning) is
// an external concern.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher fetches file content over plain HTTP GET.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher with a sensible timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: 60 * time.Second}}
}

// Fetch downloads the file at url.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("file fetch returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Importer handles file-attached notifications.
type Importer struct {
	ims       *ims.Client
	publisher dispatch.Publisher
	fetcher   Fetcher
	maxLanes  int
	logger    *logrus.Entry
}

// New creates an importer. maxLanes caps the lane count any fileset may
// request; it must match the number of consumer lanes the writer side runs.
func New(client *ims.Client, publisher dispatch.Publisher, fetcher Fetcher, maxLanes int, logger *logrus.Logger) *Importer {
	if maxLanes < 1 {
		maxLanes = 1
	}
	log := logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Importer{
		ims:       client,
		publisher: publisher,
		fetcher:   fetcher,
		maxLanes:  maxLanes,
		logger:    log.WithField("component", "importer"),
	}
}

// HandleFileAttached runs one import. The three-way routing outcome is
// preserved: entities with no fileset configured skip silently, entities with
// filesets but no matching pattern skip with a warning on the originating
// event, and a match dispatches every decoded row.
func (imp *Importer) HandleFileAttached(ctx context.Context, event *models.FileAttachedEvent) (*Result, error) {
	log := imp.logger.WithFields(logrus.Fields{
		"entityName": event.EntityName,
		"fileName":   event.FileName,
		"eventId":    event.EventID,
	})

	filesets, err := imp.loadFilesets(ctx, event)
	if err != nil {
		return nil, err
	}

	match, err := fileset.Match(event.EntityName, event.FileName, filesets)
	if err != nil {
		return nil, err
	}
	switch match.Outcome {
	case fileset.OutcomeNoEntity:
		log.Debug("No fileset configured for entity, skipping import")
		return &Result{Status: StatusSkipped}, nil
	case fileset.OutcomeNoPattern:
		text := fmt.Sprintf("No fileset matches file name %s for entity %s; candidate patterns: %s",
			event.FileName, event.EntityName, strings.Join(match.CandidatePatterns, ", "))
		msg := models.NewEventMessage(models.MessageTypeWarning, text, event.UserID, event.DeviceName)
		if err := imp.ims.PostEventMessage(ctx, event.EventID, msg); err != nil {
			return nil, err
		}
		log.Warn("No fileset pattern matched file name, skipping import")
		return &Result{Status: StatusSkipped}, nil
	}
	fs := match.Fileset

	content, err := imp.fetcher.Fetch(ctx, event.URL)
	if err != nil {
		return nil, err
	}

	rows, err := decoder.Decode(content, event.FileName, fs.Options)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		log.Info("File contains no data rows, nothing to dispatch")
		return &Result{Status: StatusEmpty}, nil
	}

	writers := fs.Writers()
	if writers > imp.maxLanes {
		writers = imp.maxLanes
	}

	runID := event.EventID
	if runID == "" {
		runID = uuid.NewString()
	}

	for i, row := range rows {
		payload := models.DispatchMessage{
			Metadata: models.Metadata{
				LineNumber:   i,
				NumLines:     len(rows),
				ResourceName: fs.ResourceName,
				FileName:     event.FileName,
				EventID:      event.EventID,
				UserID:       event.UserID,
				DeviceName:   event.DeviceName,
			},
			Fields:         enrichRow(row, fs, event),
			FilesetVersion: fs.Version,
		}
		msg := dispatch.Message{
			Lane:    i % writers,
			DedupID: runID + "#" + strconv.Itoa(i),
			Payload: payload,
		}
		if err := imp.publisher.Publish(ctx, msg); err != nil {
			return nil, err
		}
	}

	text := fmt.Sprintf("Dispatched %d lines from file %s", len(rows), event.FileName)
	announce := models.NewEventMessage(models.MessageTypeInfo, text, event.UserID, event.DeviceName)
	if err := imp.ims.PostEventMessage(ctx, event.EventID, announce); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"lines":   len(rows),
		"writers": writers,
	}).Info("Import dispatched")
	return &Result{Status: StatusDispatched, Lines: len(rows)}, nil
}

// loadFilesets resolves the ordered fileset list from the embedded data
// document, or by fetching the data context when only its identifier is
// supplied.
func (imp *Importer) loadFilesets(ctx context.Context, event *models.FileAttachedEvent) ([]fileset.Fileset, error) {
	if len(event.DataDocument) > 0 {
		return fileset.ParseDocument(event.DataDocument)
	}
	if event.ContextID == "" {
		return nil, nil
	}
	dataContext, err := imp.ims.GetContext(ctx, event.ContextID)
	if err != nil {
		return nil, err
	}
	if dataContext.DataDocument == "" {
		return nil, nil
	}
	return fileset.ParseDocument([]byte(dataContext.DataDocument))
}
