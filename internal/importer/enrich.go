package importer

import (
	"strings"

	"csv-import-service/internal/decoder"
	"csv-import-service/internal/fileset"
	"csv-import-service/internal/models"
)

// enrichRow converts a decoded row into the dispatched field set. Columns
// carrying the unmapped placeholder prefix are discarded, then each
// enrichment rule declared on the fileset is applied: a string value starting
// with "$" resolves against the triggering event's data payload, anything
// else is taken literally.
//
// Values stay raw strings here; empty-string normalization happens at
// consumption time in the writer.
func enrichRow(row map[string]string, fs *fileset.Fileset, event *models.FileAttachedEvent) map[string]interface{} {
	fields := make(map[string]interface{}, len(row)+len(fs.Enrichment))
	for name, value := range row {
		if strings.HasPrefix(name, decoder.PlaceholderPrefix) {
			continue
		}
		fields[name] = value
	}

	for name, value := range fs.Enrichment {
		if ref, ok := value.(string); ok && strings.HasPrefix(ref, "$") {
			fields[name] = event.Data[ref[1:]]
			continue
		}
		fields[name] = value
	}

	return fields
}
