// Package fileset holds the import configuration records and the matcher that
// selects which configuration governs an attached file.
package fileset

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// DecodeOptions controls how the attached file is decoded into rows.
type DecodeOptions struct {
	// Encoding is the character encoding of the file (IANA label, e.g.
	// "utf-8", "windows-1252"). Empty means UTF-8.
	Encoding string `json:"encoding,omitempty"`
	// Separator is the field delimiter. Empty means ",".
	Separator string `json:"separator,omitempty"`
	// Headers overrides the column names. When set, every line of the file
	// is treated as a data row.
	Headers []string `json:"headers,omitempty"`
}

// Fileset describes how to recognize, decode, and route one class of imported
// file for one entity. Filesets are externally supplied per data context and
// immutable for the duration of one import.
type Fileset struct {
	EntityName      string                 `json:"entityName"`
	FileNamePattern string                 `json:"fileNamePattern"`
	ResourceName    string                 `json:"resourceName"`
	Version         string                 `json:"version,omitempty"`
	Options         DecodeOptions          `json:"options"`
	Enrichment      map[string]interface{} `json:"enrichment,omitempty"`
	NumWriters      int                    `json:"numWriters,omitempty"`
}

// Writers returns the configured writer lane count, defaulting to 1.
func (f *Fileset) Writers() int {
	if f.NumWriters < 1 {
		return 1
	}
	return f.NumWriters
}

// Document is the configuration document embedded in a data context.
type Document struct {
	CSVImport []Fileset `json:"CSVImport"`
}

// ParseDocument decodes a configuration document and returns its ordered
// fileset list. A document without a CSVImport member yields an empty list.
func ParseDocument(data []byte) ([]Fileset, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse configuration document: %w", err)
	}
	return doc.CSVImport, nil
}

// Outcome classifies the result of matching a file against a fileset list.
type Outcome int

const (
	// OutcomeNoEntity means no fileset lists the entity at all; the import
	// is skipped silently.
	OutcomeNoEntity Outcome = iota
	// OutcomeNoPattern means filesets exist for the entity but none's file
	// name pattern matched; the import is skipped with a warning.
	OutcomeNoPattern
	// OutcomeMatched means a fileset was selected.
	OutcomeMatched
)

// MatchResult carries the selected fileset, or for OutcomeNoPattern the
// patterns of every candidate declared for the entity.
type MatchResult struct {
	Outcome           Outcome
	Fileset           *Fileset
	CandidatePatterns []string
}

// Match scans the ordered fileset list and selects the first one whose entity
// name equals entityName and whose file name pattern matches fileName. List
// order is the priority order; configuration authors control precedence by
// ordering.
func Match(entityName, fileName string, filesets []Fileset) (MatchResult, error) {
	var candidates []string
	for i := range filesets {
		fs := &filesets[i]
		if fs.EntityName != entityName {
			continue
		}
		re, err := regexp.Compile(fs.FileNamePattern)
		if err != nil {
			return MatchResult{}, fmt.Errorf("invalid file name pattern %q for entity %s: %w", fs.FileNamePattern, entityName, err)
		}
		if re.MatchString(fileName) {
			return MatchResult{Outcome: OutcomeMatched, Fileset: fs}, nil
		}
		candidates = append(candidates, fs.FileNamePattern)
	}
	if len(candidates) == 0 {
		return MatchResult{Outcome: OutcomeNoEntity}, nil
	}
	return MatchResult{Outcome: OutcomeNoPattern, CandidatePatterns: candidates}, nil
}
