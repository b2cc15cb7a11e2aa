// Package decoder converts a CSV or spreadsheet byte stream into an ordered
// sequence of field-keyed rows.
package decoder

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"csv-import-service/internal/fileset"
)

// PlaceholderPrefix names columns that have no mapped header. Fields carrying
// this prefix are discarded during enrichment.
const PlaceholderPrefix = "_"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decode parses the raw file content into ordered rows of column name to raw
// string value. Decoding is fully buffered; any structural or encoding error
// fails the whole file before a single row is returned.
//
// Spreadsheet files (.xls, .xlsx) are transcoded from their first sheet to
// delimited text before the delimiter parser runs.
func Decode(data []byte, fileName string, opts fileset.DecodeOptions) ([]map[string]string, error) {
	lower := strings.ToLower(fileName)
	if strings.HasSuffix(lower, ".xls") || strings.HasSuffix(lower, ".xlsx") {
		transcoded, err := sheetToDelimited(data, separator(opts))
		if err != nil {
			return nil, err
		}
		data = transcoded
	} else {
		decoded, err := decodeCharset(data, opts.Encoding)
		if err != nil {
			return nil, err
		}
		data = decoded
	}

	return parseDelimited(data, opts)
}

func separator(opts fileset.DecodeOptions) rune {
	if opts.Separator == "" {
		return ','
	}
	return []rune(opts.Separator)[0]
}

// decodeCharset strips a leading byte-order mark and transcodes the content to
// UTF-8 using the configured encoding.
func decodeCharset(data []byte, encodingName string) ([]byte, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	if encodingName == "" {
		return data, nil
	}
	enc, err := htmlindex.Get(encodingName)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q: %w", encodingName, err)
	}
	if enc == unicode.UTF8 {
		return data, nil
	}
	decoded, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode file content as %s: %w", encodingName, err)
	}
	// A BOM may only become visible after transcoding (UTF-16 input).
	return bytes.TrimPrefix(decoded, utf8BOM), nil
}

// sheetToDelimited loads the first sheet of a spreadsheet and renders it as
// delimited text so the regular parser can consume it.
func sheetToDelimited(data []byte, sep rune) ([]byte, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets found in spreadsheet")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	writer.Comma = sep
	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to transcode sheet row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to transcode sheet: %w", err)
	}

	return buf.Bytes(), nil
}

// parseDelimited reads the delimited content into field-keyed rows. The first
// line supplies the column names unless the options override them, in which
// case every line is a data row. Columns beyond the header width get
// placeholder names carrying PlaceholderPrefix.
func parseDelimited(data []byte, opts fileset.DecodeOptions) ([]map[string]string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = separator(opts)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse delimited content: %w", err)
	}

	headers := opts.Headers
	if len(headers) == 0 {
		if len(records) == 0 {
			return nil, nil
		}
		headers = records[0]
		for i := range headers {
			headers[i] = strings.TrimSpace(headers[i])
		}
		records = records[1:]
	}

	rows := make([]map[string]string, 0, len(records))
	for _, record := range records {
		row := make(map[string]string, len(record))
		for i, value := range record {
			name := ""
			if i < len(headers) {
				name = headers[i]
			}
			if name == "" {
				name = fmt.Sprintf("%s%d", PlaceholderPrefix, i)
			}
			row[name] = value
		}
		rows = append(rows, row)
	}

	return rows, nil
}
