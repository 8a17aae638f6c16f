package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Export serializes audit entries in the requested format
func Export(entries []*Entry, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatJSON:
		return exportJSON(entries)
	case ExportFormatNDJSON:
		return exportNDJSON(entries)
	case ExportFormatCSV:
		return exportCSV(entries)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

// exportJSON exports entries as a JSON array
func exportJSON(entries []*Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}

// exportNDJSON exports entries as newline-delimited JSON
func exportNDJSON(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return nil, fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// exportCSV exports entries as CSV
func exportCSV(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID",
		"EntryID",
		"Timestamp",
		"Action",
		"Outcome",
		"Actor",
		"DocumentID",
		"OrganizationID",
		"RequestID",
		"SessionID",
		"IPAddress",
		"UserAgent",
		"Message",
		"ErrorMessage",
	}

	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, entry := range entries {
		row := []string{
			strconv.FormatInt(entry.ID, 10),
			entry.EntryID,
			entry.Timestamp.Format("2006-01-02 15:04:05"),
			string(entry.Action),
			string(entry.Outcome),
			entry.Actor,
			entry.DocumentID,
			entry.OrganizationID,
			entry.RequestID,
			entry.SessionID,
			entry.IPAddress,
			entry.UserAgent,
			entry.Message,
			entry.ErrorMessage,
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// archiveEntries writes the entries as a timestamped NDJSON file under
// the archive directory
func archiveEntries(entries []*Entry, archivePath string) error {
	if err := os.MkdirAll(archivePath, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	data, err := exportNDJSON(entries)
	if err != nil {
		return err
	}

	filename := filepath.Join(archivePath, fmt.Sprintf("audit-archive-%s.ndjson", time.Now().Format("2006-01-02-15-04-05")))
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write archive file: %w", err)
	}

	return nil
}
