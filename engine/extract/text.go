// Package extract turns source documents into structured records: text
// extraction per format, chunking, class detection, LLM prompting, and the
// smart union of per-chunk results.
package extract

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// officeConverter is the external binary used for word-processor formats.
// Its absence is non-fatal; affected documents yield an empty body.
const officeConverter = "pandoc"

// ExtractText returns the text body of a document, dispatching on extension.
// Unsupported formats and converter failures return an empty body, never an
// error: the pipeline still hashes and stores such files.
func ExtractText(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md":
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("extract: read text", "path", path, "error", err)
			return ""
		}
		return strings.ToValidUTF8(string(data), "�")
	case ".json":
		return jsonText(path)
	case ".pdf":
		return pdfText(path)
	case ".doc", ".docx", ".odt", ".rtf":
		return officeText(path)
	case ".csv":
		return csvText(path)
	default:
		slog.Warn("extract: unsupported format", "path", path)
		return ""
	}
}

// jsonText pulls text out of a JSON document: a known text-bearing key for
// objects, string members for arrays, a stable serialisation otherwise.
func jsonText(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("extract: read json", "path", path, "error", err)
		return ""
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		slog.Warn("extract: parse json", "path", path, "error", err)
		return ""
	}
	switch v := decoded.(type) {
	case map[string]any:
		for _, key := range []string{"text", "content", "body", "description", "abstract"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
	case []any:
		var parts []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	stable, err := json.Marshal(decoded)
	if err != nil {
		return ""
	}
	return string(stable)
}

func pdfText(path string) string {
	f, r, err := pdf.Open(path)
	if err != nil {
		slog.Warn("extract: open pdf", "path", path, "error", err)
		return ""
	}
	defer f.Close()
	reader, err := r.GetPlainText()
	if err != nil {
		slog.Warn("extract: pdf text", "path", path, "error", err)
		return ""
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		slog.Warn("extract: pdf read", "path", path, "error", err)
		return ""
	}
	return buf.String()
}

func officeText(path string) string {
	bin, err := exec.LookPath(officeConverter)
	if err != nil {
		slog.Warn("extract: converter unavailable", "converter", officeConverter, "path", path)
		return ""
	}
	out, err := exec.Command(bin, "-t", "plain", path).Output()
	if err != nil {
		slog.Warn("extract: convert office", "path", path, "error", err)
		return ""
	}
	return string(out)
}

func csvText(path string) string {
	f, err := os.Open(path)
	if err != nil {
		slog.Warn("extract: open csv", "path", path, "error", err)
		return ""
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var lines []string
	for {
		row, err := r.Read()
		if err != nil {
			break
		}
		lines = append(lines, strings.Join(row, " "))
	}
	return strings.Join(lines, "\n")
}
