package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"rsc.io/pdf"
)

const (
	maxUploadBytes             = 25 * 1024 * 1024
	maxMultipartRequestBytes   = maxUploadBytes + (1 * 1024 * 1024)
	maxFilesPerMessage         = 5
	maxExtractedTextRunes      = 200_000
	defaultObjectStoragePrefix = "scribe-uploads"
)

var (
	supportedUploadExtensions = map[string]struct{}{
		".txt":  {},
		".md":   {},
		".pdf":  {},
		".csv":  {},
		".json": {},
		".png":  {},
		".jpg":  {},
		".jpeg": {},
		".gif":  {},
		".webp": {},
	}

	filenameSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

type fileResponse struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	SizeBytes int64  `json:"sizeBytes"`
	CreatedAt string `json:"createdAt"`
}

// UploadFile stores one attachment: bytes in the object store, metadata plus
// extracted text (for text-bearing types) in the files table.
func (h Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}
	if h.files == nil {
		writeError(w, http.StatusServiceUnavailable, "attachments_unconfigured", "attachments storage is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxMultipartRequestBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file_too_large", "file size exceeds 25 MB")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "request must be multipart/form-data")
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeError(w, http.StatusBadRequest, "bad_request", "file field is required")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read uploaded file")
		return
	}
	defer file.Close()

	filename := sanitizeFilename(header.Filename)
	extension := strings.ToLower(filepath.Ext(filename))
	if _, supported := supportedUploadExtensions[extension]; !supported {
		writeError(w, http.StatusBadRequest, "unsupported_file_type", "supported file types: images, .txt, .md, .pdf, .csv, .json")
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read uploaded file")
		return
	}
	if int64(len(data)) > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file_too_large", "file size exceeds 25 MB")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "empty files are not allowed")
		return
	}

	// Extraction is best effort and only applies to text-bearing types;
	// images carry no extracted text.
	extractedText := trimToRunes(extractUploadedText(extension, data), maxExtractedTextRunes)

	mediaType := detectUploadMediaType(header.Header.Get("Content-Type"), extension, data)
	fileID := uuid.NewString()
	objectPath := h.buildObjectPath(user.ID, fileID, filename)

	if err := h.files.PutObject(r.Context(), objectPath, mediaType, data); err != nil {
		log.Printf("msg=\"upload attachment failed\" user_id=%s file_id=%s error=%q", user.ID, fileID, err)
		writeError(w, http.StatusBadGateway, "storage_error", "failed to store attachment")
		return
	}

	var response fileResponse
	err = h.db.QueryRowContext(r.Context(), `
INSERT INTO files (
  id,
  user_id,
  filename,
  media_type,
  size_bytes,
  storage_backend,
  storage_path,
  extracted_text
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id, filename, media_type, size_bytes, created_at;
`, fileID, user.ID, filename, mediaType, len(data), h.files.Backend(), objectPath, extractedText).Scan(
		&response.ID,
		&response.Filename,
		&response.MediaType,
		&response.SizeBytes,
		&response.CreatedAt,
	)
	if err != nil {
		log.Printf("msg=\"persist attachment metadata failed\" user_id=%s file_id=%s error=%q", user.ID, fileID, err)
		_ = h.files.DeleteObject(r.Context(), objectPath)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to save file metadata")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"file": response})
}

func (h Handler) buildObjectPath(userID, fileID, filename string) string {
	prefix := strings.Trim(strings.TrimSpace(h.cfg.GCSUploadPrefix), "/")
	if prefix == "" {
		prefix = defaultObjectStoragePrefix
	}
	return path.Join(prefix, "users", userID, fileID, filename)
}

func extractUploadedText(extension string, data []byte) string {
	switch extension {
	case ".txt", ".md", ".csv":
		return normalizeTextPayload(string(data))
	case ".json":
		if !json.Valid(data) {
			return ""
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, data, "", "  "); err != nil {
			return ""
		}
		return normalizeTextPayload(pretty.String())
	case ".pdf":
		text, err := extractPDFText(data)
		if err != nil {
			return ""
		}
		return normalizeTextPayload(text)
	default:
		return ""
	}
}

func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var textBuilder strings.Builder
	runeCount := 0
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		content := page.Content()
		for _, item := range content.Text {
			chunk := strings.TrimSpace(item.S)
			if chunk == "" {
				continue
			}
			if textBuilder.Len() > 0 {
				textBuilder.WriteByte('\n')
				runeCount++
			}
			textBuilder.WriteString(chunk)
			runeCount += utf8.RuneCountInString(chunk)
			if runeCount >= maxExtractedTextRunes {
				return trimToRunes(textBuilder.String(), maxExtractedTextRunes), nil
			}
		}
	}

	return textBuilder.String(), nil
}

func normalizeTextPayload(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ToValidUTF8(normalized, "")
	return strings.TrimSpace(normalized)
}

func detectUploadMediaType(headerContentType, extension string, data []byte) string {
	contentType := strings.TrimSpace(headerContentType)
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}

	if byExt := strings.TrimSpace(mime.TypeByExtension(extension)); byExt != "" {
		return byExt
	}

	if len(data) > 0 {
		sniffLen := len(data)
		if sniffLen > 512 {
			sniffLen = 512
		}
		return http.DetectContentType(data[:sniffLen])
	}

	return "application/octet-stream"
}

func sanitizeFilename(raw string) string {
	base := strings.TrimSpace(filepath.Base(raw))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file"
	}

	extension := filepath.Ext(base)
	namePart := strings.TrimSuffix(base, extension)
	namePart = filenameSanitizer.ReplaceAllString(namePart, "_")
	namePart = strings.Trim(namePart, "._")
	if namePart == "" {
		namePart = "file"
	}

	extension = strings.ToLower(extension)
	extension = filenameSanitizer.ReplaceAllString(extension, "")
	if extension != "" && !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}

	candidate := namePart + extension
	candidate = trimToRunes(candidate, 180)
	if strings.TrimSpace(candidate) == "" {
		return "file"
	}
	return candidate
}

func normalizeIDs(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func trimToRunes(raw string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(raw) <= limit {
		return raw
	}
	return string([]rune(raw)[:limit])
}
