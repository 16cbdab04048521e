package utils

import (
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

// ResolveOutputPath returns outputPath, or the first "name-(n).ext" variant
// colliding neither with a file on disk nor with a name already claimed in
// taken. Claiming matters for batches, where sibling transfers race for the
// same inferred name before any file exists. The result is recorded in taken
// when taken is non-nil.
func ResolveOutputPath(outputPath string, taken map[string]struct{}) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	candidate := outputPath
	for index := 1; ; index++ {
		_, claimed := taken[candidate]
		_, err := os.Stat(candidate)
		if !claimed && os.IsNotExist(err) {
			break
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
	}
	if taken != nil {
		taken[candidate] = struct{}{}
	}
	return candidate
}

// ParseHeaderArgs turns repeated "Name: value" flags into ordered headers.
// Malformed entries are skipped.
func ParseHeaderArgs(headers []string) []Header {
	var result []Header
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			result = append(result, Header{
				Name:  strings.TrimSpace(parts[0]),
				Value: strings.TrimSpace(parts[1]),
			})
		}
	}
	return result
}

var filenameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

// FilenameFromHeaders pulls a file name out of a Content-Disposition header,
// handling both the plain filename parameter and the RFC 2231 filename* form.
// Returns "" when the header is absent or unusable.
func FilenameFromHeaders(headers http.Header) string {
	contentDisposition := headers.Get("Content-Disposition")
	if contentDisposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil {
		return ""
	}
	if fn, ok := params["filename"]; ok && fn != "" {
		return filenameSanitizer.ReplaceAllString(fn, "_")
	}
	if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
		if unescaped, err := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''")); err == nil {
			return filenameSanitizer.ReplaceAllString(unescaped, "_")
		}
	}
	return ""
}

// FilenameFromURL infers an output file name from the URL path.
func FilenameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	name := path.Base(parsed.Path)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	return name
}

// ReadFetchList reads a YAML list of fetch entries (op/link pairs).
func ReadFetchList(listPath string) ([]FetchEntry, error) {
	data, err := os.ReadFile(listPath)
	if err != nil {
		return nil, fmt.Errorf("error reading list file: %w", err)
	}
	var entries []FetchEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing list file: %w", err)
	}
	for i, entry := range entries {
		if entry.URL == "" {
			return nil, fmt.Errorf("entry %d has no link", i+1)
		}
	}
	return entries, nil
}

// TempDirFor returns the scoped temp directory next to the output path.
func TempDirFor(outputPath string) string {
	return filepath.Join(filepath.Dir(outputPath), TempDirName)
}

// CleanFunction removes partial files for an output path, and the temp
// directory itself once empty.
func CleanFunction(outputPath string) error {
	tempDir := TempDirFor(outputPath)
	files, err := os.ReadDir(tempDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	partPrefix := filepath.Base(outputPath) + ".part"
	for _, file := range files {
		if strings.HasPrefix(file.Name(), partPrefix) {
			if err := os.Remove(filepath.Join(tempDir, file.Name())); err != nil {
				return err
			}
		}
	}
	remainingFiles, err := os.ReadDir(tempDir)
	if err != nil {
		return err
	}
	if len(remainingFiles) == 0 {
		if err := os.Remove(tempDir); err != nil {
			return err
		}
	}
	return nil
}

// CleanLocal removes the temp directory in the working directory.
func CleanLocal() error {
	tempDir := filepath.Join(filepath.Dir("."), TempDirName)
	_, err := os.Stat(tempDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.RemoveAll(tempDir)
}
