// Package sources loads the repository URLs a batch grades.
package sources

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/NikhilSetiya/repograde/pkg/errors"
	"github.com/NikhilSetiya/repograde/pkg/logging"
)

// RepoRef identifies a hosted repository
type RepoRef struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
	URL   string `json:"url"`
}

// FullName returns owner/name
func (r RepoRef) FullName() string {
	return r.Owner + "/" + r.Name
}

// LoadCSV reads every http(s) URL from any cell of a CSV file with a header
// row. URLs are de-duplicated in first-seen order.
func LoadCSV(path string) ([]string, error) {
	if path == "" {
		return nil, apperrors.NewValidationError("CSV file path is required")
	}
	if ext := filepath.Ext(path); !strings.EqualFold(ext, ".csv") {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid file type: expected .csv, got %q", ext))
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.NewNotFoundError("CSV file " + path)
		}
		return nil, apperrors.NewInternalError("failed to open CSV file").WithCause(err)
	}
	defer file.Close()

	urls, err := ReadURLs(file)
	if err != nil {
		return nil, err
	}

	logging.GetLogger().Info("Loaded repository URLs",
		"path", path,
		"count", len(urls),
	)
	return urls, nil
}

// ReadURLs scans CSV records after the header row for http(s) URLs.
func ReadURLs(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, apperrors.NewValidationError("error reading CSV header").WithCause(err)
	}

	seen := make(map[string]struct{})
	var urls []string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.NewValidationError("error reading CSV file").WithCause(err)
		}

		for _, cell := range record {
			cell = strings.TrimSpace(cell)
			if !IsValidURL(cell) {
				continue
			}
			if _, dup := seen[cell]; dup {
				continue
			}
			seen[cell] = struct{}{}
			urls = append(urls, cell)
		}
	}
	return urls, nil
}

// IsValidURL reports whether s is an absolute http or https URL with a host
func IsValidURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// ParseRepoURL extracts owner and name from a repository URL such as
// https://github.com/owner/name(.git)(/tree/main/...).
func ParseRepoURL(raw string) (RepoRef, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return RepoRef{}, apperrors.NewValidationError(fmt.Sprintf("invalid repository URL %q", raw))
	}

	parts := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(parts) < 2 {
		return RepoRef{}, apperrors.NewValidationError(fmt.Sprintf("repository URL %q has no owner/name", raw))
	}

	owner := parts[0]
	name := strings.TrimSuffix(parts[1], ".git")
	if owner == "" || name == "" {
		return RepoRef{}, apperrors.NewValidationError(fmt.Sprintf("repository URL %q has no owner/name", raw))
	}

	return RepoRef{
		Owner: owner,
		Name:  name,
		URL:   fmt.Sprintf("%s://%s/%s/%s", u.Scheme, u.Host, owner, name),
	}, nil
}
