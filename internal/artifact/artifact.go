// Package artifact lists and resolves the files a session's agent wrote to
// its output directory.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ReportFileName is the file name reserved for the analysis report.
const ReportFileName = "数据分析报告.html"

// Kind classifies an artifact.
type Kind string

const (
	KindReport Kind = "report"
	KindChart  Kind = "chart"
	KindImage  Kind = "image"
	KindExport Kind = "export"
)

// ErrOutsideRoot is returned when a requested path escapes the output directory.
var ErrOutsideRoot = errors.New("path outside output directory")

var kinds = map[string]Kind{
	".html": KindChart,
	".png":  KindImage,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".xlsx": KindExport,
	".xls":  KindExport,
	".csv":  KindExport,
}

var mimeTypes = map[string]string{
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xls":  "application/vnd.ms-excel",
	".csv":  "text/csv",
	".html": "text/html",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// Artifact is one file in the output directory.
type Artifact struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Kind     Kind      `json:"kind"`
	MIMEType string    `json:"mime_type"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
}

// Listing groups the artifacts of a directory, each group newest first.
type Listing struct {
	Report  *Artifact  `json:"report,omitempty"`
	Charts  []Artifact `json:"charts"`
	Images  []Artifact `json:"images"`
	Exports []Artifact `json:"exports"`
}

// Len returns the number of artifacts in l.
func (l Listing) Len() int {
	n := len(l.Charts) + len(l.Images) + len(l.Exports)
	if l.Report != nil {
		n++
	}
	return n
}

// KindOf classifies a file name. The second result is false for files that
// are not artifacts.
func KindOf(name string) (Kind, bool) {
	if filepath.Base(name) == ReportFileName {
		return KindReport, true
	}
	k, ok := kinds[strings.ToLower(filepath.Ext(name))]
	return k, ok
}

// MIMEType returns the download content type for name.
func MIMEType(name string) string {
	if m, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return m
	}
	return "application/octet-stream"
}

// Scan walks dir recursively. A missing directory yields an empty listing.
func Scan(dir string) (Listing, error) {
	listing := Listing{Charts: []Artifact{}, Images: []Artifact{}, Exports: []Artifact{}}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		kind, ok := KindOf(d.Name())
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		a := Artifact{
			Name:     d.Name(),
			Path:     filepath.ToSlash(rel),
			Kind:     kind,
			MIMEType: MIMEType(d.Name()),
			Size:     info.Size(),
			ModTime:  info.ModTime().UTC(),
		}
		switch kind {
		case KindReport:
			if listing.Report == nil || a.ModTime.After(listing.Report.ModTime) {
				listing.Report = &a
			}
		case KindChart:
			listing.Charts = append(listing.Charts, a)
		case KindImage:
			listing.Images = append(listing.Images, a)
		case KindExport:
			listing.Exports = append(listing.Exports, a)
		}
		return nil
	})
	if err != nil {
		return listing, fmt.Errorf("scan %s: %w", dir, err)
	}
	newestFirst(listing.Charts)
	newestFirst(listing.Images)
	newestFirst(listing.Exports)
	return listing, nil
}

func newestFirst(items []Artifact) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].ModTime.Equal(items[j].ModTime) {
			return items[i].Path < items[j].Path
		}
		return items[i].ModTime.After(items[j].ModTime)
	})
}

// Resolve maps a slash-separated path relative to root onto a file inside
// root.
func Resolve(root, rel string) (string, error) {
	rel = filepath.FromSlash(strings.TrimPrefix(rel, "/"))
	if rel == "" || !filepath.IsLocal(rel) {
		return "", ErrOutsideRoot
	}
	path := filepath.Join(root, rel)
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s: %w", rel, fs.ErrNotExist)
	}
	return path, nil
}
