package hardware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/LucPettett/what-do-i-become/internal/domain"
	"github.com/LucPettett/what-do-i-become/internal/store"
)

// EvidenceReport is what an external detector observed for one request.
type EvidenceReport struct {
	Detected bool           `json:"detected"`
	Verified bool           `json:"verified"`
	Failed   bool           `json:"failed"`
	Signals  map[string]any `json:"signals,omitempty"`
	Ref      string         `json:"ref,omitempty"`
}

// EvidenceSource collects machine evidence for a request.
type EvidenceSource interface {
	Collect(ctx context.Context, req domain.HardwareRequest) (EvidenceReport, error)
}

// EvidenceFile is the document an external detector writes to runtime/evidence.json.
type EvidenceFile struct {
	ObservedAt string                    `json:"observed_at"`
	Reports    map[string]EvidenceReport `json:"reports"`
}

// FileSource reads reports keyed by request id. A missing file means nothing was observed.
type FileSource struct {
	Path string
}

func (s FileSource) Collect(ctx context.Context, req domain.HardwareRequest) (EvidenceReport, error) {
	doc, err := ReadEvidenceFile(s.Path)
	if err != nil {
		return EvidenceReport{}, err
	}
	return doc.Reports[req.ID], nil
}

func ReadEvidenceFile(path string) (EvidenceFile, error) {
	var doc EvidenceFile
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return doc, fmt.Errorf("read evidence: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse evidence %s: %w", path, err)
	}
	return doc, nil
}

// RecordEvidence stores report for requestID in the evidence file at path,
// keeping the reports of other requests.
func RecordEvidence(path, requestID string, report EvidenceReport, now time.Time) (EvidenceFile, error) {
	if strings.TrimSpace(requestID) == "" {
		return EvidenceFile{}, errors.New("request id required")
	}
	doc, err := ReadEvidenceFile(path)
	if err != nil {
		return doc, err
	}
	if doc.Reports == nil {
		doc.Reports = map[string]EvidenceReport{}
	}
	doc.Reports[requestID] = report
	doc.ObservedAt = now.UTC().Format(time.RFC3339)
	if err := store.WriteJSON(path, doc); err != nil {
		return doc, fmt.Errorf("write evidence: %w", err)
	}
	return doc, nil
}

// PathSource detects parts by stat-ing the path or glob named in the
// request's detection. It never runs commands.
type PathSource struct{}

func (PathSource) Collect(ctx context.Context, req domain.HardwareRequest) (EvidenceReport, error) {
	if req.Detection == nil || req.Detection.Value == "" {
		return EvidenceReport{}, nil
	}
	if err := ctx.Err(); err != nil {
		return EvidenceReport{}, err
	}
	value := req.Detection.Value
	switch req.Detection.Kind {
	case domain.DetectPathExists:
		if _, err := os.Stat(value); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return EvidenceReport{}, nil
			}
			return EvidenceReport{}, fmt.Errorf("stat %s: %w", value, err)
		}
		return EvidenceReport{Detected: true, Ref: "path:" + value, Signals: map[string]any{"matches": 1}}, nil
	case domain.DetectGlobExists:
		matches, err := filepath.Glob(value)
		if err != nil {
			return EvidenceReport{}, fmt.Errorf("glob %s: %w", value, err)
		}
		if len(matches) == 0 {
			return EvidenceReport{}, nil
		}
		sort.Strings(matches)
		return EvidenceReport{Detected: true, Ref: "glob:" + value, Signals: map[string]any{"matches": len(matches)}}, nil
	}
	return EvidenceReport{}, nil
}

// MultiSource merges reports from several sources. Any source error fails the collection.
type MultiSource []EvidenceSource

func (m MultiSource) Collect(ctx context.Context, req domain.HardwareRequest) (EvidenceReport, error) {
	var out EvidenceReport
	var refs []string
	for _, src := range m {
		r, err := src.Collect(ctx, req)
		if err != nil {
			return EvidenceReport{}, err
		}
		out.Detected = out.Detected || r.Detected
		out.Verified = out.Verified || r.Verified
		out.Failed = out.Failed || r.Failed
		for k, v := range r.Signals {
			if out.Signals == nil {
				out.Signals = map[string]any{}
			}
			out.Signals[k] = v
		}
		if r.Ref != "" {
			refs = append(refs, r.Ref)
		}
	}
	out.Ref = strings.Join(refs, ",")
	return out, nil
}
