// Package checkpoint persists run reports and resume manifests to a blob store.
package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/registry-harvester/internal/harvest"
)

const (
	contentTypeJSON = "application/json"
	timestampLayout = "20060102T150405Z"
	runSuffixLen    = 8
)

// Store writes whole JSON documents through a BlobStore. Object names carry
// the batch number, item count, timestamp and a run ID suffix so distinct
// runs never collide.
type Store struct {
	blobs  harvest.BlobStore
	prefix string
	logger *zap.Logger
}

// New builds a Store. prefix may be empty.
func New(blobs harvest.BlobStore, prefix string, logger *zap.Logger) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		blobs:  blobs,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("checkpoint"),
	}, nil
}

// Persist writes report and returns its location.
func (s *Store) Persist(ctx context.Context, report harvest.RunReport) (string, error) {
	data, err := harvest.EncodeReport(report)
	if err != nil {
		return "", err
	}
	name := ReportName(report)
	loc, err := s.put(ctx, name, data)
	if err != nil {
		return "", fmt.Errorf("write report %s: %w", name, err)
	}
	s.logger.Debug("report written", zap.String("location", loc), zap.Int("bytes", len(data)))
	return loc, nil
}

// PersistManifest writes manifest and returns its location.
func (s *Store) PersistManifest(ctx context.Context, manifest harvest.ResumeManifest) (string, error) {
	data, err := harvest.EncodeManifest(manifest)
	if err != nil {
		return "", err
	}
	name := ManifestName(manifest)
	loc, err := s.put(ctx, name, data)
	if err != nil {
		return "", fmt.Errorf("write manifest %s: %w", name, err)
	}
	s.logger.Debug("manifest written", zap.String("location", loc), zap.Int("bytes", len(data)))
	return loc, nil
}

// LoadManifest reads and decodes the manifest at key. key may be a location
// returned by PersistManifest or a name relative to the store prefix.
func (s *Store) LoadManifest(ctx context.Context, key string) (harvest.ResumeManifest, error) {
	if !strings.Contains(key, "://") && s.prefix != "" && !strings.HasPrefix(key, s.prefix+"/") {
		key = path.Join(s.prefix, key)
	}
	data, err := s.blobs.GetObject(ctx, key)
	if err != nil {
		return harvest.ResumeManifest{}, fmt.Errorf("read manifest %s: %w", key, err)
	}
	return harvest.LoadManifest(data)
}

func (s *Store) put(ctx context.Context, name string, data []byte) (string, error) {
	if s.prefix != "" {
		name = path.Join(s.prefix, name)
	}
	return s.blobs.PutObject(ctx, name, contentTypeJSON, bytes.NewReader(data))
}

// ReportName is the object name for report. Rewriting the same final report
// yields the same name.
func ReportName(report harvest.RunReport) string {
	return fmt.Sprintf("reports/report_batch%03d_%ditems_%s%s.json",
		report.BatchNumber, report.Processed, stamp(report.FinishedAt), runSuffix(report.RunID))
}

// ManifestName is the object name for manifest.
func ManifestName(manifest harvest.ResumeManifest) string {
	return fmt.Sprintf("manifests/resume_batch%03d_%ditems_%s%s.json",
		manifest.BatchNumber, len(manifest.RemainingItems), stamp(manifest.CreatedAt), runSuffix(manifest.RunID))
}

func stamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// runSuffix keeps the tail of the run ID. UUIDv7 IDs lead with the
// timestamp, so the random tail is what tells same-second runs apart.
func runSuffix(runID string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			return r
		default:
			return -1
		}
	}, runID)
	if id == "" {
		return ""
	}
	if len(id) > runSuffixLen {
		id = id[len(id)-runSuffixLen:]
	}
	return "_" + id
}
