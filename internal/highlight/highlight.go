// Package highlight renders syntax-highlighted source for the front-end
// and maintains the on-disk highlight cache. Requests arrive through the
// shared worker pool; rendering runs in child processes because lexing
// adversarial input can be slow and memory-hungry.
package highlight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/gitcmd"
	"github.com/averdin/refinery/internal/log"
	"github.com/averdin/refinery/internal/models"
	"github.com/averdin/refinery/internal/workerpool"
)

// Request asks for a highlighted rendering of one blob. Language may be
// empty; the path then selects the lexer.
type Request struct {
	Repository string `json:"repository"`
	SHA1       string `json:"sha1"`
	Path       string `json:"path,omitempty"`
	Language   string `json:"language,omitempty"`
}

// Result points at the cached rendering.
type Result struct {
	CacheFile  string `json:"cache_file"`
	Language   string `json:"language"`
	Compressed bool   `json:"compressed,omitempty"`
}

// Service is the highlight service core.
type Service struct {
	cfg *config.Config
	db  *gorm.DB
	log zerolog.Logger

	runnerFor func(path string) *gitcmd.Runner
}

// New creates the service bound to one database session.
func New(cfg *config.Config, db *gorm.DB) *Service {
	return &Service{
		cfg:       cfg,
		db:        db,
		log:       log.WithComponent("highlight"),
		runnerFor: gitcmd.New,
	}
}

// Pool builds the worker pool for this service. run is typically
// workerpool.SpawnChild("highlight"); tests pass s.RunJob directly.
func (s *Service) Pool(run workerpool.RunFunc) *workerpool.Pool {
	cfg := config.WorkerPoolConfig{
		MaxWorkers: s.cfg.Highlight.MaxWorkers,
		RSSLimitMB: s.cfg.Highlight.RSSLimitMB,
	}
	return workerpool.New("highlight", cfg, s.log, s.Probe, run)
}

func (s *Service) cacheDir() string {
	if s.cfg.Highlight.CacheDir != "" {
		return s.cfg.Highlight.CacheDir
	}
	return filepath.Join(s.cfg.DataDir, "highlight")
}

// cachePath shards by the first two characters of the blob SHA-1, keeping
// directory sizes manageable on large deployments.
func (s *Service) cachePath(sha1, language string) string {
	return filepath.Join(s.cacheDir(), sha1[:2], sha1[2:]+"."+language)
}

// Probe satisfies requests already present in the cache, compressed or
// not.
func (s *Service) Probe(ctx context.Context, raw json.RawMessage) (json.RawMessage, bool, error) {
	req, err := decode(raw)
	if err != nil {
		return nil, false, err
	}
	language := s.languageFor(req)
	path := s.cachePath(req.SHA1, language)

	if _, err := os.Stat(path); err == nil {
		result, err := json.Marshal(Result{CacheFile: path, Language: language})
		return result, err == nil, err
	}
	if _, err := os.Stat(path + ".bz2"); err == nil {
		result, err := json.Marshal(Result{CacheFile: path + ".bz2", Language: language, Compressed: true})
		return result, err == nil, err
	}
	return nil, false, nil
}

// RunJob renders one blob into the cache. It is the child-process entry
// point.
func (s *Service) RunJob(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	req, err := decode(raw)
	if err != nil {
		return nil, err
	}
	var repo models.Repository
	if err := s.db.Where("name = ?", req.Repository).First(&repo).Error; err != nil {
		return nil, fmt.Errorf("highlight: look up repository %s: %w", req.Repository, err)
	}

	blob, err := s.runnerFor(repo.Path).CatBlob(ctx, req.SHA1)
	if err != nil {
		return nil, fmt.Errorf("highlight: read blob %s: %w", req.SHA1, err)
	}

	language := s.languageFor(req)
	rendered, err := render(string(blob), language)
	if err != nil {
		return nil, err
	}

	path := s.cachePath(req.SHA1, language)
	if err := writeAtomic(path, rendered); err != nil {
		return nil, err
	}
	return json.Marshal(Result{CacheFile: path, Language: language})
}

// languageFor picks the lexer name for a request: explicit language, then
// filename matching, then plain text.
func (s *Service) languageFor(req *Request) string {
	if req.Language != "" {
		if lexer := lexers.Get(req.Language); lexer != nil {
			return normalizeLanguage(lexer.Config().Name)
		}
	}
	if req.Path != "" {
		if lexer := lexers.Match(req.Path); lexer != nil {
			return normalizeLanguage(lexer.Config().Name)
		}
	}
	return "text"
}

// normalizeLanguage maps a lexer name to a cache-filename-safe token.
func normalizeLanguage(name string) string {
	name = strings.ToLower(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+':
			b.WriteString("plus")
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// render produces the highlighted HTML fragment stored in the cache.
func render(source, language string) ([]byte, error) {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, source)
	if err != nil {
		return nil, fmt.Errorf("highlight: tokenise: %w", err)
	}
	formatter := html.New(html.WithClasses(true), html.WithLineNumbers(false))
	var b strings.Builder
	if err := formatter.Format(&b, styles.Fallback, iterator); err != nil {
		return nil, fmt.Errorf("highlight: format: %w", err)
	}
	return []byte(b.String()), nil
}

// writeAtomic writes via a temporary file in the same shard directory so a
// crashed job never leaves a truncated cache entry.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("highlight: create shard dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("highlight: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("highlight: write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("highlight: publish cache file: %w", err)
	}
	return nil
}

func decode(raw json.RawMessage) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("highlight: decode request: %w", err)
	}
	if req.Repository == "" || len(req.SHA1) != 40 {
		return nil, errors.New("highlight: repository and a full sha1 are required")
	}
	return &req, nil
}
