package highlight

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dsnet/compress/bzip2"

	"github.com/averdin/refinery/internal/models"
)

const (
	// compressAfter is the age at which plain cache entries are
	// bzip2-compressed; deleteAfter is when entries expire entirely.
	compressAfter = 7 * 24 * time.Hour
	deleteAfter   = 90 * 24 * time.Hour
)

// cacheEntryPattern matches valid cache file names inside a shard
// directory: 38 hex characters, a language, and optionally .bz2.
var cacheEntryPattern = regexp.MustCompile(`^[0-9a-f]{38}\.[0-9a-z-]+(\.bz2)?$`)

var shardPattern = regexp.MustCompile(`^[0-9a-f]{2}$`)

// Compact is the scheduled cache maintenance task: it compresses aging
// entries, expires old ones, removes files that do not belong in the
// cache, and drops code-context rows whose cache entries are gone.
func (s *Service) Compact(ctx context.Context) error {
	root := s.cacheDir()
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("highlight: read cache dir: %w", err)
	}

	now := time.Now()
	for _, shard := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !shard.IsDir() || !shardPattern.MatchString(shard.Name()) {
			// Stray files at the top level do not belong to the cache.
			if !shard.IsDir() {
				os.Remove(filepath.Join(root, shard.Name()))
			}
			continue
		}
		if err := s.compactShard(ctx, filepath.Join(root, shard.Name()), now); err != nil {
			s.log.Warn().Err(err).Str("shard", shard.Name()).Msg("shard compaction failed")
		}
	}
	return s.purgeOrphanedContexts(ctx)
}

func (s *Service) compactShard(ctx context.Context, dir string, now time.Time) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := entry.Name()
		path := filepath.Join(dir, name)

		// Context side files and anything with an unrecognised name are
		// removed outright; the cache is purely derived data.
		if strings.HasSuffix(name, ".ctx") || !cacheEntryPattern.MatchString(name) {
			os.Remove(path)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		switch {
		case age > deleteAfter:
			os.Remove(path)
		case age > compressAfter && !strings.HasSuffix(name, ".bz2"):
			if err := compressFile(path); err != nil {
				s.log.Warn().Err(err).Str("file", name).Msg("compression failed")
			}
		}
	}
	return nil
}

// compressFile replaces path with path.bz2. The original modification
// time is preserved so the expiry clock keeps running from first write.
func compressFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.Create(path + ".bz2.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(path + ".bz2.tmp")

	writer, err := bzip2.NewWriter(out, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(writer, in); err != nil {
		writer.Close()
		out.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(path+".bz2.tmp", path+".bz2"); err != nil {
		return err
	}
	os.Chtimes(path+".bz2", info.ModTime(), info.ModTime())
	return os.Remove(path)
}

// purgeOrphanedContexts drops code-context rows whose blobs no longer
// have any cache entry.
func (s *Service) purgeOrphanedContexts(ctx context.Context) error {
	var contexts []models.CodeContext
	if err := s.db.Find(&contexts).Error; err != nil {
		return fmt.Errorf("highlight: list code contexts: %w", err)
	}
	purged := 0
	for i := range contexts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.hasCacheEntry(contexts[i].SHA1) {
			continue
		}
		if err := s.db.Delete(&models.CodeContext{}, contexts[i].ID).Error; err != nil {
			return fmt.Errorf("highlight: purge code context %d: %w", contexts[i].ID, err)
		}
		purged++
	}
	if purged > 0 {
		s.log.Info().Int("purged", purged).Msg("purged orphaned code contexts")
	}
	return nil
}

// hasCacheEntry reports whether any rendering of the blob survives in the
// cache, in any language, compressed or not.
func (s *Service) hasCacheEntry(sha1 string) bool {
	if len(sha1) != 40 {
		return false
	}
	dir := filepath.Join(s.cacheDir(), sha1[:2])
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), sha1[2:]+".") {
			return true
		}
	}
	return false
}
