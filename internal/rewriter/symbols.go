package rewriter

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rename-go/internal/domain"
	"github.com/apk-analysis/apk-rename-go/internal/identity"
)

// SymbolStats smali 改写统计
type SymbolStats struct {
	Roots        int      `json:"roots"`
	Moved        int      `json:"moved"`
	Skipped      int      `json:"skipped"`
	FilesScanned int      `json:"files_scanned"`
	FilesChanged int      `json:"files_changed"`
	Warnings     []string `json:"warnings,omitempty"`
}

// SymbolRewriter smali 目录与引用改写器
type SymbolRewriter struct {
	logger *logrus.Logger
}

// NewSymbolRewriter 创建 smali 改写器
func NewSymbolRewriter(logger *logrus.Logger) *SymbolRewriter {
	return &SymbolRewriter{logger: logger}
}

// Rewrite 移动包目录并替换所有 .smali 文件中的类型引用
func (r *SymbolRewriter) Rewrite(roots []string, id identity.Identity) (*SymbolStats, error) {
	stats := &SymbolStats{Roots: len(roots)}
	if !id.Changed() {
		return stats, nil
	}

	oldPath := id.OriginalPath()
	newPath := id.NewPath()

	for _, root := range roots {
		if err := r.moveTree(root, oldPath, newPath, stats); err != nil {
			return stats, err
		}
	}

	ref := newPathRef(oldPath, newPath)

	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return domain.NewFilesystemError("walk", path, walkErr)
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), ".smali") {
				return nil
			}
			stats.FilesScanned++
			changed, err := rewriteFile(path, ref)
			if err != nil {
				return err
			}
			if changed {
				stats.FilesChanged++
			}
			return nil
		})
		if err != nil {
			return stats, err
		}
	}

	r.logger.WithFields(logrus.Fields{
		"roots":         stats.Roots,
		"moved":         stats.Moved,
		"skipped":       stats.Skipped,
		"files_scanned": stats.FilesScanned,
		"files_changed": stats.FilesChanged,
	}).Info("Smali references rewritten")

	return stats, nil
}

func (r *SymbolRewriter) moveTree(root, oldPath, newPath string, stats *SymbolStats) error {
	src := filepath.Join(root, filepath.FromSlash(oldPath))
	dst := filepath.Join(root, filepath.FromSlash(newPath))

	info, err := os.Stat(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return domain.NewFilesystemError("stat", src, err)
	}
	if !info.IsDir() {
		return nil
	}

	if _, err := os.Stat(dst); err == nil {
		msg := "destination package directory already exists, move skipped: " + dst
		stats.Skipped++
		stats.Warnings = append(stats.Warnings, msg)
		r.logger.WithField("root", root).Warn(msg)
		return nil
	}

	from := src
	// 新路径位于旧路径之下（com/a -> com/a/b）时先移到同级临时目录
	if strings.HasPrefix(dst, src+string(filepath.Separator)) {
		from = src + ".rename-tmp"
		if err := os.Rename(src, from); err != nil {
			return domain.NewFilesystemError("move", src, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return domain.NewFilesystemError("mkdir", filepath.Dir(dst), err)
	}
	if err := os.Rename(from, dst); err != nil {
		return domain.NewFilesystemError("move", from, err)
	}
	stats.Moved++
	r.logger.WithFields(logrus.Fields{
		"from": src,
		"to":   dst,
	}).Debug("Package directory moved")

	pruneEmptyParents(filepath.Dir(src), root)
	return nil
}

// pruneEmptyParents 删除移动后留下的空父目录，直到 root 为止
func pruneEmptyParents(dir, root string) {
	root = filepath.Clean(root)
	for dir = filepath.Clean(dir); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

// pathRef 匹配以包边界（/ 或 ;）结束的路径形式，com/example/appwidget 不会被当作 com/example/app
type pathRef struct {
	pattern *regexp.Regexp
	newPath []byte
}

func newPathRef(oldPath, newPath string) *pathRef {
	return &pathRef{
		pattern: regexp.MustCompile(regexp.QuoteMeta(oldPath) + `[/;]`),
		newPath: []byte(newPath),
	}
}

func (p *pathRef) replace(data []byte) []byte {
	return p.pattern.ReplaceAllFunc(data, func(m []byte) []byte {
		out := make([]byte, 0, len(p.newPath)+1)
		out = append(out, p.newPath...)
		return append(out, m[len(m)-1])
	})
}

func rewriteFile(path string, ref *pathRef) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, domain.NewFilesystemError("read", path, err)
	}
	if !ref.pattern.Match(data) {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, domain.NewFilesystemError("stat", path, err)
	}
	updated := ref.replace(data)
	if err := os.WriteFile(path, updated, info.Mode().Perm()); err != nil {
		return false, domain.NewFilesystemError("write", path, err)
	}
	return true, nil
}
