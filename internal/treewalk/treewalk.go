package treewalk

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apk-analysis/apk-rename-go/internal/domain"
)

const manifestName = "AndroidManifest.xml"

// manifestCandidates 清单文件查找顺序：顶层优先，其次 original/ 目录
var manifestCandidates = []string{
	manifestName,
	filepath.Join("original", manifestName),
}

// LocateManifest 查找解包目录中的清单文件
func LocateManifest(tree string) (string, error) {
	searched := make([]string, 0, len(manifestCandidates))
	for _, rel := range manifestCandidates {
		path := filepath.Join(tree, rel)
		searched = append(searched, path)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", &domain.ManifestNotFoundError{Tree: tree, Searched: searched}
}

// IsSymbolRootName 是否为 smali 根目录名（smali 或 smali_*）
func IsSymbolRootName(name string) bool {
	return name == "smali" || strings.HasPrefix(name, "smali_")
}

// LocateSymbolRoots 查找 smali 根目录，先查顶层子目录，找不到再递归查找
// 返回结果按路径字典序排列
func LocateSymbolRoots(tree string) ([]string, error) {
	roots, err := shallowRoots(tree)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		roots, err = deepRoots(tree)
		if err != nil {
			return nil, err
		}
	}
	if len(roots) == 0 {
		return nil, &domain.SymbolRootNotFoundError{Tree: tree}
	}
	sort.Strings(roots)
	return roots, nil
}

func shallowRoots(tree string) ([]string, error) {
	entries, err := os.ReadDir(tree)
	if err != nil {
		return nil, domain.NewFilesystemError("read dir", tree, err)
	}
	var roots []string
	for _, e := range entries {
		if e.IsDir() && IsSymbolRootName(e.Name()) {
			roots = append(roots, filepath.Join(tree, e.Name()))
		}
	}
	return roots, nil
}

func deepRoots(tree string) ([]string, error) {
	var roots []string
	err := filepath.WalkDir(tree, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return domain.NewFilesystemError("walk", path, walkErr)
		}
		if !d.IsDir() || path == tree {
			return nil
		}
		if IsSymbolRootName(d.Name()) {
			roots = append(roots, path)
			// 不再进入已找到的根目录
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return roots, nil
}
