package identity

import (
	"fmt"
	"strings"
	"unicode"
)

// Identity 应用身份：显示名称 + 原包名 + 新包名
type Identity struct {
	DisplayName     string `json:"display_name"`
	OriginalPackage string `json:"original_package"`
	NewPackage      string `json:"new_package"`
}

// Changed 包名是否发生变化
func (id Identity) Changed() bool {
	return id.OriginalPackage != id.NewPackage
}

// OriginalPath 原包名的路径形式
func (id Identity) OriginalPath() string {
	return PathForm(id.OriginalPackage)
}

// NewPath 新包名的路径形式
func (id Identity) NewPath() string {
	return PathForm(id.NewPackage)
}

// Derive 计算新包名
// explicit 非空时直接使用；否则将原包名最后一段替换为小写的显示名称
func Derive(original, displayName, explicit string) string {
	if explicit != "" {
		return explicit
	}
	name := strings.ToLower(displayName)
	segments := strings.Split(original, ".")
	if len(segments) < 2 {
		return name
	}
	return strings.Join(append(segments[:len(segments)-1:len(segments)-1], name), ".")
}

// PathForm 包名转为 smali 路径形式（com.example.app -> com/example/app）
func PathForm(pkg string) string {
	return strings.ReplaceAll(pkg, ".", "/")
}

// Validate 校验包名格式（非空且无空段）
func Validate(pkg string) error {
	if pkg == "" {
		return fmt.Errorf("package identifier is empty")
	}
	for i, seg := range strings.Split(pkg, ".") {
		if seg == "" {
			return fmt.Errorf("package identifier %q has an empty segment at position %d", pkg, i)
		}
	}
	return nil
}

// Lint 返回不是合法 Java 标识符的段，仅用于告警
func Lint(pkg string) []string {
	var bad []string
	for _, seg := range strings.Split(pkg, ".") {
		if !isJavaIdentifier(seg) {
			bad = append(bad, seg)
		}
	}
	return bad
}

func isJavaIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '$':
		case unicode.IsLetter(r):
		case i > 0 && unicode.IsDigit(r):
		default:
			return false
		}
	}
	return true
}
