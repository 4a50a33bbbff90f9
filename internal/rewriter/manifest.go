package rewriter

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	"github.com/apk-analysis/apk-rename-go/internal/domain"
	"github.com/apk-analysis/apk-rename-go/internal/identity"
)

var (
	applicationTagRe = regexp.MustCompile(`(?is)<application(?:\s[^>]*)?>`)
	manifestTagRe    = regexp.MustCompile(`(?is)<manifest(?:\s[^>]*)?>`)
	elementTagRe     = regexp.MustCompile(`<[A-Za-z][^>]*>`)
	// 属性：前导空白、(命名空间:)名称、等号、双引号值
	attributeRe = regexp.MustCompile(`(\s)([A-Za-z_][\w.-]*(?::[A-Za-z_][\w.-]*)?)(\s*=\s*)"([^"]*)"`)
)

// ManifestOptions 清单改写参数
type ManifestOptions struct {
	DisplayName string
	// NewPackage 显式指定的新包名，为空时根据显示名称推导
	NewPackage string
}

// ManifestResult 清单改写结果
type ManifestResult struct {
	Text                 string
	Identity             identity.Identity
	LabelReplaced        bool
	LabelInjected        bool
	AuthoritiesRewritten int
	QualifiedRewritten   int
	Warnings             []string
}

// RewriteManifest 在内存中改写清单文本，除目标属性外其余字节保持不变
func RewriteManifest(text string, opts ManifestOptions) (*ManifestResult, error) {
	result := &ManifestResult{}

	// 1. 显示名称
	text = result.rewriteLabel(text, opts.DisplayName)

	// 2. 根元素 package 属性
	loc := manifestTagRe.FindStringIndex(text)
	if loc == nil {
		return nil, &domain.MissingIdentifierError{}
	}
	rootTag := text[loc[0]:loc[1]]
	original, ok := findAttr(rootTag, "package")
	if !ok || original == "" {
		return nil, &domain.MissingIdentifierError{}
	}

	// 3. 推导新包名，后续步骤统一使用
	newPackage := identity.Derive(original, opts.DisplayName, opts.NewPackage)
	if err := identity.Validate(newPackage); err != nil {
		return nil, fmt.Errorf("derive new package: %w", err)
	}
	for _, seg := range identity.Lint(newPackage) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("package segment %q is not a valid Java identifier", seg))
	}
	result.Identity = identity.Identity{
		DisplayName:     opts.DisplayName,
		OriginalPackage: original,
		NewPackage:      newPackage,
	}

	if original == newPackage {
		result.Text = text
		return result, nil
	}

	// 4-6. authorities 与限定名在同一遍中处理，避免新包名以旧包名为前缀时重复替换
	text = result.rewriteReferences(text, original, newPackage)

	// 根属性最后替换，其值等于旧包名本身，不会被前缀规则命中
	loc = manifestTagRe.FindStringIndex(text)
	rootTag = text[loc[0]:loc[1]]
	rootTag = replaceAttrs(rootTag, func(name, value string) (string, bool) {
		if localName(name) == "package" && !strings.Contains(name, ":") {
			return newPackage, true
		}
		return value, false
	})
	result.Text = text[:loc[0]] + rootTag + text[loc[1]:]
	return result, nil
}

func (r *ManifestResult) rewriteLabel(text, displayName string) string {
	loc := applicationTagRe.FindStringIndex(text)
	if loc == nil {
		r.Warnings = append(r.Warnings, "no <application> element found, display name not applied")
		return text
	}
	escaped := escapeAttr(displayName)
	tag := text[loc[0]:loc[1]]
	replaced := false
	tag = replaceAttrs(tag, func(name, value string) (string, bool) {
		if replaced || localName(name) != "label" {
			return value, false
		}
		replaced = true
		return escaped, true
	})
	if replaced {
		r.LabelReplaced = true
	} else {
		tag = "<application" + ` android:label="` + escaped + `"` + tag[len("<application"):]
		r.LabelInjected = true
	}
	return text[:loc[0]] + tag + text[loc[1]:]
}

func (r *ManifestResult) rewriteReferences(text, original, newPackage string) string {
	prefix := original + "."
	return elementTagRe.ReplaceAllStringFunc(text, func(tag string) string {
		return replaceAttrs(tag, func(name, value string) (string, bool) {
			if localName(name) == "authorities" {
				if !strings.Contains(value, original) {
					return value, false
				}
				r.AuthoritiesRewritten++
				return strings.ReplaceAll(value, original, newPackage), true
			}
			if strings.HasPrefix(value, prefix) {
				r.QualifiedRewritten++
				return newPackage + "." + value[len(prefix):], true
			}
			return value, false
		})
	})
}

// replaceAttrs 对标签内每个属性调用 fn，仅替换返回 true 的属性值
func replaceAttrs(tag string, fn func(name, value string) (string, bool)) string {
	matches := attributeRe.FindAllStringSubmatchIndex(tag, -1)
	if len(matches) == 0 {
		return tag
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		valStart, valEnd := m[8], m[9]
		name := tag[m[4]:m[5]]
		value, ok := fn(name, tag[valStart:valEnd])
		if !ok {
			continue
		}
		b.WriteString(tag[last:valStart])
		b.WriteString(value)
		last = valEnd
	}
	b.WriteString(tag[last:])
	return b.String()
}

func findAttr(tag, want string) (string, bool) {
	for _, m := range attributeRe.FindAllStringSubmatch(tag, -1) {
		if !strings.Contains(m[2], ":") && strings.EqualFold(m[2], want) {
			return m[4], true
		}
	}
	return "", false
}

// localName 去掉命名空间前缀并转小写
func localName(name string) string {
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	return strings.ToLower(name)
}

func escapeAttr(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
