package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCredentialDeclined 用户拒绝生成签名密钥库
var ErrCredentialDeclined = errors.New("keystore generation declined")

// ErrInputNotFound 输入 APK 不存在
var ErrInputNotFound = errors.New("input package not found")

// ErrJobNotFound 任务不存在
var ErrJobNotFound = errors.New("job not found")

// ErrInvalidJob 任务参数不合法
var ErrInvalidJob = errors.New("invalid job request")

// MissingIdentifierError 清单根元素缺少 package 属性
type MissingIdentifierError struct {
	ManifestPath string
}

func (e *MissingIdentifierError) Error() string {
	if e.ManifestPath == "" {
		return "manifest root has no package attribute"
	}
	return fmt.Sprintf("manifest root has no package attribute: %s", e.ManifestPath)
}

// ManifestNotFoundError 解包目录中找不到清单文件
type ManifestNotFoundError struct {
	Tree     string
	Searched []string
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("AndroidManifest.xml not found under %s (searched: %s)", e.Tree, strings.Join(e.Searched, ", "))
}

// SymbolRootNotFoundError 解包目录中没有 smali 根目录
type SymbolRootNotFoundError struct {
	Tree string
	// Diagnosis 可选的原因分析（例如检测到加固）
	Diagnosis string
}

func (e *SymbolRootNotFoundError) Error() string {
	msg := fmt.Sprintf("no smali root found under %s", e.Tree)
	if e.Diagnosis != "" {
		msg += ": " + e.Diagnosis
	}
	return msg
}

// ToolInvocationError 外部工具返回非零退出码
type ToolInvocationError struct {
	Tool        string
	ExitCode    int
	Diagnostics string
}

func (e *ToolInvocationError) Error() string {
	diag := strings.TrimSpace(e.Diagnostics)
	if diag == "" {
		return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, lastLines(diag, 5))
}

// ToolNotFoundError 外部工具无法解析
type ToolNotFoundError struct {
	Tool string
	Err  error
}

func (e *ToolNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %q not found: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("tool %q not found", e.Tool)
}

func (e *ToolNotFoundError) Unwrap() error { return e.Err }

// VerificationFailedError 签名校验失败
type VerificationFailedError struct {
	Path   string
	Reason string
	Err    error
}

func (e *VerificationFailedError) Error() string {
	msg := fmt.Sprintf("verification failed for %s", e.Path)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VerificationFailedError) Unwrap() error { return e.Err }

// FilesystemError 文件系统操作失败
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// NewFilesystemError 创建文件系统错误
func NewFilesystemError(op, path string, err error) *FilesystemError {
	return &FilesystemError{Op: op, Path: path, Err: err}
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
