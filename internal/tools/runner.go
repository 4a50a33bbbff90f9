package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rename-go/internal/domain"
)

// Command 一次外部工具调用
type Command struct {
	Tool string // 逻辑名称（apktool、zipalign...），用于错误和日志
	Name string // 可执行文件
	Args []string
	Dir  string
}

// Output 工具输出
type Output struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Combined 合并后的输出
func (o *Output) Combined() string {
	if o == nil {
		return ""
	}
	return strings.TrimSpace(o.Stdout + "\n" + o.Stderr)
}

// Runner 外部进程执行器
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Output, error)
}

// ExecRunner 基于 os/exec 的执行器
type ExecRunner struct {
	logger   *logrus.Logger
	lookPath func(string) (string, error)
}

// NewExecRunner 创建进程执行器
func NewExecRunner(logger *logrus.Logger) *ExecRunner {
	return &ExecRunner{
		logger:   logger,
		lookPath: exec.LookPath,
	}
}

// Run 执行命令并等待退出，不设置额外超时
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Output, error) {
	path, err := r.lookPath(c.Name)
	if err != nil {
		return nil, &domain.ToolNotFoundError{Tool: toolName(c), Err: err}
	}

	r.logger.WithFields(logrus.Fields{
		"tool": toolName(c),
		"cmd":  path + " " + strings.Join(redact(c.Args), " "),
	}).Debug("Running external tool")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	out := &Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr == nil {
		r.logger.WithFields(logrus.Fields{
			"tool":     toolName(c),
			"duration": out.Duration.String(),
		}).Debug("External tool finished")
		return out, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		r.logger.WithFields(logrus.Fields{
			"tool":      toolName(c),
			"exit_code": exitErr.ExitCode(),
		}).Debug(out.Combined())
		return out, &domain.ToolInvocationError{
			Tool:        toolName(c),
			ExitCode:    exitErr.ExitCode(),
			Diagnostics: out.Combined(),
		}
	}

	return out, &domain.ToolInvocationError{
		Tool:        toolName(c),
		ExitCode:    -1,
		Diagnostics: runErr.Error(),
	}
}

func toolName(c Command) string {
	if c.Tool != "" {
		return c.Tool
	}
	return c.Name
}

// redact 隐藏命令行中的密码
func redact(args []string) []string {
	out := make([]string, len(args))
	hideNext := false
	for i, a := range args {
		switch {
		case hideNext:
			out[i] = "***"
			hideNext = false
		case a == "-storepass" || a == "-keypass":
			out[i] = a
			hideNext = true
		case strings.HasPrefix(a, "pass:"):
			out[i] = "pass:***"
		default:
			out[i] = a
		}
	}
	return out
}
