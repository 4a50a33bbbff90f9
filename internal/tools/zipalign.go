package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rename-go/internal/domain"
)

// Zipalign zipalign 对齐适配器
type Zipalign struct {
	exe    Executable
	runner Runner
	logger *logrus.Logger
}

// NewZipalign 创建 zipalign 适配器
func NewZipalign(exe Executable, runner Runner, logger *logrus.Logger) *Zipalign {
	return &Zipalign{exe: exe, runner: runner, logger: logger}
}

// Align 4 字节对齐
func (z *Zipalign) Align(ctx context.Context, in, out string) error {
	if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
		return domain.NewFilesystemError("remove", out, err)
	}

	z.logger.WithField("in", in).Info("Aligning package")
	if _, err := z.runner.Run(ctx, z.exe.Command("-f", "-v", "4", in, out)); err != nil {
		return fmt.Errorf("zipalign: %w", err)
	}
	return nil
}

// CopyVerbatim 对齐失败时的降级：原样复制
func (z *Zipalign) CopyVerbatim(in, out string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return domain.NewFilesystemError("mkdir", filepath.Dir(out), err)
	}
	if err := copy.Copy(in, out, copy.Options{Sync: true}); err != nil {
		return domain.NewFilesystemError("copy", in, err)
	}
	return nil
}
