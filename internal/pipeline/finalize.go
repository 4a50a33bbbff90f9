package pipeline

import (
	"os"
	"path/filepath"

	"github.com/otiai10/copy"

	"github.com/apk-analysis/apk-rename-go/internal/domain"
)

// Finalize 将签名产物移动到输出路径，返回输出的绝对路径
// 先移到输出目录中的临时文件再重命名，输出路径不会出现写了一半的文件
func Finalize(signed, output string) (string, error) {
	abs, err := filepath.Abs(output)
	if err != nil {
		return "", domain.NewFilesystemError("resolve", output, err)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", domain.NewFilesystemError("mkdir", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".apkrename-*.tmp")
	if err != nil {
		return "", domain.NewFilesystemError("create temp", dir, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	moved := true
	if err := os.Rename(signed, tmpPath); err != nil {
		// 跨设备时退回复制
		moved = false
		if err := copy.Copy(signed, tmpPath, copy.Options{Sync: true}); err != nil {
			os.Remove(tmpPath)
			return "", domain.NewFilesystemError("copy", signed, err)
		}
	}

	if err := os.Rename(tmpPath, abs); err != nil {
		if moved {
			// 放回原处，保留恢复线索
			_ = os.Rename(tmpPath, signed)
		} else {
			os.Remove(tmpPath)
		}
		return "", domain.NewFilesystemError("move", abs, err)
	}

	if !moved {
		os.Remove(signed)
	}
	return abs, nil
}
