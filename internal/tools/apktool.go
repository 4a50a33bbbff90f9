package tools

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Apktool apktool 解包/回包适配器
type Apktool struct {
	exe    Executable
	runner Runner
	logger *logrus.Logger
}

// NewApktool 创建 apktool 适配器
func NewApktool(exe Executable, runner Runner, logger *logrus.Logger) *Apktool {
	return &Apktool{exe: exe, runner: runner, logger: logger}
}

// Decode 解包 APK 到 outDir，包含 smali 源码
func (a *Apktool) Decode(ctx context.Context, apkPath, outDir string) error {
	a.logger.WithFields(logrus.Fields{
		"apk": apkPath,
		"out": outDir,
	}).Info("Decoding package")

	if _, err := a.runner.Run(ctx, a.exe.Command("d", "-f", "-o", outDir, apkPath)); err != nil {
		return fmt.Errorf("apktool decode: %w", err)
	}
	return nil
}

// Build 将解包目录重新打包为未签名 APK
func (a *Apktool) Build(ctx context.Context, dir, outAPK string) error {
	a.logger.WithFields(logrus.Fields{
		"dir": dir,
		"out": outAPK,
	}).Info("Rebuilding package")

	if _, err := a.runner.Run(ctx, a.exe.Command("b", "-f", "-o", outAPK, dir)); err != nil {
		return fmt.Errorf("apktool build: %w", err)
	}
	return nil
}
