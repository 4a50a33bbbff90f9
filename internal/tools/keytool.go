package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rename-go/internal/config"
	"github.com/apk-analysis/apk-rename-go/internal/domain"
)

// Keytool 密钥库生成适配器
type Keytool struct {
	exe     Executable
	runner  Runner
	signing config.SigningConfig
	logger  *logrus.Logger
}

// NewKeytool 创建 keytool 适配器
func NewKeytool(exe Executable, runner Runner, signing config.SigningConfig, logger *logrus.Logger) *Keytool {
	return &Keytool{exe: exe, runner: runner, signing: signing, logger: logger}
}

// Generate 按配置生成自签名密钥库
func (k *Keytool) Generate(ctx context.Context) error {
	ks := k.signing.Keystore
	if dir := filepath.Dir(ks); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return domain.NewFilesystemError("mkdir", dir, err)
		}
	}

	k.logger.WithFields(logrus.Fields{
		"keystore": ks,
		"alias":    k.signing.KeyAlias,
		"keysize":  k.signing.KeySize,
		"validity": k.signing.ValidityDays,
	}).Info("Generating keystore")

	_, err := k.runner.Run(ctx, k.exe.Command(
		"-genkeypair", "-v",
		"-keystore", ks,
		"-alias", k.signing.KeyAlias,
		"-keyalg", k.signing.KeyAlgorithm,
		"-keysize", strconv.Itoa(k.signing.KeySize),
		"-validity", strconv.Itoa(k.signing.ValidityDays),
		"-storepass", k.signing.StorePassword,
		"-keypass", k.signing.KeyPassword,
		"-dname", k.signing.DName,
	))
	if err != nil {
		return fmt.Errorf("keytool generate: %w", err)
	}
	return nil
}
