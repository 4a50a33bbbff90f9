package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rename-go/internal/config"
	"github.com/apk-analysis/apk-rename-go/internal/domain"
)

var (
	schemeLineRe = regexp.MustCompile(`^Verified using (v[\d.]+) scheme.*:\s*(true|false)$`)
	signerLineRe = regexp.MustCompile(`^Signer #(\d+) certificate (DN|SHA-256 digest|SHA-1 digest):\s*(.+)$`)
)

// Certificate 签名证书摘要
type Certificate struct {
	DN     string `json:"dn"`
	SHA256 string `json:"sha256"`
	SHA1   string `json:"sha1,omitempty"`
}

// VerifyReport apksigner verify 的解析结果
type VerifyReport struct {
	Schemes      map[string]bool `json:"schemes"`
	Certificates []Certificate   `json:"certificates"`
	Warnings     []string        `json:"warnings,omitempty"`
}

// Summary 证书摘要（多个签名者用分号分隔）
func (r *VerifyReport) Summary() string {
	if r == nil {
		return ""
	}
	parts := make([]string, 0, len(r.Certificates))
	for _, c := range r.Certificates {
		parts = append(parts, fmt.Sprintf("%s (sha256 %s)", c.DN, c.SHA256))
	}
	return strings.Join(parts, "; ")
}

// Apksigner apksigner 签名/校验适配器
type Apksigner struct {
	exe     Executable
	runner  Runner
	signing config.SigningConfig
	logger  *logrus.Logger
}

// NewApksigner 创建 apksigner 适配器
func NewApksigner(exe Executable, runner Runner, signing config.SigningConfig, logger *logrus.Logger) *Apksigner {
	return &Apksigner{exe: exe, runner: runner, signing: signing, logger: logger}
}

// Sign 使用配置的密钥库签名
func (s *Apksigner) Sign(ctx context.Context, in, out string) error {
	if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
		return domain.NewFilesystemError("remove", out, err)
	}

	args := []string{
		"sign",
		"--v1-signing-enabled", strconv.FormatBool(s.signing.V1Enabled),
		"--v2-signing-enabled", strconv.FormatBool(s.signing.V2Enabled),
		"--v3-signing-enabled", strconv.FormatBool(s.signing.V3Enabled),
	}
	if s.signing.MinSDK > 0 {
		args = append(args, "--min-sdk-version", strconv.Itoa(s.signing.MinSDK))
	}
	if s.signing.MaxSDK > 0 {
		args = append(args, "--max-sdk-version", strconv.Itoa(s.signing.MaxSDK))
	}
	args = append(args,
		"--ks", s.signing.Keystore,
		"--ks-key-alias", s.signing.KeyAlias,
		"--ks-pass", "pass:"+s.signing.StorePassword,
		"--key-pass", "pass:"+s.signing.KeyPassword,
		"--out", out,
		in,
	)

	s.logger.WithFields(logrus.Fields{
		"keystore": s.signing.Keystore,
		"alias":    s.signing.KeyAlias,
	}).Info("Signing package")

	if _, err := s.runner.Run(ctx, s.exe.Command(args...)); err != nil {
		return fmt.Errorf("apksigner sign: %w", err)
	}
	return nil
}

// Verify 校验签名并输出证书信息，失败一律返回 VerificationFailedError
func (s *Apksigner) Verify(ctx context.Context, apkPath string) (*VerifyReport, error) {
	s.logger.WithField("apk", apkPath).Info("Verifying signature")

	out, err := s.runner.Run(ctx, s.exe.Command("verify", "--verbose", "--print-certs", apkPath))
	if err != nil {
		var notFound *domain.ToolNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		var inv *domain.ToolInvocationError
		reason := ""
		if errors.As(err, &inv) {
			reason = lastLine(inv.Diagnostics)
		}
		return nil, &domain.VerificationFailedError{Path: apkPath, Reason: reason, Err: err}
	}

	report := ParseVerifyOutput(out.Stdout + "\n" + out.Stderr)
	for _, w := range report.Warnings {
		s.logger.WithField("apk", apkPath).Debug(w)
	}
	return report, nil
}

// ParseVerifyOutput 解析 apksigner verify --verbose --print-certs 输出
func ParseVerifyOutput(text string) *VerifyReport {
	report := &VerifyReport{Schemes: map[string]bool{}}
	certs := map[int]*Certificate{}
	order := []int{}

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "WARNING:") {
			report.Warnings = append(report.Warnings, line)
			continue
		}
		if m := schemeLineRe.FindStringSubmatch(line); m != nil {
			report.Schemes[m[1]] = m[2] == "true"
			continue
		}
		if m := signerLineRe.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[1])
			c, ok := certs[n]
			if !ok {
				c = &Certificate{}
				certs[n] = c
				order = append(order, n)
			}
			switch m[2] {
			case "DN":
				c.DN = m[3]
			case "SHA-256 digest":
				c.SHA256 = m[3]
			case "SHA-1 digest":
				c.SHA1 = m[3]
			}
		}
	}
	for _, n := range order {
		report.Certificates = append(report.Certificates, *certs[n])
	}
	return report
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
