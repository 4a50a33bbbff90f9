package protection

import (
	"archive/zip"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
)

// Finding 诊断结果
type Finding struct {
	Protected  bool     `json:"protected"`
	Scheme     string   `json:"scheme,omitempty"`
	Indicators []string `json:"indicators,omitempty"`
	DexCount   int      `json:"dex_count"`
}

// Summary 面向用户的诊断说明
func (f *Finding) Summary() string {
	switch {
	case f == nil:
		return ""
	case f.Protected:
		return fmt.Sprintf("package appears to be protected by %s (%s); its bytecode cannot be rewritten",
			f.Scheme, strings.Join(f.Indicators, ", "))
	case f.DexCount == 0:
		return "package contains no classes*.dex, nothing was disassembled"
	default:
		return "bytecode was not disassembled; the decoder may have been run without sources"
	}
}

// Detector 加固检测器，用于解释为什么解包后没有 smali
type Detector struct {
	schemes []Scheme
	logger  *logrus.Logger
}

// NewDetector 创建加固检测器
func NewDetector(logger *logrus.Logger) *Detector {
	return &Detector{
		schemes: builtinSchemes(),
		logger:  logger,
	}
}

// Diagnose 检查原始 APK 和解包后的清单
func (d *Detector) Diagnose(apkPath, manifestPath string) *Finding {
	finding := &Finding{}

	reader, err := zip.OpenReader(apkPath)
	if err != nil {
		d.logger.WithError(err).WithField("apk", apkPath).Debug("Cannot open package for diagnosis")
		return finding
	}
	defer reader.Close()

	var libs []string
	for _, f := range reader.File {
		name := f.Name
		if !strings.Contains(name, "/") && strings.HasPrefix(name, "classes") && strings.HasSuffix(name, ".dex") {
			finding.DexCount++
		}
		if strings.HasPrefix(name, "lib/") && strings.HasSuffix(name, ".so") {
			libs = append(libs, path.Base(name))
		}
	}

	var manifest string
	if manifestPath != "" {
		if data, err := os.ReadFile(manifestPath); err == nil {
			manifest = string(data)
		}
	}

	for _, s := range d.schemes {
		var indicators []string
		for _, want := range s.NativeLibs {
			for _, lib := range libs {
				if matchLib(want, lib) {
					indicators = append(indicators, "native_lib:"+lib)
				}
			}
		}
		for _, stub := range s.StubClasses {
			if manifest != "" && strings.Contains(manifest, `"`+stub+`"`) {
				indicators = append(indicators, "stub_application:"+stub)
			}
		}
		if len(indicators) > 0 {
			finding.Protected = true
			finding.Scheme = s.Name
			finding.Indicators = indicators
			d.logger.WithFields(logrus.Fields{
				"scheme":     s.Name,
				"indicators": indicators,
			}).Warn("Protected package detected")
			return finding
		}
	}
	return finding
}

// matchLib 库名匹配，忽略 -x.y.z 版本后缀
func matchLib(want, got string) bool {
	if want == got {
		return true
	}
	base := strings.TrimSuffix(got, ".so")
	if i := strings.Index(base, "-"); i > 0 {
		base = base[:i]
	}
	return base+".so" == want
}
