package apkinfo

import (
	"fmt"

	"github.com/shogo82148/androidbinary/apk"
)

// Info 从二进制清单读取的 APK 基本信息
type Info struct {
	Package      string `json:"package"`
	Label        string `json:"label,omitempty"`
	VersionName  string `json:"version_name,omitempty"`
	VersionCode  int32  `json:"version_code,omitempty"`
	MinSDK       int32  `json:"min_sdk,omitempty"`
	TargetSDK    int32  `json:"target_sdk,omitempty"`
	MainActivity string `json:"main_activity,omitempty"`
}

// Inspector APK 信息读取接口
type Inspector interface {
	Inspect(path string) (*Info, error)
}

// BinaryInspector 基于 androidbinary 解析 APK
type BinaryInspector struct{}

// NewBinaryInspector 创建解析器
func NewBinaryInspector() *BinaryInspector {
	return &BinaryInspector{}
}

// Inspect 读取包名、标签和版本信息，标签等可选字段解析失败时留空
func (BinaryInspector) Inspect(path string) (*Info, error) {
	pkg, err := apk.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open apk %s: %w", path, err)
	}
	defer pkg.Close()

	manifest := pkg.Manifest()
	info := &Info{
		Package: pkg.PackageName(),
	}
	if info.Package == "" {
		return nil, fmt.Errorf("apk %s has no package name", path)
	}

	if label, err := pkg.Label(nil); err == nil {
		info.Label = label
	}
	if v, err := manifest.VersionName.String(); err == nil {
		info.VersionName = v
	}
	if v, err := manifest.VersionCode.Int32(); err == nil {
		info.VersionCode = v
	}
	if v, err := manifest.SDK.Min.Int32(); err == nil {
		info.MinSDK = v
	}
	if v, err := manifest.SDK.Target.Int32(); err == nil {
		info.TargetSDK = v
	}
	if main, err := pkg.MainActivity(); err == nil {
		info.MainActivity = main
	}
	return info, nil
}
