package tools

import (
	"os"
	"os/exec"

	"github.com/apk-analysis/apk-rename-go/internal/config"
)

// Executable 已解析的工具入口：可执行文件 + 固定前缀参数
type Executable struct {
	Tool   string
	Name   string
	Prefix []string
}

// ResolveExecutable jar 文件存在时通过 java -jar 调用，否则直接使用可执行文件
func ResolveExecutable(tool, java string, tc config.ToolConfig) Executable {
	if tc.Jar != "" {
		if info, err := os.Stat(tc.Jar); err == nil && !info.IsDir() {
			return Executable{Tool: tool, Name: java, Prefix: []string{"-jar", tc.Jar}}
		}
	}
	name := tc.Path
	if name == "" {
		name = tool
	}
	return Executable{Tool: tool, Name: name}
}

// Command 构造调用命令
func (e Executable) Command(args ...string) Command {
	full := make([]string, 0, len(e.Prefix)+len(args))
	full = append(full, e.Prefix...)
	full = append(full, args...)
	return Command{Tool: e.Tool, Name: e.Name, Args: full}
}

// String 命令行描述
func (e Executable) String() string {
	s := e.Name
	for _, p := range e.Prefix {
		s += " " + p
	}
	return s
}

// Availability 工具可用性
type Availability struct {
	Tool      string `json:"tool"`
	Command   string `json:"command"`
	Resolved  string `json:"resolved,omitempty"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// CheckAvailable 检查各工具能否解析
func CheckAvailable(exes ...Executable) []Availability {
	result := make([]Availability, 0, len(exes))
	for _, e := range exes {
		a := Availability{Tool: e.Tool, Command: e.String()}
		path, err := exec.LookPath(e.Name)
		if err != nil {
			a.Error = err.Error()
		} else {
			a.Resolved = path
			a.Available = true
		}
		result = append(result, a)
	}
	return result
}

// Executables 根据配置解析所有工具
func Executables(cfg *config.ToolsConfig) (apktool, zipalign, apksigner, keytool Executable) {
	apktool = ResolveExecutable("apktool", cfg.Java, cfg.Apktool)
	zipalign = ResolveExecutable("zipalign", cfg.Java, cfg.Zipalign)
	apksigner = ResolveExecutable("apksigner", cfg.Java, cfg.Apksigner)
	keytool = ResolveExecutable("keytool", cfg.Java, cfg.Keytool)
	return
}
