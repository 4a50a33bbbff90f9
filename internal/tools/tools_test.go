package tools

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-rename-go/internal/config"
	"github.com/apk-analysis/apk-rename-go/internal/domain"
)

// MockRunner 模拟进程执行器
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, cmd Command) (*Output, error) {
	args := m.Called(ctx, cmd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Output), args.Error(1)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testSigning() config.SigningConfig {
	return config.SigningConfig{
		Keystore:      "my-release-key.keystore",
		KeyAlias:      "myalias",
		StorePassword: "android",
		KeyPassword:   "android",
		KeyAlgorithm:  "RSA",
		KeySize:       2048,
		ValidityDays:  10000,
		DName:         "CN=Unknown",
		V1Enabled:     true,
		V2Enabled:     true,
		MinSDK:        16,
		MaxSDK:        33,
	}
}

// TestExecRunner_NonZeroExit 测试非零退出码映射为 ToolInvocationError
func TestExecRunner_NonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	r := NewExecRunner(quietLogger())

	out, err := r.Run(context.Background(), Command{Tool: "fake", Name: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}})
	require.Error(t, err)

	var inv *domain.ToolInvocationError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, "fake", inv.Tool)
	assert.Equal(t, 3, inv.ExitCode)
	assert.Contains(t, inv.Diagnostics, "boom")
	assert.Equal(t, "boom\n", out.Stderr)
}

// TestExecRunner_Success 测试正常执行并捕获输出
func TestExecRunner_Success(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	r := NewExecRunner(quietLogger())

	out, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo ok"}})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out.Stdout)
}

// TestExecRunner_NotFound 测试工具不存在
func TestExecRunner_NotFound(t *testing.T) {
	r := NewExecRunner(quietLogger())

	_, err := r.Run(context.Background(), Command{Tool: "zipalign", Name: "definitely-not-a-real-tool-xyz"})
	var notFound *domain.ToolNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "zipalign", notFound.Tool)
}

// TestRedact 测试密码隐藏
func TestRedact(t *testing.T) {
	got := redact([]string{"--ks-pass", "pass:android", "-storepass", "secret", "-alias", "a"})
	assert.Equal(t, []string{"--ks-pass", "pass:***", "-storepass", "***", "-alias", "a"}, got)
}

// TestResolveExecutable 测试 jar 与可执行文件选择
func TestResolveExecutable(t *testing.T) {
	jar := filepath.Join(t.TempDir(), "apktool.jar")
	require.NoError(t, os.WriteFile(jar, []byte("jar"), 0644))

	exe := ResolveExecutable("apktool", "java", config.ToolConfig{Path: "apktool", Jar: jar})
	assert.Equal(t, "java", exe.Name)
	assert.Equal(t, []string{"-jar", jar}, exe.Prefix)
	assert.Equal(t, []string{"-jar", jar, "d", "x.apk"}, exe.Command("d", "x.apk").Args)

	missing := ResolveExecutable("apktool", "java", config.ToolConfig{Path: "apktool", Jar: "missing.jar"})
	assert.Equal(t, "apktool", missing.Name)
	assert.Empty(t, missing.Prefix)

	fallback := ResolveExecutable("keytool", "java", config.ToolConfig{})
	assert.Equal(t, "keytool", fallback.Name)
}

// TestApktool_Commands 测试 apktool 参数
func TestApktool_Commands(t *testing.T) {
	runner := new(MockRunner)
	exe := Executable{Tool: "apktool", Name: "apktool"}
	a := NewApktool(exe, runner, quietLogger())

	runner.On("Run", mock.Anything, Command{Tool: "apktool", Name: "apktool", Args: []string{"d", "-f", "-o", "out", "in.apk"}}).
		Return(&Output{}, nil).Once()
	runner.On("Run", mock.Anything, Command{Tool: "apktool", Name: "apktool", Args: []string{"b", "-f", "-o", "u.apk", "out"}}).
		Return(nil, &domain.ToolInvocationError{Tool: "apktool", ExitCode: 1}).Once()

	require.NoError(t, a.Decode(context.Background(), "in.apk", "out"))

	err := a.Build(context.Background(), "out", "u.apk")
	var inv *domain.ToolInvocationError
	assert.True(t, errors.As(err, &inv))
	runner.AssertExpectations(t)
}

// TestZipalign_CopyVerbatim 测试降级复制字节一致
func TestZipalign_CopyVerbatim(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.apk")
	out := filepath.Join(dir, "sub", "out.apk")
	payload := []byte("PK\x03\x04 not really a zip")
	require.NoError(t, os.WriteFile(in, payload, 0644))

	z := NewZipalign(Executable{Tool: "zipalign", Name: "zipalign"}, new(MockRunner), quietLogger())
	require.NoError(t, z.CopyVerbatim(in, out))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// TestZipalign_AlignArgs 测试 zipalign 参数并删除旧输出
func TestZipalign_AlignArgs(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "aligned.apk")
	require.NoError(t, os.WriteFile(out, []byte("stale"), 0644))

	runner := new(MockRunner)
	runner.On("Run", mock.Anything, Command{Tool: "zipalign", Name: "zipalign", Args: []string{"-f", "-v", "4", "in.apk", out}}).
		Return(&Output{}, nil)

	z := NewZipalign(Executable{Tool: "zipalign", Name: "zipalign"}, runner, quietLogger())
	require.NoError(t, z.Align(context.Background(), "in.apk", out))
	assert.NoFileExists(t, out)
	runner.AssertExpectations(t)
}

// TestApksigner_SignArgs 测试签名参数
func TestApksigner_SignArgs(t *testing.T) {
	runner := new(MockRunner)
	expected := []string{
		"-jar", "apksigner.jar", "sign",
		"--v1-signing-enabled", "true",
		"--v2-signing-enabled", "true",
		"--v3-signing-enabled", "false",
		"--min-sdk-version", "16",
		"--max-sdk-version", "33",
		"--ks", "my-release-key.keystore",
		"--ks-key-alias", "myalias",
		"--ks-pass", "pass:android",
		"--key-pass", "pass:android",
		"--out", "signed.apk",
		"aligned.apk",
	}
	runner.On("Run", mock.Anything, mock.MatchedBy(func(c Command) bool {
		return assert.ObjectsAreEqual(expected, c.Args) && c.Name == "java"
	})).Return(&Output{}, nil)

	exe := Executable{Tool: "apksigner", Name: "java", Prefix: []string{"-jar", "apksigner.jar"}}
	s := NewApksigner(exe, runner, testSigning(), quietLogger())
	require.NoError(t, s.Sign(context.Background(), "aligned.apk", "signed.apk"))
	runner.AssertExpectations(t)
}

// TestApksigner_VerifyFailure 测试校验失败映射为 VerificationFailedError
func TestApksigner_VerifyFailure(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything, mock.Anything).
		Return(&Output{}, &domain.ToolInvocationError{Tool: "apksigner", ExitCode: 1, Diagnostics: "DOES NOT VERIFY\nERROR: no signatures"})

	s := NewApksigner(Executable{Tool: "apksigner", Name: "apksigner"}, runner, testSigning(), quietLogger())
	_, err := s.Verify(context.Background(), "signed.apk")

	var vf *domain.VerificationFailedError
	require.True(t, errors.As(err, &vf))
	assert.Equal(t, "ERROR: no signatures", vf.Reason)
}

// TestApksigner_VerifyToolMissing 测试工具缺失不视为校验失败
func TestApksigner_VerifyToolMissing(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything, mock.Anything).Return(nil, &domain.ToolNotFoundError{Tool: "apksigner"})

	s := NewApksigner(Executable{Tool: "apksigner", Name: "apksigner"}, runner, testSigning(), quietLogger())
	_, err := s.Verify(context.Background(), "signed.apk")

	var notFound *domain.ToolNotFoundError
	assert.True(t, errors.As(err, &notFound))
}

// TestParseVerifyOutput 测试解析校验输出
func TestParseVerifyOutput(t *testing.T) {
	text := `Verifies
Verified using v1 scheme (JAR signing): true
Verified using v2 scheme (APK Signature Scheme v2): true
Verified using v3 scheme (APK Signature Scheme v3): false
Number of signers: 1
Signer #1 certificate DN: CN=Unknown, OU=Unknown, O=Unknown, L=Unknown, ST=Unknown, C=Unknown
Signer #1 certificate SHA-256 digest: 0a1b2c
Signer #1 certificate SHA-1 digest: ffee
WARNING: META-INF/com/android/build/gradle/app-metadata.properties not protected by signature.
`
	report := ParseVerifyOutput(text)
	assert.True(t, report.Schemes["v1"])
	assert.True(t, report.Schemes["v2"])
	assert.False(t, report.Schemes["v3"])
	require.Len(t, report.Certificates, 1)
	assert.Equal(t, "0a1b2c", report.Certificates[0].SHA256)
	assert.Equal(t, "ffee", report.Certificates[0].SHA1)
	assert.Contains(t, report.Certificates[0].DN, "CN=Unknown")
	assert.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Summary(), "sha256 0a1b2c")
}

// TestKeytool_GenerateArgs 测试密钥库生成参数
func TestKeytool_GenerateArgs(t *testing.T) {
	runner := new(MockRunner)
	signing := testSigning()
	signing.Keystore = filepath.Join(t.TempDir(), "keys", "release.keystore")
	runner.On("Run", mock.Anything, mock.MatchedBy(func(c Command) bool {
		return c.Name == "keytool" && c.Args[0] == "-genkeypair" &&
			assert.ObjectsAreEqual([]string{"-keystore", signing.Keystore}, c.Args[2:4])
	})).Return(&Output{}, nil)

	k := NewKeytool(Executable{Tool: "keytool", Name: "keytool"}, runner, signing, quietLogger())
	require.NoError(t, k.Generate(context.Background()))
	assert.DirExists(t, filepath.Dir(signing.Keystore))
	runner.AssertExpectations(t)
}

// TestCheckAvailable 测试工具可用性检查
func TestCheckAvailable(t *testing.T) {
	result := CheckAvailable(Executable{Tool: "ghost", Name: "definitely-not-a-real-tool-xyz"})
	require.Len(t, result, 1)
	assert.False(t, result[0].Available)
	assert.NotEmpty(t, result[0].Error)
}
