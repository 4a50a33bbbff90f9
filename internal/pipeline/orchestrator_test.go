package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-rename-go/internal/apkinfo"
	"github.com/apk-analysis/apk-rename-go/internal/domain"
	"github.com/apk-analysis/apk-rename-go/internal/protection"
	"github.com/apk-analysis/apk-rename-go/internal/tools"
)

const testManifest = `<?xml version="1.0" encoding="utf-8" standalone="no"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.example.app">
    <application android:label="@string/app_name" android:name="com.example.app.App">
        <activity android:name="com.example.app.MainActivity"/>
        <provider android:authorities="com.example.app.provider,com.other.thing"/>
    </application>
</manifest>
`

const testSmali = `.class public Lcom/example/app/MainActivity;
.super Landroid/app/Activity;
.field private app:Lcom/example/app/App;
`

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeDecoder struct {
	manifest string
	noSmali  bool
	calls    int
}

func (f *fakeDecoder) Decode(ctx context.Context, apkPath, outDir string) error {
	f.calls++
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, "AndroidManifest.xml"), []byte(f.manifest), 0644); err != nil {
		return err
	}
	if f.noSmali {
		return nil
	}
	dir := filepath.Join(outDir, "smali", "com", "example", "app")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "MainActivity.smali"), []byte(testSmali), 0644)
}

type fakeEncoder struct {
	calls int
}

func (f *fakeEncoder) Build(ctx context.Context, dir, outAPK string) error {
	f.calls++
	return os.WriteFile(outAPK, []byte("UNSIGNED-PACKAGE"), 0644)
}

type fakeAligner struct {
	err error
}

func (f *fakeAligner) Align(ctx context.Context, in, out string) error {
	if f.err != nil {
		return f.err
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, append(data, []byte("|aligned")...), 0644)
}

func (f *fakeAligner) CopyVerbatim(in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0644)
}

type fakeSigner struct {
	signedInput []byte
}

func (f *fakeSigner) Sign(ctx context.Context, in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	f.signedInput = data
	return os.WriteFile(out, append(data, []byte("|signed")...), 0644)
}

type fakeVerifier struct {
	err error
}

func (f *fakeVerifier) Verify(ctx context.Context, apkPath string) (*tools.VerifyReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &tools.VerifyReport{
		Schemes:      map[string]bool{"v1": true, "v2": true},
		Certificates: []tools.Certificate{{DN: "CN=Unknown", SHA256: "abc"}},
	}, nil
}

type fakeKeyGen struct {
	path  string
	calls int
}

func (f *fakeKeyGen) Generate(ctx context.Context) error {
	f.calls++
	return os.WriteFile(f.path, []byte("keystore"), 0600)
}

type fakeConfirmer struct {
	answer bool
	asked  []string
}

func (f *fakeConfirmer) Confirm(ctx context.Context, question string, defaultYes bool) (bool, error) {
	f.asked = append(f.asked, question)
	return f.answer, nil
}

type fakeInspector struct {
	pkg string
	err error
}

func (f *fakeInspector) Inspect(path string) (*apkinfo.Info, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &apkinfo.Info{Package: f.pkg}, nil
}

type fakeDiagnoser struct{}

func (fakeDiagnoser) Diagnose(apkPath, manifestPath string) *protection.Finding {
	return &protection.Finding{Protected: true, Scheme: "360 Jiagu", Indicators: []string{"native_lib:libjiagu.so"}}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) has(state State, phase Phase) bool {
	for _, e := range r.events {
		if e.State == state && e.Phase == phase {
			return true
		}
	}
	return false
}

type harness struct {
	dir       string
	decoder   *fakeDecoder
	encoder   *fakeEncoder
	aligner   *fakeAligner
	signer    *fakeSigner
	verifier  *fakeVerifier
	keygen    *fakeKeyGen
	confirmer *fakeConfirmer
	inspector *fakeInspector
	request   Request
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	input := filepath.Join(dir, "app-release.apk")
	require.NoError(t, os.WriteFile(input, []byte("ORIGINAL"), 0644))
	keystore := filepath.Join(dir, "my-release-key.keystore")
	require.NoError(t, os.WriteFile(keystore, []byte("keystore"), 0600))

	return &harness{
		dir:       dir,
		decoder:   &fakeDecoder{manifest: testManifest},
		encoder:   &fakeEncoder{},
		aligner:   &fakeAligner{},
		signer:    &fakeSigner{},
		verifier:  &fakeVerifier{},
		keygen:    &fakeKeyGen{path: keystore},
		confirmer: &fakeConfirmer{answer: true},
		inspector: &fakeInspector{pkg: "com.example.toollist"},
		request: Request{
			ID:          "run-1",
			InputPath:   input,
			OutputPath:  filepath.Join(dir, "out", "Toollist.apk"),
			DisplayName: "Toollist",
			WorkDir:     filepath.Join(dir, "work"),
		},
	}
}

func (h *harness) orchestrator() *Orchestrator {
	return NewOrchestrator(Dependencies{
		Decoder:   h.decoder,
		Encoder:   h.encoder,
		Aligner:   h.aligner,
		Signer:    h.signer,
		Verifier:  h.verifier,
		KeyGen:    h.keygen,
		Confirmer: h.confirmer,
		Inspector: h.inspector,
		Diagnoser: fakeDiagnoser{},
		Keystore:  h.keygen.path,
	}, quietLogger())
}

// TestRun_EndToEnd 测试完整流程
func TestRun_EndToEnd(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}

	result, err := h.orchestrator().Run(context.Background(), h.request, rec)
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, "com.example.app", result.Identity.OriginalPackage)
	assert.Equal(t, "com.example.toollist", result.Identity.NewPackage)
	assert.False(t, result.AlignmentDegraded)
	assert.True(t, filepath.IsAbs(result.OutputPath))
	assert.Equal(t, "UNSIGNED-PACKAGE|aligned|signed", readString(t, result.OutputPath))
	assert.NoFileExists(t, result.Artifacts.Signed)

	moved := filepath.Join(result.Artifacts.Decoded, "smali", "com", "example", "toollist", "MainActivity.smali")
	require.FileExists(t, moved)
	assert.NotContains(t, readString(t, moved), "com/example/app")
	assert.NoDirExists(t, filepath.Join(result.Artifacts.Decoded, "smali", "com", "example", "app"))

	manifest := readString(t, filepath.Join(result.Artifacts.Decoded, "AndroidManifest.xml"))
	assert.Contains(t, manifest, `package="com.example.toollist"`)
	assert.Contains(t, manifest, `android:label="Toollist"`)
	assert.Contains(t, manifest, `android:authorities="com.example.toollist.provider,com.other.thing"`)

	for _, st := range Stages {
		assert.True(t, rec.has(st, PhaseStarted), st)
		assert.True(t, rec.has(st, PhaseCompleted), st)
	}
	assert.True(t, rec.has(StateDone, PhaseCompleted))
	assert.Equal(t, "run-1", rec.events[0].RunID)
	assert.Empty(t, h.confirmer.asked)
	require.NotNil(t, result.Verification)
	assert.Len(t, result.Verification.Certificates, 1)
}

// TestRun_AlignmentDegrades 测试对齐工具缺失时降级为原样复制并继续签名
func TestRun_AlignmentDegrades(t *testing.T) {
	h := newHarness(t)
	h.aligner.err = &domain.ToolNotFoundError{Tool: "zipalign"}
	rec := &recorder{}

	result, err := h.orchestrator().Run(context.Background(), h.request, rec)
	require.NoError(t, err)

	assert.True(t, result.AlignmentDegraded)
	assert.Equal(t, []byte("UNSIGNED-PACKAGE"), h.signer.signedInput)
	assert.True(t, rec.has(StateAligning, PhaseDegraded))
	for _, e := range rec.events {
		if e.Phase == PhaseDegraded {
			assert.Contains(t, e.Message, "zipalign")
		}
	}
	assert.NotEmpty(t, result.Warnings)
	assert.FileExists(t, result.OutputPath)
}

// TestRun_AbortPolicyOnAlignment 测试对齐阶段配置为中止时失败
func TestRun_AbortPolicyOnAlignment(t *testing.T) {
	h := newHarness(t)
	h.aligner.err = &domain.ToolInvocationError{Tool: "zipalign", ExitCode: 1}
	o := h.orchestrator()
	o.policies = map[State]Policy{}

	_, err := o.Run(context.Background(), h.request)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StateAligning, stageErr.Stage)
}

// TestRun_VerificationFailure 测试签名校验失败时不产生输出
func TestRun_VerificationFailure(t *testing.T) {
	h := newHarness(t)
	h.verifier.err = &domain.VerificationFailedError{Path: "x", Reason: "DOES NOT VERIFY"}
	rec := &recorder{}

	result, err := h.orchestrator().Run(context.Background(), h.request, rec)
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StateVerifying, stageErr.Stage)
	var vf *domain.VerificationFailedError
	assert.True(t, errors.As(err, &vf))

	assert.NoFileExists(t, h.request.OutputPath)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, StateVerifying, result.FailedStage)
	assert.Equal(t, result.Artifacts.Signed, result.RecoveryHint)
	assert.True(t, rec.has(StateFailed, PhaseFailed))
}

// TestRun_PackageMismatch 测试签名包包名与预期不一致
func TestRun_PackageMismatch(t *testing.T) {
	h := newHarness(t)
	h.inspector.pkg = "com.example.app"

	_, err := h.orchestrator().Run(context.Background(), h.request)
	var vf *domain.VerificationFailedError
	require.True(t, errors.As(err, &vf))
	assert.Contains(t, vf.Reason, "com.example.toollist")
	assert.NoFileExists(t, h.request.OutputPath)
}

// TestRun_InspectorErrorOnlyWarns 测试无法解析签名包时只告警
func TestRun_InspectorErrorOnlyWarns(t *testing.T) {
	h := newHarness(t)
	h.inspector.err = errors.New("not a binary manifest")

	result, err := h.orchestrator().Run(context.Background(), h.request)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Warnings)
}

// TestRun_MissingPackage 测试清单缺少 package 时不写入任何改动
func TestRun_MissingPackage(t *testing.T) {
	h := newHarness(t)
	h.decoder.manifest = `<manifest xmlns:android="http://schemas.android.com/apk/res/android"><application android:label="Old"/></manifest>`

	result, err := h.orchestrator().Run(context.Background(), h.request)
	var missing *domain.MissingIdentifierError
	require.True(t, errors.As(err, &missing))
	assert.NotEmpty(t, missing.ManifestPath)

	assert.Equal(t, StateRewriting, result.FailedStage)
	assert.Equal(t, h.decoder.manifest, readString(t, filepath.Join(result.Artifacts.Decoded, "AndroidManifest.xml")))
	assert.FileExists(t, filepath.Join(result.Artifacts.Decoded, "smali", "com", "example", "app", "MainActivity.smali"))
	assert.Equal(t, 0, h.encoder.calls)
	assert.Empty(t, result.RecoveryHint)
}

// TestRun_NoSymbolRoots 测试缺少 smali 目录时失败并附带诊断
func TestRun_NoSymbolRoots(t *testing.T) {
	h := newHarness(t)
	h.decoder.noSmali = true

	result, err := h.orchestrator().Run(context.Background(), h.request)
	var noRoots *domain.SymbolRootNotFoundError
	require.True(t, errors.As(err, &noRoots))
	assert.Contains(t, noRoots.Diagnosis, "360 Jiagu")
	assert.Contains(t, readString(t, filepath.Join(result.Artifacts.Decoded, "AndroidManifest.xml")), `package="com.example.app"`)
	assert.Equal(t, 0, h.encoder.calls)
}

// TestRun_UnchangedPackageSkipsSymbols 测试包名不变时不要求 smali 目录
func TestRun_UnchangedPackageSkipsSymbols(t *testing.T) {
	h := newHarness(t)
	h.decoder.noSmali = true
	h.request.NewPackage = "com.example.app"
	h.inspector.pkg = "com.example.app"

	result, err := h.orchestrator().Run(context.Background(), h.request)
	require.NoError(t, err)
	assert.False(t, result.Identity.Changed())
}

// TestRun_ExplicitPackage 测试显式指定新包名
func TestRun_ExplicitPackage(t *testing.T) {
	h := newHarness(t)
	h.request.NewPackage = "org.acme.tools"
	h.inspector.pkg = "org.acme.tools"

	result, err := h.orchestrator().Run(context.Background(), h.request)
	require.NoError(t, err)
	assert.Equal(t, "org.acme.tools", result.Identity.NewPackage)
	assert.FileExists(t, filepath.Join(result.Artifacts.Decoded, "smali", "org", "acme", "tools", "MainActivity.smali"))
}

// TestRun_InvalidExplicitPackage 测试非法的显式包名
func TestRun_InvalidExplicitPackage(t *testing.T) {
	h := newHarness(t)
	h.request.NewPackage = "org..tools"

	result, err := h.orchestrator().Run(context.Background(), h.request)
	require.Error(t, err)
	assert.Equal(t, StateIdle, result.FailedStage)
	assert.Equal(t, 0, h.decoder.calls)
}

// TestRun_InputMissing 测试输入不存在
func TestRun_InputMissing(t *testing.T) {
	h := newHarness(t)
	h.request.InputPath = filepath.Join(h.dir, "missing.apk")

	_, err := h.orchestrator().Run(context.Background(), h.request)
	assert.ErrorIs(t, err, domain.ErrInputNotFound)
	assert.Equal(t, 0, h.decoder.calls)
}

// TestRun_GeneratesKeystore 测试密钥库缺失时确认后生成
func TestRun_GeneratesKeystore(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Remove(h.keygen.path))

	_, err := h.orchestrator().Run(context.Background(), h.request)
	require.NoError(t, err)
	assert.Equal(t, 1, h.keygen.calls)
	assert.Len(t, h.confirmer.asked, 1)
}

// TestRun_KeystoreDeclined 测试拒绝生成密钥库
func TestRun_KeystoreDeclined(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Remove(h.keygen.path))
	h.confirmer.answer = false

	_, err := h.orchestrator().Run(context.Background(), h.request)
	assert.ErrorIs(t, err, domain.ErrCredentialDeclined)
	assert.Equal(t, 0, h.keygen.calls)
	assert.Equal(t, 0, h.decoder.calls)
}

// TestRun_StaleDecodedTreeRemoved 测试旧的解包目录会被清除
func TestRun_StaleDecodedTreeRemoved(t *testing.T) {
	h := newHarness(t)
	stale := filepath.Join(h.request.WorkDir, "decoded", "smali_classes9", "Stale.smali")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte("Lcom/example/app/Stale;"), 0644))

	_, err := h.orchestrator().Run(context.Background(), h.request)
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
}

// TestRun_OverwritesExistingOutput 测试覆盖已有输出
func TestRun_OverwritesExistingOutput(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(h.request.OutputPath), 0755))
	require.NoError(t, os.WriteFile(h.request.OutputPath, []byte("old build"), 0644))

	result, err := h.orchestrator().Run(context.Background(), h.request)
	require.NoError(t, err)
	assert.Equal(t, "UNSIGNED-PACKAGE|aligned|signed", readString(t, result.OutputPath))
}

// TestRun_ContextCanceled 测试取消
func TestRun_ContextCanceled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orchestrator().Run(ctx, h.request)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.decoder.calls)
}

// TestCleanup 测试清理确认
func TestCleanup(t *testing.T) {
	h := newHarness(t)
	work := filepath.Join(h.dir, "work")
	require.NoError(t, os.MkdirAll(work, 0755))

	h.confirmer.answer = false
	removed, err := h.orchestrator().Cleanup(context.Background(), work)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.DirExists(t, work)

	h.confirmer.answer = true
	removed, err = h.orchestrator().Cleanup(context.Background(), work)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoDirExists(t, work)

	removed, err = h.orchestrator().Cleanup(context.Background(), work)
	require.NoError(t, err)
	assert.False(t, removed)
}

func readString(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
