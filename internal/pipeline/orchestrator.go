package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rename-go/internal/apkinfo"
	"github.com/apk-analysis/apk-rename-go/internal/domain"
	"github.com/apk-analysis/apk-rename-go/internal/identity"
	"github.com/apk-analysis/apk-rename-go/internal/protection"
	"github.com/apk-analysis/apk-rename-go/internal/rewriter"
	"github.com/apk-analysis/apk-rename-go/internal/tools"
	"github.com/apk-analysis/apk-rename-go/internal/treewalk"
)

const (
	decodedDirName = "decoded"
	unsignedName   = "patched_unsigned.apk"
	alignedName    = "patched_aligned.apk"
	signedName     = "patched_signed.apk"
)

type Decoder interface {
	Decode(ctx context.Context, apkPath, outDir string) error
}

type Encoder interface {
	Build(ctx context.Context, dir, outAPK string) error
}

type Aligner interface {
	Align(ctx context.Context, in, out string) error
	CopyVerbatim(in, out string) error
}

type Signer interface {
	Sign(ctx context.Context, in, out string) error
}

type Verifier interface {
	Verify(ctx context.Context, apkPath string) (*tools.VerifyReport, error)
}

type KeyGenerator interface {
	Generate(ctx context.Context) error
}

type Confirmer interface {
	Confirm(ctx context.Context, question string, defaultYes bool) (bool, error)
}

type Diagnoser interface {
	Diagnose(apkPath, manifestPath string) *protection.Finding
}

// Dependencies 编排器依赖
type Dependencies struct {
	Decoder   Decoder
	Encoder   Encoder
	Aligner   Aligner
	Signer    Signer
	Verifier  Verifier
	KeyGen    KeyGenerator
	Confirmer Confirmer
	// Inspector 可选，用于签名后核对包名
	Inspector apkinfo.Inspector
	// Diagnoser 可选，用于解释缺少 smali 的原因
	Diagnoser Diagnoser
	Keystore  string
	Policies  map[State]Policy
}

// Request 一次重命名请求
type Request struct {
	ID          string
	InputPath   string
	OutputPath  string // 为空时使用 <DisplayName>.apk
	DisplayName string
	NewPackage  string // 为空时由显示名称推导
	WorkDir     string
}

// Artifacts 工作目录中的中间产物
type Artifacts struct {
	WorkDir  string `json:"work_dir"`
	Decoded  string `json:"decoded"`
	Unsigned string `json:"unsigned"`
	Aligned  string `json:"aligned"`
	Signed   string `json:"signed"`
}

// NewArtifacts 根据工作目录生成产物路径
func NewArtifacts(workDir string) Artifacts {
	return Artifacts{
		WorkDir:  workDir,
		Decoded:  filepath.Join(workDir, decodedDirName),
		Unsigned: filepath.Join(workDir, unsignedName),
		Aligned:  filepath.Join(workDir, alignedName),
		Signed:   filepath.Join(workDir, signedName),
	}
}

// Result 运行结果
type Result struct {
	RunID             string                  `json:"run_id,omitempty"`
	Identity          identity.Identity       `json:"identity"`
	OutputPath        string                  `json:"output_path,omitempty"`
	Artifacts         Artifacts               `json:"artifacts"`
	State             State                   `json:"state"`
	FailedStage       State                   `json:"failed_stage,omitempty"`
	AlignmentDegraded bool                    `json:"alignment_degraded"`
	Manifest          *ManifestSummary        `json:"manifest,omitempty"`
	Symbols           *rewriter.SymbolStats   `json:"symbols,omitempty"`
	Verification      *tools.VerifyReport     `json:"verification,omitempty"`
	Built             *apkinfo.Info           `json:"built,omitempty"`
	Warnings          []string                `json:"warnings,omitempty"`
	RecoveryHint      string                  `json:"recovery_hint,omitempty"`
	StageDurations    map[State]time.Duration `json:"stage_durations"`
	StartedAt         time.Time               `json:"started_at"`
	CompletedAt       time.Time               `json:"completed_at"`
	Duration          time.Duration           `json:"duration"`
}

// ManifestSummary 清单改写摘要
type ManifestSummary struct {
	Path                 string `json:"path"`
	LabelReplaced        bool   `json:"label_replaced"`
	LabelInjected        bool   `json:"label_injected"`
	AuthoritiesRewritten int    `json:"authorities_rewritten"`
	QualifiedRewritten   int    `json:"qualified_rewritten"`
}

// Orchestrator 重命名流水线编排器，单次运行内各阶段严格顺序执行
type Orchestrator struct {
	deps     Dependencies
	symbols  *rewriter.SymbolRewriter
	policies map[State]Policy
	logger   *logrus.Logger

	// 并发运行共用同一个密钥库，只允许生成一次
	keystoreMu sync.Mutex
}

// NewOrchestrator 创建编排器
func NewOrchestrator(deps Dependencies, logger *logrus.Logger) *Orchestrator {
	policies := deps.Policies
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Orchestrator{
		deps:     deps,
		symbols:  rewriter.NewSymbolRewriter(logger),
		policies: policies,
		logger:   logger,
	}
}

type stage struct {
	state    State
	artifact string
	run      func(ctx context.Context) error
	fallback func(ctx context.Context, cause error) error
}

// run 一次运行的上下文
type run struct {
	o         *Orchestrator
	req       Request
	result    *Result
	observers []Observer
}

// Run 执行完整流水线；失败时返回的 Result 仍包含失败阶段和恢复提示
func (o *Orchestrator) Run(ctx context.Context, req Request, observers ...Observer) (*Result, error) {
	if req.OutputPath == "" && req.DisplayName != "" {
		req.OutputPath = req.DisplayName + ".apk"
	}

	r := &run{
		o:   o,
		req: req,
		result: &Result{
			RunID:          req.ID,
			Artifacts:      NewArtifacts(req.WorkDir),
			State:          StateIdle,
			StageDurations: map[State]time.Duration{},
			StartedAt:      time.Now(),
		},
		observers: observers,
	}
	defer func() {
		r.result.CompletedAt = time.Now()
		r.result.Duration = r.result.CompletedAt.Sub(r.result.StartedAt)
	}()

	log := o.logger.WithFields(logrus.Fields{
		"run_id": req.ID,
		"input":  req.InputPath,
		"name":   req.DisplayName,
	})
	log.Info("Rename pipeline started")

	if err := r.preflight(ctx); err != nil {
		return r.fail(StateIdle, err)
	}

	for _, st := range r.stages() {
		if err := r.runStage(ctx, st); err != nil {
			return r.fail(st.state, err)
		}
	}

	r.result.State = StateDone
	r.emit(Event{State: StateDone, Phase: PhaseCompleted, Message: r.result.OutputPath})
	log.WithFields(logrus.Fields{
		"output":      r.result.OutputPath,
		"old_package": r.result.Identity.OriginalPackage,
		"new_package": r.result.Identity.NewPackage,
		"degraded":    r.result.AlignmentDegraded,
	}).Info("Rename pipeline completed")
	return r.result, nil
}

func (r *run) stages() []stage {
	a := r.result.Artifacts
	d := r.o.deps
	return []stage{
		{state: StateDecoding, artifact: a.Decoded, run: r.decode},
		{state: StateRewriting, artifact: a.Decoded, run: r.rewrite},
		{state: StateEncoding, artifact: a.Unsigned, run: func(ctx context.Context) error {
			return d.Encoder.Build(ctx, a.Decoded, a.Unsigned)
		}},
		{state: StateAligning, artifact: a.Aligned,
			run: func(ctx context.Context) error {
				return d.Aligner.Align(ctx, a.Unsigned, a.Aligned)
			},
			fallback: func(ctx context.Context, cause error) error {
				if err := d.Aligner.CopyVerbatim(a.Unsigned, a.Aligned); err != nil {
					return err
				}
				r.result.AlignmentDegraded = true
				r.warn(fmt.Sprintf("alignment failed (%v); package copied unaligned, installation may fail", cause))
				return nil
			},
		},
		{state: StateSigning, artifact: a.Signed, run: func(ctx context.Context) error {
			return d.Signer.Sign(ctx, a.Aligned, a.Signed)
		}},
		{state: StateVerifying, artifact: a.Signed, run: r.verify},
		{state: StateFinalizing, run: r.finalize},
	}
}

// runStage 执行单个阶段并检查产物后置条件
func (r *run) runStage(ctx context.Context, st stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.result.State = st.state
	r.emit(Event{State: st.state, Phase: PhaseStarted})
	start := time.Now()

	err := st.run(ctx)
	if err == nil {
		err = checkArtifact(st.artifact)
	}

	phase := PhaseCompleted
	message := ""
	if err != nil && st.fallback != nil && r.o.policies[st.state] == DegradeOnFailure && ctx.Err() == nil {
		r.o.logger.WithError(err).WithField("stage", st.state).Warn("Stage failed, degrading")
		cause := err
		err = st.fallback(ctx, cause)
		if err == nil {
			err = checkArtifact(st.artifact)
		}
		phase = PhaseDegraded
		message = cause.Error()
	}

	elapsed := time.Since(start)
	r.result.StageDurations[st.state] = elapsed
	if err != nil {
		return err
	}

	r.emit(Event{State: st.state, Phase: phase, Message: message, Duration: elapsed})
	r.o.logger.WithFields(logrus.Fields{
		"stage":    st.state,
		"duration": elapsed.String(),
	}).Debug("Stage completed")
	return nil
}

func (r *run) fail(state State, err error) (*Result, error) {
	r.result.FailedStage = state
	r.result.State = StateFailed
	if _, statErr := os.Stat(r.result.Artifacts.Signed); statErr == nil {
		r.result.RecoveryHint = r.result.Artifacts.Signed
	}

	r.emit(Event{State: StateFailed, Phase: PhaseFailed, Message: string(state), Error: err.Error()})
	r.o.logger.WithError(err).WithFields(logrus.Fields{
		"run_id": r.req.ID,
		"stage":  state,
	}).Error("Rename pipeline failed")

	return r.result, &StageError{Stage: state, Err: err}
}

func (r *run) emit(e Event) {
	e.RunID = r.req.ID
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, obs := range r.observers {
		obs.OnEvent(e)
	}
}

func (r *run) warn(msg string) {
	r.result.Warnings = append(r.result.Warnings, msg)
	r.o.logger.WithField("run_id", r.req.ID).Warn(msg)
}

// preflight 检查输入并在需要时生成密钥库
func (r *run) preflight(ctx context.Context) error {
	if r.req.DisplayName == "" {
		return fmt.Errorf("display name must not be empty")
	}
	if r.req.WorkDir == "" {
		return fmt.Errorf("work directory must not be empty")
	}
	info, err := os.Stat(r.req.InputPath)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: %s", domain.ErrInputNotFound, r.req.InputPath)
	}
	if r.req.NewPackage != "" {
		if err := identity.Validate(r.req.NewPackage); err != nil {
			return err
		}
	}
	return r.o.EnsureKeystore(ctx)
}

// EnsureKeystore 密钥库不存在时确认后生成（超时默认生成）
func (o *Orchestrator) EnsureKeystore(ctx context.Context) error {
	o.keystoreMu.Lock()
	defer o.keystoreMu.Unlock()

	ks := o.deps.Keystore
	if _, err := os.Stat(ks); err == nil {
		return nil
	}

	o.logger.WithField("keystore", ks).Warn("Keystore not found")
	ok, err := o.deps.Confirmer.Confirm(ctx, fmt.Sprintf("Keystore %s not found. Generate a new one?", ks), true)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrCredentialDeclined
	}
	if err := o.deps.KeyGen.Generate(ctx); err != nil {
		return err
	}
	if _, err := os.Stat(ks); err != nil {
		return domain.NewFilesystemError("stat", ks, err)
	}
	return nil
}

// decode 每次运行都从全新的解包目录开始
func (r *run) decode(ctx context.Context) error {
	a := r.result.Artifacts
	if err := os.MkdirAll(a.WorkDir, 0755); err != nil {
		return domain.NewFilesystemError("mkdir", a.WorkDir, err)
	}
	if err := os.RemoveAll(a.Decoded); err != nil {
		return domain.NewFilesystemError("remove", a.Decoded, err)
	}
	for _, stale := range []string{a.Unsigned, a.Aligned, a.Signed} {
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			return domain.NewFilesystemError("remove", stale, err)
		}
	}
	return r.o.deps.Decoder.Decode(ctx, r.req.InputPath, a.Decoded)
}

// rewrite 先在内存中完成清单改写和 smali 根目录检查，全部通过后才写盘
func (r *run) rewrite(ctx context.Context) error {
	decoded := r.result.Artifacts.Decoded

	manifestPath, err := treewalk.LocateManifest(decoded)
	if err != nil {
		return err
	}
	info, err := os.Stat(manifestPath)
	if err != nil {
		return domain.NewFilesystemError("stat", manifestPath, err)
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return domain.NewFilesystemError("read", manifestPath, err)
	}

	mres, err := rewriter.RewriteManifest(string(data), rewriter.ManifestOptions{
		DisplayName: r.req.DisplayName,
		NewPackage:  r.req.NewPackage,
	})
	if err != nil {
		var missing *domain.MissingIdentifierError
		if errors.As(err, &missing) {
			missing.ManifestPath = manifestPath
		}
		return err
	}
	r.result.Identity = mres.Identity
	r.result.Manifest = &ManifestSummary{
		Path:                 manifestPath,
		LabelReplaced:        mres.LabelReplaced,
		LabelInjected:        mres.LabelInjected,
		AuthoritiesRewritten: mres.AuthoritiesRewritten,
		QualifiedRewritten:   mres.QualifiedRewritten,
	}
	for _, w := range mres.Warnings {
		r.warn(w)
	}

	var roots []string
	if mres.Identity.Changed() {
		roots, err = treewalk.LocateSymbolRoots(decoded)
		if err != nil {
			var noRoots *domain.SymbolRootNotFoundError
			if errors.As(err, &noRoots) && r.o.deps.Diagnoser != nil {
				noRoots.Diagnosis = r.o.deps.Diagnoser.Diagnose(r.req.InputPath, manifestPath).Summary()
			}
			return err
		}
	}

	if err := os.WriteFile(manifestPath, []byte(mres.Text), info.Mode().Perm()); err != nil {
		return domain.NewFilesystemError("write", manifestPath, err)
	}

	r.o.logger.WithFields(logrus.Fields{
		"manifest":    manifestPath,
		"old_package": mres.Identity.OriginalPackage,
		"new_package": mres.Identity.NewPackage,
	}).Info("Manifest rewritten")

	if !mres.Identity.Changed() {
		r.result.Symbols = &rewriter.SymbolStats{}
		return nil
	}
	stats, err := r.o.symbols.Rewrite(roots, mres.Identity)
	r.result.Symbols = stats
	if err != nil {
		return err
	}
	for _, w := range stats.Warnings {
		r.result.Warnings = append(r.result.Warnings, w)
	}
	return nil
}

// verify 签名校验失败一律致命；随后核对签名包的包名
func (r *run) verify(ctx context.Context) error {
	signed := r.result.Artifacts.Signed
	report, err := r.o.deps.Verifier.Verify(ctx, signed)
	if err != nil {
		return err
	}
	r.result.Verification = report

	if r.o.deps.Inspector == nil {
		return nil
	}
	built, err := r.o.deps.Inspector.Inspect(signed)
	if err != nil {
		r.warn(fmt.Sprintf("could not read signed package manifest: %v", err))
		return nil
	}
	r.result.Built = built
	if want := r.result.Identity.NewPackage; want != "" && built.Package != want {
		return &domain.VerificationFailedError{
			Path:   signed,
			Reason: fmt.Sprintf("package name is %q, expected %q", built.Package, want),
		}
	}
	return nil
}

func (r *run) finalize(ctx context.Context) error {
	out, err := Finalize(r.result.Artifacts.Signed, r.req.OutputPath)
	if err != nil {
		return err
	}
	r.result.OutputPath = out
	return nil
}

// Cleanup 确认后删除工作目录（超时默认删除），返回是否已删除
func (o *Orchestrator) Cleanup(ctx context.Context, workDir string) (bool, error) {
	if _, err := os.Stat(workDir); os.IsNotExist(err) {
		return false, nil
	}
	ok, err := o.deps.Confirmer.Confirm(ctx, fmt.Sprintf("Remove working directory %s?", workDir), true)
	if err != nil {
		return false, err
	}
	if !ok {
		o.logger.WithField("work_dir", workDir).Info("Working directory kept")
		return false, nil
	}
	if err := os.RemoveAll(workDir); err != nil {
		return false, domain.NewFilesystemError("remove", workDir, err)
	}
	o.logger.WithField("work_dir", workDir).Info("Working directory removed")
	return true, nil
}

func checkArtifact(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return domain.NewFilesystemError("expected artifact", path, err)
	}
	return nil
}
