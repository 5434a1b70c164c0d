package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/tierdeploy/internal/ledger"
	"github.com/example/tierdeploy/internal/registry"
	"github.com/example/tierdeploy/internal/runner"
	"github.com/example/tierdeploy/internal/tiers"
	"github.com/go-logr/logr"
)

const cleanScript = "git reset --hard HEAD && git clean -fdX && rm -f *.tsbuildinfo"

type call struct {
	Script string
	Dir    string
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	// fail decides the outcome of a call; n counts earlier identical calls.
	fail func(c runner.Command, n int) error
	// delay is applied to every call.
	delay time.Duration
	// scrub makes clean commands delete archives below their directory.
	scrub bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, c runner.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if cur <= prev || f.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	f.mu.Lock()
	n := 0
	for _, prev := range f.calls {
		if prev.Script == c.Script && prev.Dir == c.Dir {
			n++
		}
	}
	f.calls = append(f.calls, call{Script: c.Script, Dir: c.Dir})
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail != nil {
		if err := f.fail(c, n); err != nil {
			return err
		}
	}
	if f.scrub && strings.Contains(c.Script, "git clean -fdX") {
		if err := removeArchives(c.Dir); err != nil {
			return err
		}
	}
	if c.Script == "npm pack" {
		name := filepath.Base(c.Dir) + "-1.0.0.tgz"
		if err := os.WriteFile(filepath.Join(c.Dir, name), []byte("tgz"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func removeArchives(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".tgz" {
			return err
		}
		return os.Remove(path)
	})
}

func (f *fakeRunner) scripts(dir string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if dir == "" || c.Dir == dir {
			out = append(out, c.Script)
		}
	}
	return out
}

func (f *fakeRunner) count(substr string) int {
	n := 0
	for _, s := range f.scripts("") {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

type fixture struct {
	root   string
	reg    *registry.Registry
	ledger *ledger.Ledger
	runner *fakeRunner

	evMu   sync.Mutex
	events []Event
}

func newFixture(t *testing.T, pkgs ...*registry.Package) *fixture {
	t.Helper()
	root := t.TempDir()
	for _, p := range pkgs {
		dir := filepath.Join(root, strings.NewReplacer("@", "", "/", "-").Replace(p.Name))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		p.Path = dir
		if p.IsService() && p.Scripts["deploy"] == "" {
			if err := os.WriteFile(filepath.Join(dir, "serverless.ts"), []byte("export default {}"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	reg, err := registry.New(root, pkgs...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return &fixture{
		root:   root,
		reg:    reg,
		ledger: ledger.Open(filepath.Join(root, ledger.DefaultFile), logr.Discard()),
		runner: &fakeRunner{},
	}
}

func (f *fixture) executor(t *testing.T, mutate func(*Options)) *Executor {
	t.Helper()
	opts := Options{
		Registry:     f.reg,
		Ledger:       f.ledger,
		Runner:       f.runner,
		Steps:        DeploySteps(),
		Pinned:       map[string]string{"mongodb": "^6.13.0", "serverless-plugin-datadog": "latest"},
		RetryBackoff: NoBackoff,
		Observer: ObserverFunc(func(ev Event) {
			f.evMu.Lock()
			f.events = append(f.events, ev)
			f.evMu.Unlock()
		}),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return e
}

func (f *fixture) dir(name string) string {
	p, _ := f.reg.Get(name)
	return p.Path
}

func lib(name string, deps ...string) *registry.Package {
	p := &registry.Package{Name: name, Kind: registry.KindLibrary, Dependencies: map[string]string{}, DevDependencies: map[string]string{}}
	for _, d := range deps {
		p.Dependencies[d] = "*"
	}
	return p
}

func svc(name string, deps ...string) *registry.Package {
	p := lib(name, deps...)
	p.Kind = registry.KindService
	return p
}

func sampleTiers() []tiers.Tier {
	return []tiers.Tier{
		{"lib-a": nil},
		{"lib-b": {"lib-a"}},
		{"svc": {"lib-b"}},
	}
}

func TestDeployRunsStepsInOrder(t *testing.T) {
	service := svc("svc", "lib-b", "mongodb")
	f := newFixture(t, lib("lib-a"), lib("lib-b", "lib-a"), service)
	_, err := f.executor(t, nil).Run(context.Background(), sampleTiers())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	gotA := f.runner.scripts(f.dir("lib-a"))
	wantA := []string{
		"git fetch origin && git reset --hard HEAD && git pull --rebase",
		"git reset --hard HEAD && git clean -fdX && rm -f *.tsbuildinfo",
		"npm install",
		"npm run build",
		"npm pack",
	}
	if !reflect.DeepEqual(gotA, wantA) {
		t.Fatalf("lib-a commands:\n got %q\nwant %q", gotA, wantA)
	}

	tarB := filepath.Join(f.dir("lib-b"), "lib-b-1.0.0.tgz")
	gotSvc := f.runner.scripts(f.dir("svc"))
	wantInstall := "npm install " + tarB + " mongodb@^6.13.0"
	if len(gotSvc) != 5 || gotSvc[2] != wantInstall || gotSvc[4] != "npm run deploy --ignore-scripts" {
		t.Fatalf("svc commands: %q", gotSvc)
	}

	snap := f.ledger.Snapshot()
	wantSvc := []ledger.Step{ledger.StepBuild, ledger.StepClean, ledger.StepDeploy, ledger.StepInstall, ledger.StepInstallDev}
	if !reflect.DeepEqual(snap["svc"], wantSvc) {
		t.Fatalf("svc ledger: %v", snap["svc"])
	}
	if !f.ledger.HasSucceeded("lib-a", ledger.StepPack) || f.ledger.HasSucceeded("lib-a", ledger.StepDeploy) {
		t.Fatalf("lib-a ledger: %v", snap["lib-a"])
	}
	if path, ok := f.reg.Artifacts().Lookup("lib-a"); !ok || path != filepath.Join(f.dir("lib-a"), "lib-a-1.0.0.tgz") {
		t.Fatalf("lib-a artifact: %q %v", path, ok)
	}
}

func TestDeploySkipsRecordedBuild(t *testing.T) {
	f := newFixture(t, svc("svc"))
	if err := f.ledger.RecordSuccess("svc", ledger.StepBuild); err != nil {
		t.Fatal(err)
	}
	_, err := f.executor(t, nil).Run(context.Background(), []tiers.Tier{{"svc": nil}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := f.runner.count("npm run build"); n != 0 {
		t.Fatalf("build must not run, ran %d times", n)
	}
	if n := f.runner.count("npm run deploy"); n != 1 {
		t.Fatalf("deploy should run once, ran %d times", n)
	}
	if n := f.runner.count("git fetch"); n != 0 {
		t.Fatalf("seen package must not be rebased")
	}
	if !f.ledger.HasSucceeded("svc", ledger.StepDeploy) {
		t.Fatalf("deploy not recorded")
	}
}

func TestInstallRetryUsesResetPathWithPins(t *testing.T) {
	f := newFixture(t, svc("svc", "mongodb"))
	failedOnce := false
	f.runner.fail = func(c runner.Command, n int) error {
		if strings.HasPrefix(c.Script, "npm install mongodb") && n == 0 {
			failedOnce = true
			return &runner.ExitError{Script: c.Script, Code: 1}
		}
		return nil
	}
	_ = f.ledger.RecordSuccess("svc", ledger.StepBuild)
	_, err := f.executor(t, nil).Run(context.Background(), []tiers.Tier{{"svc": nil}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !failedOnce {
		t.Fatalf("install was never attempted")
	}
	got := f.runner.scripts(f.dir("svc"))
	want := []string{
		"npm install mongodb@^6.13.0",
		"git clean -fdX && npm clean-install",
		"npm install mongodb@^6.13.0",
		"npm run deploy --ignore-scripts",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("commands:\n got %q\nwant %q", got, want)
	}
	steps := f.ledger.Snapshot()["svc"]
	count := 0
	for _, s := range steps {
		if s == ledger.StepInstall {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected Install recorded once, got %v", steps)
	}

	var retries int
	for _, ev := range f.events {
		if ev.Type == RetryScheduled && ev.Step == ledger.StepInstall {
			retries++
		}
		if ev.Type == StepRunning && ev.Step == ledger.StepInstall && ev.Attempt == 2 && ev.Decision != DecisionRunAfterReset {
			t.Fatalf("second attempt decision: %s", ev.Decision)
		}
	}
	if retries != 1 {
		t.Fatalf("expected one retry event, got %d", retries)
	}
}

func TestBuildFailureAbortsRun(t *testing.T) {
	f := newFixture(t, lib("lib-a"), lib("lib-b", "lib-a"), svc("svc", "lib-b"))
	boom := &runner.ExitError{Script: "npm run build", Code: 2}
	f.runner.fail = func(c runner.Command, n int) error {
		if c.Script == "npm run build" {
			return boom
		}
		return nil
	}
	_, err := f.executor(t, nil).Run(context.Background(), sampleTiers())
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected RunError, got %v", err)
	}
	if runErr.Tier != 1 || runErr.Package != "lib-a" || runErr.Step != ledger.StepBuild {
		t.Fatalf("unexpected failure location: %+v", runErr)
	}
	if n := f.runner.count("npm run build"); n != 1 {
		t.Fatalf("build must not be retried, ran %d times", n)
	}
	if got := f.runner.scripts(f.dir("lib-b")); len(got) != 0 {
		t.Fatalf("later tiers must not start, got %q", got)
	}
	if f.ledger.HasSucceeded("lib-a", ledger.StepBuild) {
		t.Fatalf("failed build recorded")
	}
	if !f.ledger.HasSucceeded("lib-a", ledger.StepInstall) {
		t.Fatalf("completed steps before the failure must stay recorded")
	}
}

func TestResumeSkipsCompletedWork(t *testing.T) {
	f := newFixture(t, lib("lib-a"), lib("lib-b", "lib-a"), svc("svc", "lib-b"))
	deployFails := true
	f.runner.fail = func(c runner.Command, n int) error {
		if strings.HasPrefix(c.Script, "npm run deploy") && deployFails {
			return &runner.ExitError{Script: c.Script, Code: 1}
		}
		return nil
	}
	if _, err := f.executor(t, nil).Run(context.Background(), sampleTiers()); err == nil {
		t.Fatalf("expected deploy failure")
	}
	if n := f.runner.count("npm run deploy"); n != 2 {
		t.Fatalf("deploy should be attempted twice, got %d", n)
	}
	buildsBefore := f.runner.count("npm run build")

	deployFails = false
	f.reg = mustRegistry(t, f.reg)
	if _, err := f.executor(t, nil).Run(context.Background(), sampleTiers()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if n := f.runner.count("npm run build"); n != buildsBefore {
		t.Fatalf("resume rebuilt packages: %d -> %d", buildsBefore, n)
	}
	if n := f.runner.count("npm pack"); n != 2 {
		t.Fatalf("recorded packs must not rerun, got %d", n)
	}
	if !f.ledger.HasSucceeded("svc", ledger.StepDeploy) {
		t.Fatalf("deploy not recorded after resume")
	}
}

// mustRegistry rebuilds a registry with the same packages and a fresh
// artifact store, as a new process would.
func mustRegistry(t *testing.T, prev *registry.Registry) *registry.Registry {
	t.Helper()
	var pkgs []*registry.Package
	for _, name := range prev.Names() {
		p, _ := prev.Get(name)
		pkgs = append(pkgs, p)
	}
	reg, err := registry.New(prev.Root, pkgs...)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestMissingArtifactIsConfigErrorNotRetried(t *testing.T) {
	f := newFixture(t, lib("lib-b"), svc("svc", "lib-b"))
	_, err := f.executor(t, nil).Run(context.Background(), []tiers.Tier{{"svc": {"lib-b"}}})
	if !IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
	if !strings.Contains(err.Error(), "no local artifact") {
		t.Fatalf("message: %v", err)
	}
	if n := f.runner.count("npm install"); n != 0 {
		t.Fatalf("install must not run, ran %d", n)
	}
	for _, ev := range f.events {
		if ev.Type == RetryScheduled {
			t.Fatalf("config errors must not be retried")
		}
	}
}

func TestServiceDependencyIsConfigError(t *testing.T) {
	f := newFixture(t, svc("other"), svc("svc", "other"))
	_, err := f.executor(t, nil).Run(context.Background(), []tiers.Tier{{"svc": {"other"}}})
	if !IsConfigError(err) || !strings.Contains(err.Error(), "is a service") {
		t.Fatalf("expected service dependency error, got %v", err)
	}
}

func TestUnknownPackageFailsBeforeWork(t *testing.T) {
	f := newFixture(t, lib("lib-a"))
	_, err := f.executor(t, nil).Run(context.Background(), []tiers.Tier{{"lib-a": nil}, {"ghost": {"lib-a"}}})
	if !IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
	if len(f.runner.scripts("")) != 0 {
		t.Fatalf("no command should run")
	}
}

func TestDeployDescriptorFallsBackToWorkspaceRoot(t *testing.T) {
	root := &registry.Package{Name: "mono", Kind: registry.KindWorkspaceRoot, WorkspaceMembers: []string{"api"}}
	member := svc("api")
	member.WorkspaceRoot = "mono"
	member.Scripts = map[string]string{"deploy": "sls deploy"}
	f := newFixture(t, root, member)
	if err := os.WriteFile(filepath.Join(f.dir("mono"), "serverless.ts"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.executor(t, nil).Run(context.Background(), []tiers.Tier{{"api": nil}}); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := f.runner.scripts(f.dir("mono"))
	if len(got) == 0 || got[len(got)-1] != "npm run deploy --ignore-scripts" {
		t.Fatalf("deploy should run in workspace root, root commands %q", got)
	}
}

func TestMissingDeployDescriptor(t *testing.T) {
	s := svc("svc")
	s.Scripts = map[string]string{"deploy": "sls deploy"}
	f := newFixture(t, s)
	_, err := f.executor(t, nil).Run(context.Background(), []tiers.Tier{{"svc": nil}})
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Step != ledger.StepDeploy || !IsConfigError(err) {
		t.Fatalf("expected deploy config error, got %v", err)
	}
	if n := f.runner.count("npm run deploy"); n != 0 {
		t.Fatalf("deploy must not run")
	}
}

func TestWorkspaceStepsRunOncePerRoot(t *testing.T) {
	root := &registry.Package{Name: "mono", Kind: registry.KindWorkspaceRoot, WorkspaceMembers: []string{"a", "b", "c"}}
	var members []*registry.Package
	for _, name := range []string{"a", "b", "c"} {
		m := lib(name)
		m.WorkspaceRoot = "mono"
		members = append(members, m)
	}
	f := newFixture(t, append([]*registry.Package{root}, members...)...)
	f.runner.delay = 5 * time.Millisecond
	_, err := f.executor(t, nil).Run(context.Background(), []tiers.Tier{{"a": nil, "b": nil, "c": nil}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	rootCmds := f.runner.scripts(f.dir("mono"))
	counts := map[string]int{}
	for _, s := range rootCmds {
		counts[s]++
	}
	if counts["git fetch origin && git reset --hard HEAD && git pull --rebase"] != 1 {
		t.Fatalf("rebase should run once at the root: %q", rootCmds)
	}
	if counts[cleanScript] != 0 {
		t.Fatalf("clean must not run at the root: %q", rootCmds)
	}
	if counts["npm install"] != 1 {
		t.Fatalf("workspace install should run once at the root: %q", rootCmds)
	}
	if counts["npm run build"] != 3 {
		t.Fatalf("build runs per member at the root: %q", rootCmds)
	}
	for _, name := range []string{"a", "b", "c"} {
		if got := f.runner.scripts(f.dir(name)); len(got) == 0 || got[0] != cleanScript {
			t.Fatalf("%s should be cleaned in its own directory: %q", name, got)
		}
		if !f.ledger.HasSucceeded(name, ledger.StepWorkspaceInstall) || !f.ledger.HasSucceeded(name, ledger.StepPack) {
			t.Fatalf("%s ledger: %v", name, f.ledger.Snapshot()[name])
		}
	}
}

func TestCleanKeepsSiblingArchives(t *testing.T) {
	root := &registry.Package{Name: "mono", Kind: registry.KindWorkspaceRoot, WorkspaceMembers: []string{"a", "b"}}
	a, b := lib("a"), lib("b", "a")
	a.WorkspaceRoot, b.WorkspaceRoot = "mono", "mono"
	f := newFixture(t, root, a, b)
	for _, m := range []*registry.Package{a, b} {
		m.Path = filepath.Join(f.dir("mono"), m.Name)
		if err := os.MkdirAll(m.Path, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	archive := filepath.Join(a.Path, "a-1.0.0.tgz")
	if err := os.WriteFile(archive, []byte("tgz"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, step := range []ledger.Step{ledger.StepClean, ledger.StepWorkspaceInstall, ledger.StepInstall, ledger.StepInstallDev, ledger.StepBuild, ledger.StepPack} {
		if err := f.ledger.RecordSuccess("a", step); err != nil {
			t.Fatal(err)
		}
	}
	f.runner.scrub = true

	_, err := f.executor(t, nil).Run(context.Background(), []tiers.Tier{{"a": nil}, {"b": {"a"}}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(archive); err != nil {
		t.Fatalf("cleaning b removed a's archive: %v", err)
	}
	if got := f.runner.scripts(b.Path); len(got) == 0 || got[0] != cleanScript {
		t.Fatalf("b should be cleaned in its own directory: %q", got)
	}
	if n := f.runner.count("git clean -fdX && rm"); n != 1 {
		t.Fatalf("only b needs cleaning, clean ran %d times", n)
	}
	if !f.ledger.HasSucceeded("a", ledger.StepPack) || !f.ledger.HasSucceeded("a", ledger.StepBuild) {
		t.Fatalf("a ledger: %v", f.ledger.Snapshot()["a"])
	}
}

func TestFailedCleanRunsAgainAfterRestart(t *testing.T) {
	f := newFixture(t, lib("lib-a"))
	f.runner.fail = func(c runner.Command, n int) error {
		if c.Script == cleanScript && n == 0 {
			return &runner.ExitError{Script: c.Script, Code: 1}
		}
		return nil
	}
	run := []tiers.Tier{{"lib-a": nil}}
	_, err := f.executor(t, nil).Run(context.Background(), run)
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Step != ledger.StepClean {
		t.Fatalf("expected clean failure, got %v", err)
	}
	if got := f.ledger.Snapshot()["lib-a"]; !reflect.DeepEqual(got, []ledger.Step{ledger.StepRebase}) {
		t.Fatalf("ledger after failed clean: %v", got)
	}

	f.ledger = ledger.Open(f.ledger.Path(), logr.Discard())
	f.reg = mustRegistry(t, f.reg)
	if _, err := f.executor(t, nil).Run(context.Background(), run); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n := f.runner.count(cleanScript); n != 2 {
		t.Fatalf("clean should run again after a failure, ran %d times", n)
	}
	if n := f.runner.count("git pull --rebase"); n != 1 {
		t.Fatalf("rebase already recorded, ran %d times", n)
	}
	if !f.ledger.HasSucceeded("lib-a", ledger.StepClean) || !f.ledger.HasSucceeded("lib-a", ledger.StepPack) {
		t.Fatalf("ledger after second run: %v", f.ledger.Snapshot()["lib-a"])
	}
}

func TestPushRunsWhenBranchesDiffer(t *testing.T) {
	s := svc("svc")
	s.CurrentBranch = "feature/x"
	s.DefaultBranch = "main"
	same := lib("lib")
	same.CurrentBranch = "main"
	same.DefaultBranch = "main"
	f := newFixture(t, s, same)
	if _, err := f.executor(t, nil).Run(context.Background(), []tiers.Tier{{"lib": nil, "svc": nil}}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := f.runner.count("git push --force-with-lease origin feature/x"); got != 1 {
		t.Fatalf("expected one push, got %d (%q)", got, f.runner.scripts(""))
	}
	if got := f.runner.count("git rebase origin/main"); got != 2 {
		t.Fatalf("rebase onto default branch: %q", f.runner.scripts(""))
	}
	if f.runner.count("git push") != 1 {
		t.Fatalf("push must not run on the default branch")
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	var pkgs []*registry.Package
	tier := tiers.Tier{}
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		pkgs = append(pkgs, lib(name))
		tier[name] = nil
	}
	f := newFixture(t, pkgs...)
	f.runner.delay = 10 * time.Millisecond
	if _, err := f.executor(t, func(o *Options) { o.Concurrency = 2 }).Run(context.Background(), []tiers.Tier{tier}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if peak := f.runner.maxInFlight.Load(); peak > 2 {
		t.Fatalf("expected at most 2 concurrent commands, saw %d", peak)
	}
}

func TestDefaultConcurrency(t *testing.T) {
	f := newFixture(t, lib("a"))
	e := f.executor(t, nil)
	if e.opts.Concurrency != DefaultConcurrency {
		t.Fatalf("concurrency default: %d", e.opts.Concurrency)
	}
}

func TestInstallDevAddsTestUtils(t *testing.T) {
	utils := lib("test-utils")
	consumer := lib("consumer")
	consumer.DevDependencies = map[string]string{"serverless-plugin-datadog": "^5", "jest": "^29"}
	f := newFixture(t, utils, consumer)
	plan := []tiers.Tier{{"test-utils": nil}, {"consumer": nil}}
	if _, err := f.executor(t, func(o *Options) { o.TestUtilsPackage = "test-utils" }).Run(context.Background(), plan); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "npm install -D serverless-plugin-datadog@latest " + filepath.Join(f.dir("test-utils"), "test-utils-1.0.0.tgz")
	if got := f.runner.count(want); got != 1 {
		t.Fatalf("expected dev install %q, got %q", want, f.runner.scripts(f.dir("consumer")))
	}
	if got := f.runner.scripts(f.dir("test-utils")); strings.Contains(strings.Join(got, "|"), "npm install -D") {
		t.Fatalf("test utils must not install itself: %q", got)
	}
}

func TestTestPipelineToleratesAllowedFailures(t *testing.T) {
	a := lib("a")
	a.Scripts = map[string]string{ScriptIntegration: "x", ScriptIntegrationLocal: "y", ScriptUnit: "z"}
	b := lib("b")
	b.Scripts = map[string]string{ScriptUnit: "z"}
	c := lib("c")
	c.Scripts = map[string]string{ScriptUnit: "z"}
	f := newFixture(t, a, b, c)
	f.runner.fail = func(cmd runner.Command, n int) error {
		if filepath.Base(cmd.Dir) == "b" {
			return &runner.ExitError{Script: cmd.Script, Code: 1}
		}
		return nil
	}
	summary, err := f.executor(t, func(o *Options) {
		o.Steps = TestSteps()
		o.AllowFailure = map[string]bool{"b": true}
		o.Exclude = map[string]bool{"c": true}
	}).Run(context.Background(), []tiers.Tier{{"a": nil, "b": nil, "c": nil}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Tolerated) != 1 || summary.Tolerated[0].Package != "b" {
		t.Fatalf("tolerated: %+v", summary.Tolerated)
	}
	if got := f.runner.scripts(f.dir("a")); !reflect.DeepEqual(got, []string{"npm run test:integrationlocal", "npm run test:local"}) {
		t.Fatalf("a commands: %q", got)
	}
	if got := f.runner.scripts(f.dir("c")); len(got) != 0 {
		t.Fatalf("excluded package ran %q", got)
	}
}

func TestLedgerWriteFailureIsFatal(t *testing.T) {
	f := newFixture(t, lib("a"))
	f.ledger = ledger.Open(filepath.Join(f.root, "missing", "ledger.json"), logr.Discard())
	_, err := f.executor(t, nil).Run(context.Background(), []tiers.Tier{{"a": nil}})
	if err == nil {
		t.Fatalf("expected ledger write error")
	}
	if n := len(f.runner.scripts("")); n != 1 {
		t.Fatalf("run must stop after the first unrecorded step, ran %d commands", n)
	}
}

func TestCancelledContextStartsNothing(t *testing.T) {
	f := newFixture(t, lib("a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.executor(t, nil).Run(ctx, []tiers.Tier{{"a": nil}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(f.runner.scripts("")) != 0 {
		t.Fatalf("nothing should run")
	}
}

func TestDryRunPublishesPredictedArchive(t *testing.T) {
	scoped := lib("@acme/lib-a")
	scoped.Version = "2.1.0"
	f := newFixture(t, scoped, svc("svc", "@acme/lib-a"))
	var out strings.Builder
	e := f.executor(t, func(o *Options) {
		o.Runner = runner.DryRun{Log: logr.Discard(), Out: &out}
		o.DryRun = true
	})
	plan := []tiers.Tier{{"@acme/lib-a": nil}, {"svc": {"@acme/lib-a"}}}
	if _, err := e.Run(context.Background(), plan); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := filepath.Join(f.dir("@acme/lib-a"), "acme-lib-a-2.1.0.tgz")
	if path, ok := f.reg.Artifacts().Lookup("@acme/lib-a"); !ok || path != want {
		t.Fatalf("artifact: %q %v", path, ok)
	}
	if !strings.Contains(out.String(), "npm install "+want) {
		t.Fatalf("dry-run output:\n%s", out.String())
	}
}
