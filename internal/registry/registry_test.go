package registry

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveDiscoversKindsAndWorkspaces(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "libs/core/package.json"), `{"name":"@org/core","version":"1.0.0","dependencies":{"mongodb":"^5"}}`)
	writeFile(t, filepath.Join(root, "services/api/package.json"), `{"name":"@org/api","dependencies":{"@org/core":"*"}}`)
	writeFile(t, filepath.Join(root, "services/api/serverless.ts"), `export default {}`)
	writeFile(t, filepath.Join(root, "services/jobs/package.json"), `{"name":"@org/jobs","scripts":{"deploy":"sls deploy"}}`)
	writeFile(t, filepath.Join(root, "mono/package.json"), `{"name":"@org/mono","workspaces":["packages/*"]}`)
	writeFile(t, filepath.Join(root, "mono/serverless.ts"), `export default {}`)
	writeFile(t, filepath.Join(root, "mono/packages/a/package.json"), `{"name":"@org/mono-a"}`)
	writeFile(t, filepath.Join(root, "mono/packages/b/package.json"), `{"name":"@org/mono-b"}`)
	writeFile(t, filepath.Join(root, "libs/core/node_modules/dep/package.json"), `{"name":"dep"}`)
	writeFile(t, filepath.Join(root, "vendor/package.json"), `{"name":"vendored"}`)

	reg, err := Resolve(context.Background(), root, ResolveOptions{Ignore: []string{"vendor"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	wantNames := []string{"@org/api", "@org/core", "@org/jobs", "@org/mono", "@org/mono-a", "@org/mono-b"}
	if got := reg.Names(); !reflect.DeepEqual(got, wantNames) {
		t.Fatalf("names: got %v want %v", got, wantNames)
	}
	if got := reg.Services(); !reflect.DeepEqual(got, []string{"@org/api", "@org/jobs"}) {
		t.Fatalf("services: got %v", got)
	}
	mono, _ := reg.Get("@org/mono")
	if mono.Kind != KindWorkspaceRoot {
		t.Fatalf("expected workspace root, got %s", mono.Kind)
	}
	if !reflect.DeepEqual(mono.WorkspaceMembers, []string{"@org/mono-a", "@org/mono-b"}) {
		t.Fatalf("members: %v", mono.WorkspaceMembers)
	}
	member, _ := reg.Get("@org/mono-b")
	if member.WorkspaceRoot != "@org/mono" {
		t.Fatalf("expected member to reference root, got %q", member.WorkspaceRoot)
	}
	if r, ok := reg.WorkspaceRootOf(member); !ok || r != mono {
		t.Fatalf("WorkspaceRootOf mismatch")
	}
	core, _ := reg.Get("@org/core")
	if !core.IsLibrary() || core.Dependencies["mongodb"] != "^5" {
		t.Fatalf("unexpected core record: %+v", core)
	}
	if core.Path != filepath.Join(root, "libs/core") {
		t.Fatalf("unexpected path %s", core.Path)
	}
}

func TestResolveIgnoreFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, IgnoreFileName), "fixtures/**\n")
	writeFile(t, filepath.Join(root, "fixtures/x/package.json"), `{"name":"fixture"}`)
	writeFile(t, filepath.Join(root, "lib/package.json"), `{"name":"lib"}`)
	reg, err := Resolve(context.Background(), root, ResolveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := reg.Names(); !reflect.DeepEqual(got, []string{"lib"}) {
		t.Fatalf("got %v", got)
	}
}

func TestResolveRejectsBadManifest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bad/package.json"), `{"name":`)
	if _, err := Resolve(context.Background(), root, ResolveOptions{}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestNewValidatesReferences(t *testing.T) {
	if _, err := New("/", &Package{Name: "a", WorkspaceRoot: "missing"}); err == nil {
		t.Fatalf("expected unknown workspace root error")
	}
	if _, err := New("/", &Package{Name: "a"}, &Package{Name: "a"}); err == nil {
		t.Fatalf("expected duplicate error")
	}
}

func TestArtifactStoreWriteOnce(t *testing.T) {
	s := NewArtifactStore()
	if _, ok := s.Lookup("lib"); ok {
		t.Fatalf("expected empty store")
	}
	if err := s.Publish("lib", "/tmp/lib-1.0.0.tgz"); err != nil {
		t.Fatal(err)
	}
	if err := s.Publish("lib", "/tmp/lib-1.0.0.tgz"); err != nil {
		t.Fatalf("republishing same path: %v", err)
	}
	if err := s.Publish("lib", "/tmp/other.tgz"); err == nil {
		t.Fatalf("expected conflict")
	}
	if path, ok := s.Lookup("lib"); !ok || path != "/tmp/lib-1.0.0.tgz" {
		t.Fatalf("lookup: %q %v", path, ok)
	}
	if got := s.Published(); !reflect.DeepEqual(got, []string{"lib"}) {
		t.Fatalf("published: %v", got)
	}
}
