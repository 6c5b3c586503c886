package router

import (
	"strings"
	"testing"
)

func TestCleanIdempotent(t *testing.T) {
	inputs := []string{
		"", ".", "..", "/", "//", "/..", "/../..",
		"a/b/c", "a//b///c", "./a/./b", "a/b/../c", "a/b/../../..",
		"../../a", "/a/b/../../../c", "/a/./b/.", "a/b/c/..",
		"/mnt/cfs//data/./../data", "..//..//x",
	}
	for _, p := range inputs {
		once := Clean(p)
		twice := Clean(once)
		if once != twice {
			t.Errorf("Clean not idempotent for %q: %q != %q", p, once, twice)
		}
		if once != "/" && strings.HasSuffix(once, "/") {
			t.Errorf("Clean(%q) = %q ends in separator", p, once)
		}
	}
}

func TestResolveAbsolute(t *testing.T) {
	r, err := New("/mnt/cfs/", "tmp,lost+found")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		path   string
		remote bool
		rest   string
	}{
		{name: "mount point itself", path: "/mnt/cfs", remote: true, rest: "/"},
		{name: "mount point trailing slash", path: "/mnt/cfs/", remote: true, rest: "/"},
		{name: "inside mount", path: "/mnt/cfs/db/file", remote: true, rest: "/db/file"},
		{name: "uncleaned inside mount", path: "/mnt/cfs//db/./x/../file", remote: true, rest: "/db/file"},
		{name: "prefix but not segment bounded", path: "/mnt/cfsx/file", remote: false},
		{name: "outside mount", path: "/var/log/messages", remote: false},
		{name: "dotdot escapes mount", path: "/mnt/cfs/../etc/passwd", remote: false},
		{name: "ignored first segment", path: "/mnt/cfs/tmp", remote: false},
		{name: "ignored subtree", path: "/mnt/cfs/tmp/x/y", remote: false},
		{name: "second ignore entry", path: "/mnt/cfs/lost+found", remote: false},
		{name: "ignore entry not first segment", path: "/mnt/cfs/db/tmp", remote: true, rest: "/db/tmp"},
		{name: "segment sharing ignore prefix", path: "/mnt/cfs/tmpfile", remote: true, rest: "/tmpfile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(tt.path, "/", false)
			if got.Remote != tt.remote {
				t.Fatalf("Resolve(%q).Remote = %v, want %v", tt.path, got.Remote, tt.remote)
			}
			if got.Remote && got.Path != tt.rest {
				t.Errorf("Resolve(%q).Path = %q, want %q", tt.path, got.Path, tt.rest)
			}
		})
	}
}

func TestResolveRelative(t *testing.T) {
	r, err := New("/mnt/cfs", "tmp")
	if err != nil {
		t.Fatal(err)
	}

	// Relative paths are local when the cwd is outside the mount scope,
	// whatever they would resolve to.
	if got := r.Resolve("data/file", "/mnt/cfs/db", false); got.Remote {
		t.Errorf("relative path out of scope classified remote: %+v", got)
	}

	// In scope, a relative path classifies exactly like its absolute form.
	cwd := "/mnt/cfs/db"
	rels := []string{"data/file", "./data/file", "../db2/x", "../../etc/passwd", "../tmp/x", "."}
	for _, rel := range rels {
		relGot := r.Resolve(rel, cwd, true)
		absGot := r.Resolve(cwd+"/"+rel, cwd, true)
		if relGot != absGot {
			t.Errorf("Resolve(%q, cwd=%q) = %+v, absolute form = %+v", rel, cwd, relGot, absGot)
		}
	}

	if got := r.Resolve("data/file", cwd, true); !got.Remote || got.Path != "/db/data/file" {
		t.Errorf("Resolve(data/file) = %+v, want remote /db/data/file", got)
	}
	if got := r.Resolve("../../etc/passwd", cwd, true); got.Remote {
		t.Errorf("relative escape classified remote: %+v", got)
	}
}

func TestNewRejectsBadMount(t *testing.T) {
	if _, err := New("mnt/cfs", ""); err == nil {
		t.Error("relative mount point accepted")
	}
	if _, err := New("/", ""); err == nil {
		t.Error("root mount point accepted")
	}
}

func TestJoin(t *testing.T) {
	r, _ := New("/mnt/cfs", "")
	if got := r.Join("/"); got != "/mnt/cfs" {
		t.Errorf("Join(/) = %q", got)
	}
	if got := r.Join("/db/file"); got != "/mnt/cfs/db/file" {
		t.Errorf("Join(/db/file) = %q", got)
	}
}
