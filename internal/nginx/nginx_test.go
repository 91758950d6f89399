package nginx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) (*Manager, string, *int) {
	t.Helper()
	dir := t.TempDir()
	m := NewManager(dir, "wstun.example.org")
	reloads := 0
	m.SetReloadFunc(func(context.Context) error {
		reloads++
		return nil
	})
	return m, dir, &reloads
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestEnableWebservice_WritesFragments(t *testing.T) {
	m, dir, _ := newTestManager(t)

	if err := m.EnableWebservice("foo", 50002, 50001, "ex.com"); err != nil {
		t.Fatal(err)
	}

	if got := readFile(t, filepath.Join(dir, "maps", "map_foo")); got != "~foo.ex.com foo;\n" {
		t.Fatalf("unexpected map file: %q", got)
	}
	want := "upstream foo { server wstun.example.org:50002 max_fails=3 fail_timeout=10s; }\n"
	if got := readFile(t, filepath.Join(dir, "upstreams", "upstream_foo")); got != want {
		t.Fatalf("unexpected upstream file: %q", got)
	}
	server := readFile(t, filepath.Join(dir, "servers", "foo"))
	if !strings.Contains(server, "server_name .foo.ex.com;") ||
		!strings.Contains(server, "proxy_pass http://wstun.example.org:50001;") {
		t.Fatalf("unexpected server block: %q", server)
	}
}

func TestDisableWebservice_RemovesFragmentsAndTolerateMissing(t *testing.T) {
	m, dir, _ := newTestManager(t)

	if err := m.EnableWebservice("foo", 50002, 50001, "ex.com"); err != nil {
		t.Fatal(err)
	}
	if err := m.DisableWebservice("foo"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "servers", "foo")); !os.IsNotExist(err) {
		t.Fatal("server block should be gone")
	}
	// Second disable finds nothing to remove.
	if err := m.DisableWebservice("foo"); err != nil {
		t.Fatal(err)
	}
}

func TestRedirect_InsertInsideServerBlock(t *testing.T) {
	m, dir, _ := newTestManager(t)

	if err := m.EnableWebservice("foo", 50002, 50001, "ex.com"); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRedirect("foo", "ex.com", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRedirect("foo", "ex.com", "cam"); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimRight(readFile(t, filepath.Join(dir, "servers", "foo")), "\n"), "\n")
	if lines[len(lines)-1] != "}" {
		t.Fatalf("server block must stay closed: %q", lines)
	}
	var redirects []string
	for _, l := range lines {
		if strings.Contains(l, "return 301") {
			redirects = append(redirects, strings.TrimSpace(l))
		}
	}
	if len(redirects) != 2 {
		t.Fatalf("expected 2 redirects, got %q", redirects)
	}
	for _, host := range []string{"foo.ex.com", "cam.foo.ex.com"} {
		want := "if ($host = " + host + ") { return 301 https://$host$request_uuid; }"
		found := false
		for _, r := range redirects {
			if r == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing redirect for %s in %q", host, redirects)
		}
	}

	// Adding the same redirect again changes nothing.
	if err := m.AddRedirect("foo", "ex.com", "cam"); err != nil {
		t.Fatal(err)
	}
	again := readFile(t, filepath.Join(dir, "servers", "foo"))
	if strings.Count(again, "cam.foo.ex.com") != 1 {
		t.Fatalf("duplicate redirect inserted:\n%s", again)
	}
}

func TestRemoveRedirect(t *testing.T) {
	m, dir, _ := newTestManager(t)

	if err := m.EnableWebservice("foo", 50002, 50001, "ex.com"); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRedirect("foo", "ex.com", "cam"); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveRedirect("foo", "ex.com", "cam"); err != nil {
		t.Fatal(err)
	}
	server := readFile(t, filepath.Join(dir, "servers", "foo"))
	if strings.Contains(server, "return 301") {
		t.Fatalf("redirect not removed:\n%s", server)
	}
	// Absent redirect and absent file are both fine.
	if err := m.RemoveRedirect("foo", "ex.com", "cam"); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveRedirect("nope", "ex.com", ""); err != nil {
		t.Fatal(err)
	}
}

func TestReload_SkipsWhenTreeUnchanged(t *testing.T) {
	m, _, reloads := newTestManager(t)

	if err := m.EnableWebservice("foo", 50002, 50001, "ex.com"); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if *reloads != 1 {
		t.Fatalf("expected one reload for an unchanged tree, got %d", *reloads)
	}

	if err := m.AddRedirect("foo", "ex.com", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if *reloads != 2 {
		t.Fatalf("expected a reload after a config change, got %d", *reloads)
	}
}
