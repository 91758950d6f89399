// Package nginx writes the reverse-proxy configuration fragments the wamp
// agent maintains for exposed webservices: one map, one upstream and one
// server block per board DNS name.
package nginx

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"
)

// ReloadFunc asks the proxy to re-read its configuration.
type ReloadFunc func(ctx context.Context) error

// Manager owns the fragment tree under a single config directory. The
// layout is fixed: maps/map_<dns>, upstreams/upstream_<dns>, servers/<dns>.
type Manager struct {
	path   string // fragment tree root
	wstun  string // tunnel endpoint boards are reachable through
	reload ReloadFunc
	logger *log.Logger

	mu          sync.Mutex
	fingerprint [16]byte // tree content at the last reload
}

// NewManager creates a Manager rooted at path. Fragments route traffic to
// wstunEndpoint, where the tunnel daemon terminates board connections.
func NewManager(path, wstunEndpoint string) *Manager {
	return &Manager{
		path:   path,
		wstun:  wstunEndpoint,
		reload: execReload,
		logger: log.New(os.Stderr, "[nginx] ", log.LstdFlags|log.Lmsgprefix),
	}
}

// SetReloadFunc replaces the reload command. Tests use this.
func (m *Manager) SetReloadFunc(fn ReloadFunc) { m.reload = fn }

func (m *Manager) mapFile(dns string) string      { return filepath.Join(m.path, "maps", "map_"+dns) }
func (m *Manager) upstreamFile(dns string) string { return filepath.Join(m.path, "upstreams", "upstream_"+dns) }
func (m *Manager) serverFile(dns string) string   { return filepath.Join(m.path, "servers", dns) }

// EnableWebservice writes the three fragments for boardDNS. The shapes are
// a contract with the deployed nginx include tree.
func (m *Manager) EnableWebservice(boardDNS string, httpsPort, httpPort int, zone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mapBody := fmt.Sprintf("~%s.%s %s;\n", boardDNS, zone, boardDNS)
	upstreamBody := fmt.Sprintf(
		"upstream %s { server %s:%d max_fails=3 fail_timeout=10s; }\n",
		boardDNS, m.wstun, httpsPort)
	serverBody := fmt.Sprintf(`server {
  listen 80;
  server_name .%s.%s;
  location / { proxy_pass http://%s:%d; }
}
`, boardDNS, zone, m.wstun, httpPort)

	for _, f := range []struct {
		path, body string
	}{
		{m.mapFile(boardDNS), mapBody},
		{m.upstreamFile(boardDNS), upstreamBody},
		{m.serverFile(boardDNS), serverBody},
	} {
		if err := writeFragment(f.path, f.body); err != nil {
			return err
		}
	}
	m.logger.Printf("wrote proxy config for %s.%s (http %d, https %d)", boardDNS, zone, httpPort, httpsPort)
	return nil
}

// DisableWebservice deletes the three fragments. Missing files are fine;
// disable must succeed on a half-configured board.
func (m *Manager) DisableWebservice(boardDNS string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, path := range []string{m.mapFile(boardDNS), m.upstreamFile(boardDNS), m.serverFile(boardDNS)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	m.logger.Printf("removed proxy config for %s", boardDNS)
	return nil
}

// redirectLine is the literal inserted into a server block. host is
// <b>.<zone> for the board itself or <dns>.<b>.<zone> for a named
// webservice.
func redirectLine(boardDNS, zone, dns string) string {
	host := boardDNS + "." + zone
	if dns != "" {
		host = dns + "." + host
	}
	return fmt.Sprintf("if ($host = %s) { return 301 https://$host$request_uuid; }", host)
}

// AddRedirect inserts the HTTPS redirect for host into boardDNS's server
// block, just before the closing brace. Adding an existing redirect is a
// no-op.
func (m *Manager) AddRedirect(boardDNS, zone, dns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.serverFile(boardDNS)
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	line := redirectLine(boardDNS, zone, dns)
	for _, l := range lines {
		if strings.TrimSpace(l) == line {
			return nil
		}
	}
	// The server block is 5 lines; redirects accumulate above the brace.
	at := len(lines) - 1
	if at > 4 {
		at = 4
	}
	if at < 0 {
		at = 0
	}
	lines = append(lines[:at], append([]string{"  " + line}, lines[at:]...)...)
	return writeFragment(path, strings.Join(lines, "\n")+"\n")
}

// RemoveRedirect drops the redirect for host from boardDNS's server block.
// Removing an absent redirect is a no-op.
func (m *Manager) RemoveRedirect(boardDNS, zone, dns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.serverFile(boardDNS)
	lines, err := readLines(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	line := redirectLine(boardDNS, zone, dns)
	kept := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != line {
			kept = append(kept, l)
		}
	}
	if len(kept) == len(lines) {
		return nil
	}
	return writeFragment(path, strings.Join(kept, "\n")+"\n")
}

// Reload asks the proxy to re-read its configuration, unless the fragment
// tree is byte-identical to what it saw at the last reload.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fp, err := m.treeFingerprint()
	if err != nil {
		return err
	}
	if fp == m.fingerprint {
		m.logger.Printf("proxy config unchanged, skipping reload")
		return nil
	}
	if err := m.reload(ctx); err != nil {
		return fmt.Errorf("reload proxy: %w", err)
	}
	m.fingerprint = fp
	m.logger.Printf("proxy reloaded")
	return nil
}

// treeFingerprint hashes every fragment path and body in sorted order.
func (m *Manager) treeFingerprint() ([16]byte, error) {
	var paths []string
	for _, dir := range []string{"maps", "upstreams", "servers"} {
		entries, err := os.ReadDir(filepath.Join(m.path, dir))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return [16]byte{}, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				paths = append(paths, filepath.Join(m.path, dir, e.Name()))
			}
		}
	}
	sort.Strings(paths)

	h := xxh3.New()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return [16]byte{}, err
		}
		h.WriteString(p)
		h.Write([]byte{0})
		h.Write(data)
	}
	sum := h.Sum128()
	var fp [16]byte
	binary.LittleEndian.PutUint64(fp[:8], sum.Lo)
	binary.LittleEndian.PutUint64(fp[8:], sum.Hi)
	return fp, nil
}

func writeFragment(path, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n"), nil
}

func execReload(ctx context.Context) error {
	return exec.CommandContext(ctx, "nginx", "-s", "reload").Run()
}
