// Package ipauth grants special groups by client network address. It never
// authenticates anyone: Authenticate always reports that the mechanism does
// not apply, and the value of the method lies entirely in its SpecialGroups
// contribution during the passive per-request walk.
//
// The group-to-range mapping is compiled into an immutable match table and
// swapped atomically; when the mapping comes from a file, an fsnotify
// watcher rebuilds the table on change so concurrent requests never observe
// a partially parsed mapping.
package ipauth

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/joeshaw/envdecode"

	"github.com/openrepo/authstack/authn"
	"github.com/openrepo/authstack/identity"
)

// Config for the IP method. Defaults can be loaded via envdecode.
type Config struct {
	// Mapping entries have the form "groupName=range,range,..." where each
	// range is a CIDR prefix or single address, optionally prefixed with "-"
	// to carve an exclusion out of the group's ranges. Entries are
	// ";"-separated in the environment. ENV: AUTHN_IP_MAPPING
	Mapping []string `env:"AUTHN_IP_MAPPING"`
	// MappingFile points at a file of "groupName: range, range" lines
	// ("#" comments allowed). When set it is loaded at startup and watched
	// for changes. ENV: AUTHN_IP_MAPPING_FILE
	MappingFile string `env:"AUTHN_IP_MAPPING_FILE"`
}

type rule struct {
	group   string
	include []netip.Prefix
	exclude []netip.Prefix
}

type matchTable struct {
	rules []rule
}

func (t *matchTable) groupsFor(addr netip.Addr) []string {
	var out []string
	for _, r := range t.rules {
		if r.matches(addr) {
			out = append(out, r.group)
		}
	}
	return out
}

func (r rule) matches(addr netip.Addr) bool {
	for _, p := range r.exclude {
		if p.Contains(addr) {
			return false
		}
	}
	for _, p := range r.include {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Method grants groups by remote address.
type Method struct {
	cfg    Config
	gstore identity.GroupStore
	log    *slog.Logger

	table   atomic.Pointer[matchTable]
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	resolved map[string]*identity.Group
}

var _ authn.Method = (*Method)(nil)

// New builds the IP method and, when a mapping file is configured, starts
// watching it. Call Close to release the watcher.
func New(cfg Config, groups identity.GroupStore) (*Method, error) {
	m := &Method{
		cfg:      cfg,
		gstore:   groups,
		log:      slog.Default(),
		resolved: make(map[string]*identity.Group),
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	if cfg.MappingFile != "" {
		if err := m.watch(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewFromEnv builds the method with envdecode-populated configuration.
func NewFromEnv(groups identity.GroupStore) (*Method, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, groups)
}

// Reload recompiles the match table from configuration (and the mapping
// file, when set) and swaps it in atomically.
func (m *Method) Reload() error {
	entries := append([]string(nil), m.cfg.Mapping...)
	if m.cfg.MappingFile != "" {
		fileEntries, err := readMappingFile(m.cfg.MappingFile)
		if err != nil {
			return err
		}
		entries = append(entries, fileEntries...)
	}
	table, err := compile(entries)
	if err != nil {
		return err
	}
	m.table.Store(table)
	return nil
}

func readMappingFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ipauth: open mapping file: %w", err)
	}
	defer f.Close()

	var entries []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		group, ranges, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("ipauth: malformed mapping line %q", line)
		}
		entries = append(entries, strings.TrimSpace(group)+"="+strings.TrimSpace(ranges))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func compile(entries []string) (*matchTable, error) {
	t := &matchTable{}
	for _, entry := range entries {
		group, ranges, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("ipauth: malformed mapping entry %q", entry)
		}
		r := rule{group: strings.TrimSpace(group)}
		if r.group == "" {
			return nil, fmt.Errorf("ipauth: empty group in entry %q", entry)
		}
		for _, spec := range strings.Split(ranges, ",") {
			spec = strings.TrimSpace(spec)
			if spec == "" {
				continue
			}
			negate := strings.HasPrefix(spec, "-")
			spec = strings.TrimPrefix(spec, "-")
			prefix, err := parseRange(spec)
			if err != nil {
				return nil, fmt.Errorf("ipauth: range %q: %w", spec, err)
			}
			if negate {
				r.exclude = append(r.exclude, prefix)
			} else {
				r.include = append(r.include, prefix)
			}
		}
		if len(r.include) == 0 {
			return nil, fmt.Errorf("ipauth: entry %q has no positive range", entry)
		}
		t.rules = append(t.rules, r)
	}
	return t, nil
}

func parseRange(spec string) (netip.Prefix, error) {
	if strings.Contains(spec, "/") {
		return netip.ParsePrefix(spec)
	}
	addr, err := netip.ParseAddr(spec)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (m *Method) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ipauth: watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than write in place.
	if err := w.Add(filepath.Dir(m.cfg.MappingFile)); err != nil {
		w.Close()
		return fmt.Errorf("ipauth: watch %s: %w", m.cfg.MappingFile, err)
	}
	m.watcher = w

	go func() {
		base := filepath.Base(m.cfg.MappingFile)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := m.Reload(); err != nil {
					// Keep serving the previous table.
					m.log.Warn("ip mapping reload failed", slog.String("err", err.Error()))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.log.Warn("ip mapping watcher error", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}

// Close stops the mapping-file watcher, if any.
func (m *Method) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Method) Name() string     { return "ip" }
func (m *Method) IsImplicit() bool { return true }

// Authenticate always declines: network position grants groups, never an
// identity.
func (m *Method) Authenticate(ctx context.Context, rc *authn.RequestContext, creds authn.Credentials) (authn.Outcome, error) {
	return authn.BadArgs, nil
}

func (m *Method) CanSelfRegister(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	return false
}

func (m *Method) AllowSetPassword(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	return false
}

func (m *Method) InitIdentity(ctx context.Context, rc *authn.RequestContext, id *identity.Identity) error {
	return nil
}

func (m *Method) SpecialGroups(ctx context.Context, rc *authn.RequestContext) []identity.Group {
	out := []identity.Group{}
	if m.gstore == nil {
		return out
	}
	addr, err := netip.ParseAddr(rc.RemoteHost())
	if err != nil {
		return out
	}
	table := m.table.Load()
	if table == nil {
		return out
	}
	for _, name := range table.groupsFor(addr.Unmap()) {
		if g := m.resolveGroup(ctx, name); g != nil {
			out = append(out, *g)
		}
	}
	return out
}

func (m *Method) resolveGroup(ctx context.Context, name string) *identity.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.resolved[name]; ok {
		return g
	}
	g, err := m.gstore.FindGroupByName(ctx, name)
	if err != nil {
		return nil
	}
	m.resolved[name] = g
	return g
}

// LoginPageURL is empty: network position is evaluated transparently.
func (m *Method) LoginPageURL(ctx context.Context, rc *authn.RequestContext) string {
	return ""
}
