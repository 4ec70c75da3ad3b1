package unitd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tuxdude/zzzlog"
	"github.com/tuxdude/zzzlogi"
)

func newTestLogger() zzzlogi.Logger {
	config := zzzlog.NewConsoleLoggerConfig()
	config.MaxLevel = zzzlog.LvlInfo
	return zzzlog.NewLogger(config)
}

// syncBuffer is a goroutine-safe bytes.Buffer for capturing the
// prefixed stream output in tests.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testUnit builds a bare unit with empty dependency sets.
func testUnit(id UnitID, name string) *unit {
	return &unit{
		id:   id,
		conf: unitConf{name: name},
		install: install{
			after:               newIDSet(),
			before:              newIDSet(),
			requiredBy:          newIDSet(),
			neededForActivation: newIDSet(),
		},
	}
}

// testServiceUnit builds a service unit.
func testServiceUnit(id UnitID, name string, conf ServiceConfig) *unit {
	u := testUnit(id, name)
	u.service = newService(conf)
	return u
}

// orderAfter wires the ordering edge "succ is activated after pred" in
// both directions, the way the unit loader does.
func orderAfter(pred *unit, succ *unit) {
	succ.install.after[pred.id] = struct{}{}
	pred.install.before[succ.id] = struct{}{}
}

// writeScript drops an executable shell script into dir and returns
// its path.
func writeScript(t *testing.T, dir string, name string, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

// managerFixture boots a manager around hand-built units and tears it
// down at the end of the test.
type managerFixture struct {
	t      *testing.T
	m      *managerImpl
	dir    string
	out    *syncBuffer
	errOut *syncBuffer
}

func startTestManager(t *testing.T, dir string, units ...*unit) *managerFixture {
	t.Helper()
	registry := newUnitRegistry()
	for _, u := range units {
		registry.insert(u)
	}
	out := &syncBuffer{}
	errOut := &syncBuffer{}
	m, err := newManagerWithRegistry(newTestLogger(), Config{
		NotificationDir: dir,
		Stdout:          out,
		Stderr:          errOut,
	}, registry)
	require.NoError(t, err)
	fx := &managerFixture{
		t:      t,
		m:      m,
		dir:    dir,
		out:    out,
		errOut: errOut,
	}
	t.Cleanup(fx.m.shutDown)
	return fx
}

// serviceState reads a consistent view of the service runtime state.
func serviceState(u *unit) (status ServiceStatus, pid int, ready bool, restarted uint64, msgs []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	s := u.service
	return s.status, s.pid, s.signaledReady, s.runtimeInfo.restarted, append([]string(nil), s.statusMsgs...)
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return len(strings.Split(strings.TrimSuffix(s, "\n"), "\n"))
}
