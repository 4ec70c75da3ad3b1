package unitd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeUnitFile(t *testing.T, dir string, name string, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoaderBuildsRegistryWithSymmetricEdges(t *testing.T) {
	dir := t.TempDir()
	writeUnitFile(t, dir, "10-db.unit", `
name: db.service
description: database
service:
  cmd: /usr/bin/db --foreground
  type: notify
  keep-alive: true
  start-timeout: 5s
  stop-timeout: infinity
`)
	writeUnitFile(t, dir, "20-web.unit", `
name: web.service
after: [db.service]
required-by: [db.service]
service:
  cmd: /usr/bin/web
  sockets: [web.socket]
`)
	writeUnitFile(t, dir, "30-web-socket.unit", `
name: web.socket
socket:
  listen:
    - kind: tcp
      addr: 127.0.0.1:8080
`)
	writeUnitFile(t, dir, "40-base.unit", `
name: base.target
before: [db.service]
target: {}
`)
	// Non-unit files are ignored.
	writeUnitFile(t, dir, "README.md", "not a unit")

	decls, err := loadUnitDir(newTestLogger(), dir)
	require.NoError(t, err)
	require.Len(t, decls, 4)

	registry, err := buildRegistry(decls)
	require.NoError(t, err)

	// Ids are assigned in file name order.
	db := registry.byName("db.service")
	web := registry.byName("web.service")
	sock := registry.byName("web.socket")
	base := registry.byName("base.target")
	require.NotNil(t, db)
	require.NotNil(t, web)
	require.NotNil(t, sock)
	require.NotNil(t, base)
	assert.Equal(t, UnitID(1), db.id)
	assert.Equal(t, UnitID(2), web.id)
	assert.Equal(t, UnitID(3), sock.id)
	assert.Equal(t, UnitID(4), base.id)

	// Service config round-trips.
	require.NotNil(t, db.service)
	assert.Equal(t, "/usr/bin/db --foreground", db.service.conf.Cmd)
	assert.Equal(t, ServiceNotify, db.service.conf.Type)
	assert.True(t, db.service.conf.KeepAlive)
	assert.Equal(t, TimeoutDuration(5*time.Second), db.service.conf.StartTimeout)
	assert.Equal(t, TimeoutInfinity(), db.service.conf.StopTimeout)

	// after/before edges are symmetrized.
	assert.Contains(t, web.install.after, db.id)
	assert.Contains(t, db.install.before, web.id)
	assert.Contains(t, base.install.before, db.id)
	assert.Contains(t, db.install.after, base.id)

	// required-by resolves to ids.
	assert.Contains(t, web.install.requiredBy, db.id)

	// The socket is implied into the service's ordering and
	// activation sets.
	assert.Contains(t, web.install.after, sock.id)
	assert.Contains(t, web.install.neededForActivation, sock.id)
	assert.Contains(t, sock.install.before, web.id)

	require.NotNil(t, sock.socket)
	require.Len(t, sock.socket.conf.Listeners, 1)
	assert.Equal(t, "tcp", sock.socket.conf.Listeners[0].Kind)
	assert.Equal(t, "127.0.0.1:8080", sock.socket.conf.Listeners[0].Addr)
}

func TestLoaderRejectsUnknownReference(t *testing.T) {
	decls := []UnitDecl{
		{
			Name:    "a.service",
			After:   []string{"missing.service"},
			Service: &ServiceConfig{Cmd: "/bin/true"},
		},
	}
	_, err := buildRegistry(decls)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.service")
}

func TestLoaderRejectsDuplicateNames(t *testing.T) {
	decls := []UnitDecl{
		{Name: "a.service", Service: &ServiceConfig{Cmd: "/bin/true"}},
		{Name: "a.service", Service: &ServiceConfig{Cmd: "/bin/true"}},
	}
	_, err := buildRegistry(decls)
	require.Error(t, err)
}

func TestLoaderRejectsAmbiguousSpecialization(t *testing.T) {
	decls := []UnitDecl{
		{
			Name:    "a.service",
			Service: &ServiceConfig{Cmd: "/bin/true"},
			Socket:  &SocketConfig{},
		},
	}
	_, err := buildRegistry(decls)
	require.Error(t, err)

	decls = []UnitDecl{{Name: "b.service"}}
	_, err = buildRegistry(decls)
	require.Error(t, err)
}

func TestLoaderRejectsNonSocketInSocketsList(t *testing.T) {
	decls := []UnitDecl{
		{Name: "a.target", Target: &struct{}{}},
		{
			Name:    "b.service",
			Service: &ServiceConfig{Cmd: "/bin/true", Sockets: []string{"a.target"}},
		},
	}
	_, err := buildRegistry(decls)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a socket unit")
}
