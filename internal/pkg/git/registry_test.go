package git

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-scheduler/internal/pkg/config"
	"ci-scheduler/internal/pkg/git/api"
	"ci-scheduler/internal/pkg/git/memory"
)

type route struct {
	body   string
	header [2]string
}

func serve(t *testing.T, routes map[string]route) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt, ok := routes[r.URL.EscapedPath()]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if rt.header[0] != "" {
			assert.Equal(t, rt.header[1], r.Header.Get(rt.header[0]))
		}
		_, _ = w.Write([]byte(rt.body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGitLabProvider(t *testing.T) {
	auth := [2]string{"PRIVATE-TOKEN", "secret"}
	srv := serve(t, map[string]route{
		"/api/v4/projects/group%2Fapp/repository/branches/main":   {`{"name":"main","commit":{"id":"abc"}}`, auth},
		"/api/v4/projects/group%2Fapp/repository/tags/v1":         {`{"name":"v1","commit":{"id":"def"}}`, auth},
		"/api/v4/projects/group%2Fapp/repository/branches/both":   {`{"name":"both","commit":{"id":"1"}}`, auth},
		"/api/v4/projects/group%2Fapp/repository/tags/both":       {`{"name":"both","commit":{"id":"2"}}`, auth},
		"/api/v4/projects/group%2Fapp/repository/commits/abc":     {`{"id":"abc","message":"fix [ci skip]"}`, auth},
		"/api/v4/projects/group%2Fapp/repository/files/.gitlab-ci.yml/raw": {"build:\n  script: make\n", auth},
	})
	p, err := NewProvider(api.PlatformGitLab, &api.ProviderConfig{BaseURL: srv.URL, Token: "secret"})
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := p.ResolveRef(ctx, "group/app", "main")
	require.NoError(t, err)
	assert.Equal(t, &api.RefInfo{Name: "main", SHA: "abc"}, ref)

	ref, err = p.ResolveRef(ctx, "group/app", "v1")
	require.NoError(t, err)
	assert.True(t, ref.Tag)
	assert.Equal(t, "def", ref.SHA)

	ref, err = p.ResolveRef(ctx, "group/app", "refs/heads/both")
	require.NoError(t, err)
	assert.Equal(t, "1", ref.SHA)

	_, err = p.ResolveRef(ctx, "group/app", "both")
	assert.ErrorIs(t, err, api.ErrAmbiguousRef)

	_, err = p.ResolveRef(ctx, "group/app", "missing")
	assert.ErrorIs(t, err, api.ErrNotFound)

	commit, err := p.GetCommit(ctx, "group/app", "abc")
	require.NoError(t, err)
	assert.Equal(t, "fix [ci skip]", commit.Message)

	content, err := p.GetFile(ctx, "group/app", "abc", ".gitlab-ci.yml")
	require.NoError(t, err)
	assert.Contains(t, string(content), "script: make")
}

func TestGiteaProvider(t *testing.T) {
	auth := [2]string{"Authorization", "token secret"}
	srv := serve(t, map[string]route{
		"/api/v1/repos/org/app/branches/main":     {`{"name":"main","commit":{"id":"abc"}}`, auth},
		"/api/v1/repos/org/app/tags/v2":           {`{"name":"v2","commit":{"sha":"fed"}}`, auth},
		"/api/v1/repos/org/app/git/commits/abc":   {`{"sha":"abc","commit":{"message":"init"}}`, auth},
		"/api/v1/repos/org/app/raw/ci/config.yml": {"a: 1\n", auth},
	})
	p, err := NewProvider(api.PlatformGitea, &api.ProviderConfig{BaseURL: srv.URL + "/", Token: "secret"})
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := p.ResolveRef(ctx, "org/app", "refs/tags/v2")
	require.NoError(t, err)
	assert.Equal(t, &api.RefInfo{Name: "v2", SHA: "fed", Tag: true}, ref)

	commit, err := p.GetCommit(ctx, "org/app", "abc")
	require.NoError(t, err)
	assert.Equal(t, "init", commit.Message)

	content, err := p.GetFile(ctx, "org/app", "abc", "ci/config.yml")
	require.NoError(t, err)
	assert.Equal(t, "a: 1\n", string(content))
}

func TestGitHubProvider(t *testing.T) {
	srv := serve(t, map[string]route{
		"/repos/org/app/branches/main":           {`{"name":"main","commit":{"sha":"abc"}}`, [2]string{"Accept", "application/vnd.github+json"}},
		"/repos/org/app/commits/abc":             {`{"sha":"abc","commit":{"message":"msg"}}`, [2]string{}},
		"/repos/org/app/contents/.gitlab-ci.yml": {"x: y\n", [2]string{"Accept", "application/vnd.github.raw+json"}},
	})
	p, err := NewProvider(api.PlatformGitHub, &api.ProviderConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := p.ResolveRef(ctx, "org/app", "main")
	require.NoError(t, err)
	assert.Equal(t, "abc", ref.SHA)
	assert.False(t, ref.Tag)

	_, err = p.GetCommit(ctx, "org/app", "nope")
	assert.ErrorIs(t, err, api.ErrNotFound)

	content, err := p.GetFile(ctx, "org/app", "abc", ".gitlab-ci.yml")
	require.NoError(t, err)
	assert.Equal(t, "x: y\n", string(content))
}

func TestRegistryFromConfig(t *testing.T) {
	r, err := NewRegistryFromConfig(config.GitConfig{
		Default: "corp",
		Sources: []config.GitSourceConfig{
			{Name: "corp", Platform: "gitlab", BaseURL: "https://gitlab.example.com", Enabled: true},
			{Name: "off", Platform: "gitea", BaseURL: "https://gitea.example.com"},
		},
	})
	require.NoError(t, err)

	p, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, api.PlatformGitLab, p.GetPlatformType())

	_, err = r.Get("off")
	assert.Error(t, err)

	_, err = NewRegistryFromConfig(config.GitConfig{Sources: []config.GitSourceConfig{{Name: "x", Platform: "svn", Enabled: true}}})
	assert.Error(t, err)

	r.Register("mem", memory.New())
	p, err = r.Get("mem")
	require.NoError(t, err)
	assert.Equal(t, api.PlatformMemory, p.GetPlatformType())
}

func TestMemoryProvider(t *testing.T) {
	p := memory.New().
		AddCommit("g/p", "abc", "msg", map[string]string{".gitlab-ci.yml": "a: b"}).
		SetBranch("g/p", "main", "abc").
		SetTag("g/p", "main", "abc")
	ctx := context.Background()

	_, err := p.ResolveRef(ctx, "g/p", "main")
	assert.ErrorIs(t, err, api.ErrAmbiguousRef)

	ref, err := p.ResolveRef(ctx, "g/p", "refs/tags/main")
	require.NoError(t, err)
	assert.True(t, ref.Tag)

	_, err = p.GetFile(ctx, "g/p", "abc", "missing.yml")
	assert.ErrorIs(t, err, api.ErrNotFound)
}
