// Copyright 2025 LINE Corporation
//
// LINE Corporation licenses this file to you under the Apache License,
// version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at:
//
//   https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package mirror

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/command"
	"go.linecorp.com/centraldogma-server/internal/storage"
)

var testAuthor = dogma.Author{Name: "alice", Email: "alice@localhost.localdomain"}

type testEnv struct {
	store  *storage.ProjectManager
	exec   *command.Executor
	svc    *Service
	access *AccessController
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewProjectManager(t.TempDir(), nil)
	require.NoError(t, err)
	exec := command.NewExecutor(store, nil, command.NewMemoryLog())
	require.NoError(t, exec.Start(command.Status{Writable: true, Replicating: true}))
	t.Cleanup(exec.Stop)

	ctx := context.Background()
	_, err = exec.Execute(ctx, command.NewCreateProject(testAuthor, SystemProject))
	require.NoError(t, err)

	return &testEnv{
		store:  store,
		exec:   exec,
		svc:    NewService(store, exec),
		access: NewAccessController(store, exec),
	}
}

func (env *testEnv) createProjectRepo(t *testing.T, project, repo string) {
	t.Helper()
	ctx := context.Background()
	_, err := env.exec.Execute(ctx, command.NewCreateProject(testAuthor, project))
	require.NoError(t, err)
	_, err = env.exec.Execute(ctx, command.NewCreateRepository(testAuthor, project, repo, false))
	require.NoError(t, err)
}

func TestAccessDefaultDeny(t *testing.T) {
	env := newTestEnv(t)
	assert.False(t, env.access.IsAllowed("git+https://github.com/foo/bar.git"))
}

func TestAccessFirstMatchWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.access.PutRule(ctx, testAuthor, &AccessRule{
		ID: "deny-internal", TargetPattern: "git+https://git.internal/**", Allow: false, Order: 1,
	}))
	require.NoError(t, env.access.PutRule(ctx, testAuthor, &AccessRule{
		ID: "allow-all-internal", TargetPattern: "git+https://git.internal/**", Allow: true, Order: 2,
	}))
	require.NoError(t, env.access.PutRule(ctx, testAuthor, &AccessRule{
		ID: "allow-github", TargetPattern: "git+https://github.com/**", Allow: true, Order: 3,
	}))

	assert.False(t, env.access.IsAllowed("git+https://git.internal/secret.git"),
		"the lowest-order matching rule wins")
	assert.True(t, env.access.IsAllowed("git+https://github.com/foo/bar.git"))
	assert.False(t, env.access.IsAllowed("git+https://elsewhere.example/x.git"), "default deny")
}

func TestAccessRuleCRUD(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rule := &AccessRule{ID: "r1", TargetPattern: "**", Allow: true, Order: 1}
	require.NoError(t, env.access.PutRule(ctx, testAuthor, rule))

	rules, err := env.access.Rules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.True(t, env.access.IsAllowed("git+https://anywhere/repo.git"))

	require.NoError(t, env.access.DeleteRule(ctx, testAuthor, "r1"))
	assert.False(t, env.access.IsAllowed("git+https://anywhere/repo.git"))
}

func TestMirrorCRUD(t *testing.T) {
	env := newTestEnv(t)
	env.createProjectRepo(t, "foo", "bar")
	ctx := context.Background()

	m := &Mirror{
		ID:           "m1",
		Enabled:      true,
		Direction:    RemoteToLocal,
		Schedule:     "0 * * * * ?",
		LocalRepo:    "bar",
		LocalPath:    "/",
		RemoteURI:    "git+https://github.com/foo/fixture.git",
		RemotePath:   "/",
		RemoteBranch: "main",
	}
	require.NoError(t, env.svc.Create(ctx, testAuthor, "foo", m))

	mirrors, err := env.svc.List("foo")
	require.NoError(t, err)
	require.Len(t, mirrors, 1)
	assert.Equal(t, "m1", mirrors[0].ID)

	m.Schedule = "0 0 * * * ?"
	require.NoError(t, env.svc.Update(ctx, testAuthor, "foo", m))
	got, err := env.svc.Get("foo", "m1")
	require.NoError(t, err)
	assert.Equal(t, "0 0 * * * ?", got.Schedule)

	require.NoError(t, env.svc.Delete(ctx, testAuthor, "foo", "m1"))
	_, err = env.svc.Get("foo", "m1")
	require.Error(t, err)
}

func TestMirrorValidate(t *testing.T) {
	valid := Mirror{
		ID: "m", Direction: RemoteToLocal, Schedule: "0 * * * * ?",
		LocalRepo: "bar", LocalPath: "/", RemoteURI: "git+https://x/y.git",
		RemotePath: "/", RemoteBranch: "main",
	}
	require.NoError(t, valid.Validate())

	for _, mutate := range []func(*Mirror){
		func(m *Mirror) { m.ID = "" },
		func(m *Mirror) { m.Direction = "SIDEWAYS" },
		func(m *Mirror) { m.Schedule = "not cron" },
		func(m *Mirror) { m.LocalPath = "relative" },
		func(m *Mirror) { m.RemoteBranch = "" },
		func(m *Mirror) { m.RemoteURI = "https://no-scheme-prefix" },
	} {
		m := valid
		mutate(&m)
		var validation *dogma.ValidationError
		require.ErrorAs(t, m.Validate(), &validation, "%+v", m)
	}
}

func TestCredentialCRUD(t *testing.T) {
	env := newTestEnv(t)
	env.createProjectRepo(t, "foo", "bar")
	ctx := context.Background()

	cred := &Credential{ID: "c1", Type: CredentialAccessToken, AccessToken: "tok"}
	require.NoError(t, env.svc.CreateCredential(ctx, testAuthor, "foo", cred))

	got, err := env.svc.GetCredential("foo", "", "c1")
	require.NoError(t, err)
	assert.Equal(t, CredentialAccessToken, got.Type)

	token, err := got.TokenSource().Token()
	require.NoError(t, err)
	assert.Equal(t, "tok", token.AccessToken)

	auth, err := got.AuthMethod()
	require.NoError(t, err)
	require.NotNil(t, auth)

	require.NoError(t, env.svc.DeleteCredential(ctx, testAuthor, "foo", "c1"))
	_, err = env.svc.GetCredential("foo", "", "c1")
	require.Error(t, err)
}
