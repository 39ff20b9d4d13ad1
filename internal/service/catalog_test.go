package service_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"lab-sessions/internal/domain"
	"lab-sessions/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureTemplateCreatesDefaultOnce(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	catalog := service.NewTemplateCatalog(h.repo, h.clock, 45, 3)

	tpl, err := catalog.EnsureTemplate(ctx, "web-101")
	require.NoError(t, err)
	assert.Equal(t, 45, tpl.DefaultTTLMinutes)
	assert.Equal(t, 3, tpl.MaxExtensions)
	assert.Equal(t, "web", tpl.Manifest.EntryTarget)
	require.Len(t, tpl.Manifest.Targets, 1)
	assert.Equal(t, "labs/web:latest", tpl.Manifest.Targets[0].Image)
	assert.True(t, tpl.CreatedAt.Equal(t0))

	again, err := catalog.EnsureTemplate(ctx, "web-101")
	require.NoError(t, err)
	assert.Equal(t, tpl.ID, again.ID)

	tasks, err := catalog.Tasks(ctx, tpl.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].RequiresFlag)
	assert.Equal(t, 100, tasks[0].Points)

	_, err = catalog.EnsureTemplate(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrChallengeNotFound)
}

func TestSeedTemplates(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  - challenge_id: pivot-301
    title: Pivoting
    max_extensions: 0
    manifest:
      targets:
        - name: jump
          image: labs/jump:1.2
          ports: [22]
          env:
            FLAG: "flag{pivot}"
        - name: vault
          image: labs/vault:1.0
    tasks:
      - title: Reach the vault
        question_type: flag
        requires_flag: true
      - slug: report
        title: Write it up
        question_type: text
`), 0o644))

	seeds, err := service.LoadTemplateSeeds(path)
	require.NoError(t, err)
	catalog := service.NewTemplateCatalog(h.repo, h.clock, 60, 2)
	require.NoError(t, catalog.Seed(ctx, seeds))
	// Seeding twice is harmless.
	require.NoError(t, catalog.Seed(ctx, seeds))

	tpl, err := catalog.EnsureTemplate(ctx, "pivot-301")
	require.NoError(t, err)
	assert.Equal(t, 60, tpl.DefaultTTLMinutes)
	assert.Zero(t, tpl.MaxExtensions)
	assert.Equal(t, "jump", tpl.Manifest.EntryTarget)
	assert.Equal(t, "flag{pivot}", tpl.Manifest.Targets[0].Env["FLAG"])

	tasks, err := catalog.Tasks(ctx, tpl.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "task-1", tasks[0].Slug)
	assert.Equal(t, "report", tasks[1].Slug)

	// A seeded challenge with no extensions starts sessions that cannot extend.
	res, err := h.svc.StartSession(ctx, "alice", "pivot-301", false)
	require.NoError(t, err)
	assert.False(t, res.Session.CanExtend)
	_, err = h.svc.ExtendSession(ctx, res.Session.ID)
	assert.ErrorIs(t, err, domain.ErrExtensionLimitReached)
}

func TestLoadTemplateSeedsValidation(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"no id":      "templates:\n  - title: x\n    manifest:\n      targets: [{name: a, image: b}]\n",
		"no targets": "templates:\n  - challenge_id: x\n",
		"bad yaml":   "templates: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := service.LoadTemplateSeeds(path)
			assert.Error(t, err)
		})
	}

	_, err := service.LoadTemplateSeeds(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}
