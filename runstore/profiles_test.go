package runstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/model"
	"github.com/teranos/checkrun/module"
)

func TestProfiles_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := model.DefaultProfile()
	p.Name = "smoke"
	p.Parallelism = 4
	p.Iterations = 20
	p.PauseMs = 250
	p.HTMLReportEnabled = true
	require.NoError(t, s.SaveProfile(ctx, &p))
	require.NotEmpty(t, p.ID)

	got, err := s.GetProfile(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "smoke", got.Name)
	assert.Equal(t, 4, got.Parallelism)
	assert.Equal(t, 20, got.Iterations)
	assert.Equal(t, 250, got.PauseMs)
	assert.True(t, got.HTMLReportEnabled)
	assert.Equal(t, module.ScreenshotsOnFailure, got.ScreenshotsPolicy)

	p.Mode = model.ModeDuration
	p.DurationSeconds = 60
	require.NoError(t, s.SaveProfile(ctx, &p))

	byName, err := s.FindProfile(ctx, "smoke")
	require.NoError(t, err)
	assert.Equal(t, model.ModeDuration, byName.Mode)
	assert.Equal(t, 60, byName.DurationSeconds)

	other := model.DefaultProfile()
	other.Name = "another"
	require.NoError(t, s.SaveProfile(ctx, &other))

	list, err := s.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.DeleteProfile(ctx, p.ID))
	_, err = s.GetProfile(ctx, p.ID)
	assert.True(t, errors.IsNotFoundError(err))
	assert.True(t, errors.IsNotFoundError(s.DeleteProfile(ctx, p.ID)))
}

func TestSaveProfile_UnknownIDIsNotFound(t *testing.T) {
	s := newTestStore(t)

	p := model.DefaultProfile()
	p.ID = "does-not-exist"
	err := s.SaveProfile(context.Background(), &p)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSaveProfile_RequiresName(t *testing.T) {
	s := newTestStore(t)

	p := model.DefaultProfile()
	p.Name = ""
	err := s.SaveProfile(context.Background(), &p)
	assert.True(t, errors.IsInvalidRequestError(err))
}
