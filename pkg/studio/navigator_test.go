package studio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/relay/pkg/browser/browsertest"
	"github.com/entrhq/relay/pkg/types"
)

const anchorSel = `button[aria-label="Send"]`

func TestNavigator_URLFor(t *testing.T) {
	nav := NewNavigator(DefaultSite(), fastTimeouts(), nil)

	assert.Equal(t, DefaultHomeURL, nav.URLFor(Home()))
	assert.Equal(t,
		"https://aistudio.google.com/apps/drive/abc?showAssistant=true&showCode=true",
		nav.URLFor(Project("abc")))
	assert.Equal(t, "home", Home().String())
	assert.Equal(t, "project abc", Project("abc").String())
}

func TestNavigator_EnsureAt(t *testing.T) {
	t.Run("navigates then waits for anchor", func(t *testing.T) {
		page := browsertest.NewPage()
		page.GotoFunc = func(p *browsertest.Page, url string) error {
			p.After(0, func(p *browsertest.Page) { p.Set(anchorSel, browsertest.Element{}) })
			return nil
		}
		nav := NewNavigator(DefaultSite(), fastTimeouts(), nil)

		require.NoError(t, nav.EnsureAt(context.Background(), page, Project("abc")))
		assert.Equal(t, []string{nav.URLFor(Project("abc"))}, page.Gotos())
	})

	t.Run("already there skips navigation", func(t *testing.T) {
		page := browsertest.NewPage()
		page.SetURL("https://aistudio.google.com/apps/drive/abc?other=1")
		page.Set(anchorSel, browsertest.Element{})
		nav := NewNavigator(DefaultSite(), fastTimeouts(), nil)

		require.NoError(t, nav.EnsureAt(context.Background(), page, Project("abc")))
		assert.Empty(t, page.Gotos())
	})

	t.Run("anchor never attaches", func(t *testing.T) {
		page := browsertest.NewPage()
		nav := NewNavigator(DefaultSite(), fastTimeouts(), nil)

		err := nav.EnsureAt(context.Background(), page, Home())
		require.Error(t, err)
		assert.True(t, types.IsKind(err, types.FailureNavigationTimeout))
	})

	t.Run("closed page", func(t *testing.T) {
		page := browsertest.NewPage()
		require.NoError(t, page.Close())
		nav := NewNavigator(DefaultSite(), fastTimeouts(), nil)

		err := nav.EnsureAt(context.Background(), page, Home())
		assert.True(t, types.IsKind(err, types.FailureInternal))
	})
}

func TestSite_DriveID(t *testing.T) {
	site := DefaultSite()

	tests := []struct {
		location string
		want     string
	}{
		{"https://aistudio.google.com/apps/drive/1AbC_d-9?showCode=true", "1AbC_d-9"},
		{"https://aistudio.google.com/apps/drive/xyz", "xyz"},
		{"https://aistudio.google.com/apps/temp/123", ""},
		{"https://aistudio.google.com/apps", ""},
	}
	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			assert.Equal(t, tt.want, site.DriveID(tt.location))
		})
	}
}
