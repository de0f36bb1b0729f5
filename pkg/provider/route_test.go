package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopBackend struct{ name string }

func (b *noopBackend) Name() string { return b.name }

func (b *noopBackend) Search(_ context.Context, _ Query) (*Response, error) {
	return &Response{Provider: b.name}, nil
}

func testRegistry() Registry {
	return Registry{
		Tavily: &noopBackend{name: Tavily},
		Brave:  &noopBackend{name: Brave},
		Exa:    &noopBackend{name: Exa},
	}
}

func TestBuildRouteAutoIsDeterministic(t *testing.T) {
	for _, pref := range []string{"", "auto", "Auto", "all", "*"} {
		route, err := BuildRoute(pref, testRegistry(), 0, 0)
		require.NoError(t, err, "preference %q", pref)
		assert.Equal(t, []string{Tavily, Brave, Exa}, route.Names(), "preference %q", pref)
	}
}

func TestBuildRouteNamedSingleton(t *testing.T) {
	route, err := BuildRoute("exa", testRegistry(), 5*time.Second, 0.25)
	require.NoError(t, err)
	require.Len(t, route, 1)
	assert.Equal(t, Exa, route[0].Backend.Name())
	assert.Equal(t, 5*time.Second, route[0].Timeout)
	assert.Equal(t, 0.25, route[0].MaxCost)
}

func TestBuildRouteCommaListKeepsOrderAndDedupes(t *testing.T) {
	route, err := BuildRoute("exa, tavily, exa", testRegistry(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{Exa, Tavily}, route.Names())
}

func TestBuildRouteRejectsUnknownProvider(t *testing.T) {
	_, err := BuildRoute("bing", testRegistry(), 0, 0)
	assert.Error(t, err)

	_, err = BuildRoute("tavily,bing", testRegistry(), 0, 0)
	assert.Error(t, err)
}

func TestBuildRouteRejectsEmptyResult(t *testing.T) {
	_, err := BuildRoute(" , ,", testRegistry(), 0, 0)
	assert.Error(t, err)
}

func TestBuildRouteDefaultTimeout(t *testing.T) {
	route, err := BuildRoute("auto", testRegistry(), 0, 0)
	require.NoError(t, err)
	for _, entry := range route {
		assert.Equal(t, DefaultEntryTimeout, entry.Timeout)
	}
}

func TestNewRegistryHasAllBackends(t *testing.T) {
	reg := NewRegistry("a", "b", "c")
	for _, name := range []string{Tavily, Brave, Exa} {
		_, ok := reg[name]
		assert.True(t, ok, name)
	}
}

func TestMergeCitationsDedupesByURL(t *testing.T) {
	merged := MergeCitations([]*Response{
		{Citations: []Citation{{URL: "https://a", Title: "first"}, {URL: "https://b"}}},
		{Citations: []Citation{{URL: "https://a", Title: "dup"}, {URL: "https://c"}}},
	})
	require.Len(t, merged, 3)
	assert.Equal(t, "first", merged[0].Title)
}

func TestBraveFreshnessMapping(t *testing.T) {
	assert.Equal(t, "pd", braveFreshness("day"))
	assert.Equal(t, "pw", braveFreshness("w"))
	assert.Equal(t, "pm", braveFreshness("Month"))
	assert.Equal(t, "py", braveFreshness("y"))
	assert.Equal(t, "", braveFreshness(" "))
	assert.Equal(t, "pd", braveFreshness("pd"))
}
