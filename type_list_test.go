package resclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func namedFactory(name string) (ResourceFactory, *string) {
	got := new(string)
	return func(rid string) Resource {
		*got = name
		return NewModel(rid)
	}, got
}

func TestTypeListMatchPrecedence(t *testing.T) {
	l := newTypeList(NewModel)

	lit, litGot := namedFactory("literal")
	pwc, pwcGot := namedFactory("partial")
	fwc, fwcGot := namedFactory("full")

	require.NoError(t, l.addFactory("library.book.42", lit))
	require.NoError(t, l.addFactory("library.book.*", pwc))
	require.NoError(t, l.addFactory("library.>", fwc))

	reset := func() { *litGot, *pwcGot, *fwcGot = "", "", "" }

	reset()
	l.getFactory("library.book.42")("library.book.42")
	assert.Equal(t, "literal", *litGot)

	reset()
	l.getFactory("library.book.7")("library.book.7")
	assert.Equal(t, "partial", *pwcGot)
	assert.Empty(t, *litGot)

	reset()
	l.getFactory("library.author.7")("library.author.7")
	assert.Equal(t, "full", *fwcGot)

	reset()
	l.getFactory("library.book.7.pages")("library.book.7.pages")
	assert.Equal(t, "full", *fwcGot)
	assert.Empty(t, *pwcGot)
}

func TestTypeListDefaultFactory(t *testing.T) {
	l := newTypeList(NewCollection)
	f := l.getFactory("no.match")
	_, ok := f("no.match").(*Collection)
	assert.True(t, ok)
}

func TestTypeListQueryIgnored(t *testing.T) {
	l := newTypeList(NewModel)
	f, got := namedFactory("q")
	require.NoError(t, l.addFactory("search.results", f))

	l.getFactory("search.results?q=foo&limit=5")("search.results?q=foo&limit=5")
	assert.Equal(t, "q", *got)
}

func TestTypeListInvalidPatterns(t *testing.T) {
	l := newTypeList(NewModel)
	f, _ := namedFactory("x")

	assert.Error(t, l.addFactory("a..b", f))
	assert.Error(t, l.addFactory("a.>.b", f))

	require.NoError(t, l.addFactory("a.b", f))
	assert.Error(t, l.addFactory("a.b", f))
}

func TestTypeListRemoveFactory(t *testing.T) {
	l := newTypeList(NewModel)
	f, got := namedFactory("gone")
	require.NoError(t, l.addFactory("a.*", f))

	removed := l.removeFactory("a.*")
	require.NotNil(t, removed)
	removed("a.x")
	assert.Equal(t, "gone", *got)

	assert.Nil(t, l.removeFactory("a.*"))
	assert.Nil(t, l.removeFactory("never.there"))
}

// Unregistering a collection type must not touch the model registry.
func TestUnregisterCollectionTypeLeavesModels(t *testing.T) {
	c, _ := newTestClient()

	f, got := namedFactory("m")
	require.NoError(t, c.RegisterModelType("thing.*", f))
	require.NoError(t, c.RegisterCollectionType("thing.*", NewCollection))

	removed := c.UnregisterCollectionType("thing.*")
	require.NotNil(t, removed)

	mf := c.modelTypes.getFactory("thing.1")
	require.NotNil(t, mf)
	mf("thing.1")
	assert.Equal(t, "m", *got)
}
