package concurrency_test

import (
	"testing"

	"dinolock/pkg/concurrency"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceName(t *testing.T) {
	t.Run("Parse", testResourceNameParse)
	t.Run("Invalid", testResourceNameInvalid)
	t.Run("Family", testResourceNameFamily)
	t.Run("ChildDoesNotAlias", testResourceNameChildDoesNotAlias)
}

// mustName parses a resource name, failing the test on error.
func mustName(t *testing.T, s string) concurrency.ResourceName {
	t.Helper()
	name, err := concurrency.ParseResourceName(s)
	require.NoError(t, err)
	return name
}

func testResourceNameParse(t *testing.T) {
	name := mustName(t, "database/T1/page3")
	assert.Equal(t, []string{"database", "T1", "page3"}, name.Names())
	assert.Equal(t, 3, name.Depth())
	assert.Equal(t, "database/T1/page3", name.String())
	assert.True(t, mustName(t, "/database/T1/").Equal(mustName(t, "database/T1")))
}

func testResourceNameInvalid(t *testing.T) {
	_, err := concurrency.ParseResourceName("database//page3")
	assert.Error(t, err)
	_, err = concurrency.NewResourceName()
	assert.Error(t, err)
	_, err = concurrency.NewResourceName("database", "a/b")
	assert.Error(t, err)
}

func testResourceNameFamily(t *testing.T) {
	db := mustName(t, "database")
	table := mustName(t, "database/T1")
	page := mustName(t, "database/T1/page3")
	other := mustName(t, "database/T10")

	assert.True(t, page.IsDescendantOf(db))
	assert.True(t, page.IsDescendantOf(table))
	assert.False(t, table.IsDescendantOf(table))
	assert.False(t, db.IsDescendantOf(table))
	assert.False(t, other.IsDescendantOf(table))

	parent, ok := page.Parent()
	require.True(t, ok)
	assert.True(t, parent.Equal(table))
	_, ok = db.Parent()
	assert.False(t, ok)
	assert.True(t, table.Child("page3").Equal(page))
}

func testResourceNameChildDoesNotAlias(t *testing.T) {
	table := mustName(t, "database/T1")
	a := table.Child("a")
	b := table.Child("b")
	assert.Equal(t, "database/T1/a", a.String())
	assert.Equal(t, "database/T1/b", b.String())
	assert.Equal(t, "database/T1", table.String())
}
