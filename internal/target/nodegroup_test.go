package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandNodegroupTrivialListCollapses(t *testing.T) {
	groups := map[string][]string{
		"webs": {"web1", "web2"},
	}
	assert.Equal(t, []string{"L@web1,web2"}, ExpandNodegroup("webs", groups))
}

func TestExpandNodegroupEngineTokensAreNotCollapsed(t *testing.T) {
	groups := map[string][]string{
		"dbs":   {"G@role:db"},
		"webs":  {"L@web1,web2"},
		"mixed": {"web1", "G@role:db"},
	}
	assert.Equal(t, []string{"G@role:db"}, ExpandNodegroup("dbs", groups))
	assert.Equal(t, []string{"L@web1,web2"}, ExpandNodegroup("webs", groups))
	assert.Equal(t,
		[]string{"(", "web1", "G@role:db", ")"},
		ExpandNodegroup("mixed", groups))
}

func TestExpandNodegroupOperatorsPassThrough(t *testing.T) {
	groups := map[string][]string{
		"prod": {"G@env:prod", "and", "not", "L@canary1"},
	}
	assert.Equal(t, []string{"G@env:prod", "and", "not", "L@canary1"}, ExpandNodegroup("prod", groups))
}

func TestExpandNodegroupNestedWrapsInParens(t *testing.T) {
	groups := map[string][]string{
		"webs": {"web1", "web2"},
		"all":  {"N@webs", "or", "db1"},
	}
	assert.Equal(t,
		[]string{"(", "L@web1,web2", "or", "db1", ")"},
		ExpandNodegroup("all", groups))
}

func TestExpandNodegroupSelfReferenceMatchesNothing(t *testing.T) {
	groups := map[string][]string{
		"A": {"N@A"},
	}
	assert.Equal(t, []string{"(", emptyMatchToken, ")"}, ExpandNodegroup("A", groups))
}

func TestExpandNodegroupIndirectCycle(t *testing.T) {
	groups := map[string][]string{
		"A": {"N@B"},
		"B": {"N@A"},
	}
	assert.Equal(t,
		[]string{"(", "(", emptyMatchToken, ")", ")"},
		ExpandNodegroup("A", groups))
}

func TestExpandNodegroupSharedGroupInIndependentBranches(t *testing.T) {
	groups := map[string][]string{
		"webs": {"web1"},
		"both": {"N@webs", "or", "(", "N@webs", "and", "db*", ")"},
	}
	assert.Equal(t,
		[]string{"(", "L@web1", "or", "(", "L@web1", "and", "db*", ")", ")"},
		ExpandNodegroup("both", groups))
}

func TestExpandNodegroupUnknownMatchesNothing(t *testing.T) {
	assert.Equal(t, []string{emptyMatchToken}, ExpandNodegroup("ghost", map[string][]string{}))
}
