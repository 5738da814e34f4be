package testutil

import (
	"github.com/davecgh/go-spew/spew"
)

// DumpValue renders v as a deeply-expanded struct dump, used in test
// failure messages (the scenario tests dump the *pgx.ConnConfig under test)
// where %+v's single line is too dense to read at a glance.
func DumpValue(v interface{}) string {
	return spew.Sdump(v)
}
