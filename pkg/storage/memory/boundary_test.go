package memory

import (
	"testing"

	"smartobject/testutil"
)

func TestNoCrossAdapterImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.CrossAdapterImportForbidden("memory"), "adapters depend only on the object engine")
}
