package file

import (
	"testing"

	"smartobject/testutil"
)

func TestNoCrossAdapterImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.CrossAdapterImportForbidden("file"), "adapters depend only on the object engine")
}
