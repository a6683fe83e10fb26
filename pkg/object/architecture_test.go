package object

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestCoreDoesNotImportAdapters ensures the object engine stays free of
// storage adapter dependencies. Adapters import the engine for its port
// interfaces, never the other way around.
func TestCoreDoesNotImportAdapters(t *testing.T) {
	adapterPrefix := "smartobject/pkg/storage"
	corePrefix := "smartobject/pkg/object"

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, corePrefix, "smartobject/pkg/syncer")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	var violations []string
	for _, pkg := range pkgs {
		for importPath := range pkg.Imports {
			if importPath == adapterPrefix || strings.HasPrefix(importPath, adapterPrefix+"/") {
				violations = append(violations, pkg.PkgPath+": "+importPath)
			}
		}
	}
	if len(violations) > 0 {
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden adapter import: %s", v)
		}
		t.Fatalf("found %d forbidden adapter imports", len(violations))
	}
}
