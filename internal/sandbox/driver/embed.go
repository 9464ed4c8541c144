// Package driver owns the in-sandbox Checker Protocol script: the small
// program that actually runs inside the jail, in whatever interpreter the
// handler names, alongside the checker and submission it loads. It is
// carried as an embedded text asset - the same way this repo's reporter
// templates are embedded HTML rather than hand-built markup - because the
// script's language is dictated by the problem bundle's interpreter, not
// by this Go module.
package driver

import (
	"embed"
	"fmt"
)

//go:embed assets/*.py
var assetFS embed.FS

// assetNames maps an interpreter family name (as configured on
// CodejailConfig.Name) to the embedded script that implements the Checker
// Protocol for that family. Only "python" ships today; the shape exists so
// another interpreter's driver can be embedded alongside it without
// touching call sites.
var assetNames = map[string]string{
	"python": "driver_python.py",
}

// compareAssetNames maps an interpreter family to the script that invokes
// the checker's own compare_results function outside the jail (sandbox.CompareResults).
var compareAssetNames = map[string]string{
	"python": "compare_python.py",
}

// Asset returns the driver script's bytes and its on-disk basename for the
// named interpreter family.
func Asset(interpreter string) ([]byte, string, error) {
	return readAsset(assetNames, interpreter)
}

// CompareAsset returns the comparison-driver script's bytes and its
// on-disk basename for the named interpreter family.
func CompareAsset(interpreter string) ([]byte, string, error) {
	return readAsset(compareAssetNames, interpreter)
}

func readAsset(names map[string]string, interpreter string) ([]byte, string, error) {
	name, ok := names[interpreter]
	if !ok {
		return nil, "", fmt.Errorf("driver: no embedded asset for interpreter %q", interpreter)
	}
	data, err := assetFS.ReadFile("assets/" + name)
	if err != nil {
		return nil, "", fmt.Errorf("driver: reading embedded asset %s: %w", name, err)
	}
	return data, name, nil
}
