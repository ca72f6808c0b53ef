//go:build tools
// +build tools

// Package tools pins the code generation and lint tooling used by go:generate directives.
package tools

import (
	_ "golang.org/x/lint/golint"
	_ "golang.org/x/tools/cmd/stringer"
)
