// Package types provides core types shared across the ireader engine.
// This package has ZERO dependencies on other ireader packages to avoid
// circular imports. All other packages should import types from here.
package types
