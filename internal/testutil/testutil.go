// Package testutil provides test helpers for msgnarrow tests.
//
// The package is organized into focused files:
//   - assert.go: assertion helpers (MustNoErr, AssertEqualSlices)
//   - store_helpers.go: database test setup (NewTestStore)
//   - fixture.go: realm, user, stream and message builders
package testutil
