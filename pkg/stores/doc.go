// Package stores provides the SQLite persistence layer: the override
// request registry, a queryable mirror of the decision log chain, and
// signing key metadata. Schema changes ship as embedded migrations.
package stores
