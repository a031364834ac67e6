// Package settings holds the versioned, schema-validated configuration tree.
//
// Values are addressed by dotted paths ("api.timeout", "models.gpt-4o").
// Every write is validated against [Schema] before it is persisted, and
// listeners registered with [Store.OnChange] are called after the write is
// visible to readers. Trees written by older versions are migrated on load.
package settings
