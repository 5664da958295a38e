// Package mysql provides the execution history repositories. The SQL variant
// applies the embedded schema migrations on start; the memory variant keeps a
// bounded window of recent executions for development and tests.
package mysql
