// Package types provides the wire-visible data types of ESLite: table
// definitions, migrations, deltas and sync states.
package types

// Row is a decoded row keyed by column name, as carried in snapshot and
// delta payloads.
type Row map[string]interface{}

// QueryResult is returned by the query engine to the host.
type QueryResult struct {
	Columns  []string        `json:"columns"`
	Rows     [][]interface{} `json:"rows"`
	RowCount int             `json:"row_count"`
}
