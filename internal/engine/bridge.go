package engine

import (
	"context"
	"encoding/json"

	eserrors "github.com/polykit/eslite/internal/errors"
	"github.com/polykit/eslite/internal/migration"
	"github.com/polykit/eslite/internal/query"
	"github.com/polykit/eslite/pkg/types"
)

// The JSON bridge is the string-in, string-out surface for hosts that
// cannot call Go directly. Every function returns a JSON document; failures
// are reported as {"status": "error", "error": {...}} and never as a Go
// error.

// MigrateResult is the bridge reply of RunMigrationsJSON.
type MigrateResult struct {
	Status    string            `json:"status"`
	Namespace string            `json:"namespace,omitempty"`
	Applied   int               `json:"applied"`
	Version   uint32            `json:"version"`
	Error     *eserrors.Payload `json:"error,omitempty"`
}

// DeltaResult is the bridge reply of ApplyDeltaJSON.
type DeltaResult struct {
	Status string            `json:"status"`
	Table  string            `json:"table,omitempty"`
	State  *types.SyncState  `json:"state,omitempty"`
	Error  *eserrors.Payload `json:"error,omitempty"`
}

type errorResult struct {
	Status string           `json:"status"`
	Error  eserrors.Payload `json:"error"`
}

const (
	statusOK    = "ok"
	statusError = "error"
)

// RunMigrationsJSON decodes a JSON array of migrations and applies it to
// namespace. The reply carries the applied count and the resulting version,
// also on failure.
func (e *Engine) RunMigrationsJSON(ctx context.Context, namespace, migrationsJSON string) string {
	res := MigrateResult{Status: statusOK, Namespace: namespace}

	migrations, err := migration.DecodeMigrations([]byte(migrationsJSON))
	if err == nil {
		res.Applied, err = e.Migrate(ctx, namespace, migrations)
	}
	res.Version = e.CurrentVersion(namespace)
	if err != nil {
		p := eserrors.ToPayload(err)
		res.Status, res.Error = statusError, &p
	}
	return encode(res)
}

// ApplyDeltaJSON decodes one delta and applies it. The reply carries the
// table's state after the call.
func (e *Engine) ApplyDeltaJSON(ctx context.Context, deltaJSON string) string {
	var delta types.Delta
	if err := json.Unmarshal([]byte(deltaJSON), &delta); err != nil {
		return encodeError(eserrors.Wrap(eserrors.ErrCategorySync, eserrors.CodeInvalidDelta, "invalid delta JSON", err))
	}

	res := DeltaResult{Status: statusOK, Table: delta.Table}
	err := e.ApplyDelta(ctx, delta)
	st := e.State(delta.Table)
	res.State = &st
	if err != nil {
		p := eserrors.ToPayload(err)
		res.Status, res.Error = statusError, &p
	}
	return encode(res)
}

// QueryJSON runs a filter against table and returns the query result. The
// filter may omit the table; if it names one it must match.
func (e *Engine) QueryJSON(ctx context.Context, table, filterJSON string) string {
	q := &query.Query{}
	if filterJSON != "" {
		if err := json.Unmarshal([]byte(filterJSON), q); err != nil {
			return encodeError(eserrors.Wrap(eserrors.ErrCategoryQuery, eserrors.CodeInvalidQuery, "invalid filter JSON", err))
		}
	}
	switch {
	case q.Table == "":
		q.Table = table
	case table != "" && q.Table != table:
		return encodeError(eserrors.NewQueryError(eserrors.CodeInvalidQuery, "filter table does not match the queried table").
			WithDetails(map[string]interface{}{"table": table, "filter_table": q.Table}))
	}

	result, err := e.Query(ctx, q)
	if err != nil {
		return encodeError(err)
	}
	return encode(result)
}

func encodeError(err error) string {
	return encode(errorResult{Status: statusError, Error: eserrors.ToPayload(err)})
}

func encode(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(errorResult{Status: statusError, Error: eserrors.ToPayload(
			eserrors.NewInternalError("failed to encode reply", err))})
	}
	return string(data)
}
