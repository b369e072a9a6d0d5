// Package remotesql exposes a connection-oriented SQL protocol over HTTP for nodes that reach
// the networked engine through a peer instead of a direct driver connection.
package remotesql

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Route suffixes under the remote SQL group.
const (
	PathOpen                   = "/connection/open"
	PathClose                  = "/connection/:connectionId/close"
	PathStatementQuery         = "/connection/:connectionId/statement/query"
	PathStatementUpdate        = "/connection/:connectionId/statement/update"
	PathPreparedStatementNew   = "/connection/:connectionId/preparedStatement/create"
	PathPreparedStatementQuery = "/connection/:connectionId/preparedStatement/query"
	PathPreparedStatementExec  = "/connection/:connectionId/preparedStatement/update"
	PathPreparedStatementClose = "/connection/:connectionId/preparedStatement/close"
	PathSetAutoCommit          = "/connection/:connectionId/setAutoCommit"
	PathCommit                 = "/connection/:connectionId/commit"
)

// SQL type codes carried by prepared statement parameters. The numbering follows the
// java.sql.Types constants so existing JVM peers interoperate.
const (
	TypeNull          = 0
	TypeBit           = -7
	TypeTinyInt       = -6
	TypeSmallInt      = 5
	TypeInteger       = 4
	TypeBigInt        = -5
	TypeFloat         = 6
	TypeReal          = 7
	TypeDouble        = 8
	TypeNumeric       = 2
	TypeDecimal       = 3
	TypeChar          = 1
	TypeVarChar       = 12
	TypeLongVarChar   = -1
	TypeDate          = 91
	TypeTime          = 92
	TypeTimestamp     = 93
	TypeBinary        = -2
	TypeVarBinary     = -3
	TypeLongVarBinary = -4
	TypeBoolean       = 16
)

// ErrUnsupportedSQLType reports a parameter type code with no conversion.
var ErrUnsupportedSQLType = errors.New("remotesql: unsupported sql type")

// OpenConnectionResponse identifies a newly opened connection.
type OpenConnectionResponse struct {
	ConnectionID int64 `json:"connectionId"`
}

// StatementRequest carries a one-shot SQL statement.
type StatementRequest struct {
	SQL string `json:"sql"`
}

// PreparedStatementCreateRequest prepares SQL on a connection.
type PreparedStatementCreateRequest struct {
	SQL string `json:"sql"`
}

// PreparedStatementCreateResponse identifies a prepared statement within its connection.
type PreparedStatementCreateResponse struct {
	PreparedStatementID int64 `json:"preparedStatementId"`
}

// Param binds one positional parameter. Index is 1-based; an empty Value binds NULL.
type Param struct {
	Index   int      `json:"index"`
	Value   []string `json:"value"`
	SQLType int      `json:"sqlType"`
}

// PreparedStatementRequest executes or closes a prepared statement.
type PreparedStatementRequest struct {
	PreparedStatementID int64   `json:"preparedStatementId"`
	Params              []Param `json:"params,omitempty"`
}

// AutoCommitRequest toggles auto-commit on a connection.
type AutoCommitRequest struct {
	AutoCommit bool `json:"autoCommit"`
}

// QueryResult is a fully materialized result set.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// UpdateResult reports the outcome of a data-modifying statement.
type UpdateResult struct {
	UpdateCount  int64 `json:"updateCount"`
	LastInsertID int64 `json:"lastInsertId,omitempty"`
}

// NewParam builds a parameter from a Go value, choosing the matching type code.
func NewParam(index int, value any) Param {
	switch v := value.(type) {
	case nil:
		return Param{Index: index, SQLType: TypeNull}
	case bool:
		return Param{Index: index, Value: []string{strconv.FormatBool(v)}, SQLType: TypeBoolean}
	case int:
		return Param{Index: index, Value: []string{strconv.Itoa(v)}, SQLType: TypeBigInt}
	case int32:
		return Param{Index: index, Value: []string{strconv.FormatInt(int64(v), 10)}, SQLType: TypeInteger}
	case int64:
		return Param{Index: index, Value: []string{strconv.FormatInt(v, 10)}, SQLType: TypeBigInt}
	case float64:
		return Param{Index: index, Value: []string{strconv.FormatFloat(v, 'g', -1, 64)}, SQLType: TypeDouble}
	case []byte:
		return Param{Index: index, Value: []string{base64.StdEncoding.EncodeToString(v)}, SQLType: TypeVarBinary}
	case time.Time:
		return Param{Index: index, Value: []string{v.UTC().Format(time.RFC3339Nano)}, SQLType: TypeTimestamp}
	default:
		return Param{Index: index, Value: []string{fmt.Sprint(v)}, SQLType: TypeVarChar}
	}
}

// Decode converts the transmitted string form back into a driver value.
func (p Param) Decode() (any, error) {
	if len(p.Value) == 0 || p.SQLType == TypeNull {
		return nil, nil
	}
	raw := p.Value[0]
	switch p.SQLType {
	case TypeChar, TypeVarChar, TypeLongVarChar:
		return raw, nil
	case TypeTinyInt, TypeSmallInt, TypeInteger, TypeBigInt:
		return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	case TypeFloat, TypeReal, TypeDouble, TypeNumeric, TypeDecimal:
		return strconv.ParseFloat(strings.TrimSpace(raw), 64)
	case TypeBit, TypeBoolean:
		return strconv.ParseBool(strings.TrimSpace(raw))
	case TypeBinary, TypeVarBinary, TypeLongVarBinary:
		return base64.StdEncoding.DecodeString(raw)
	case TypeDate:
		return time.Parse(time.DateOnly, raw)
	case TypeTime:
		return time.Parse(time.TimeOnly, raw)
	case TypeTimestamp:
		return time.Parse(time.RFC3339Nano, raw)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSQLType, p.SQLType)
	}
}

func decodeParams(params []Param) ([]any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	size := 0
	for _, param := range params {
		if param.Index < 1 {
			return nil, fmt.Errorf("remotesql: parameter index %d out of range", param.Index)
		}
		if param.Index > size {
			size = param.Index
		}
	}
	args := make([]any, size)
	for _, param := range params {
		value, err := param.Decode()
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", param.Index, err)
		}
		args[param.Index-1] = value
	}
	return args, nil
}
