package remotesql

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/MarcoPoloResearchLab/doorsync/internal/nodes"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newRemoteServer(t *testing.T) (*Manager, *Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "remote.db"), nil)
	require.NoError(t, err)
	sqlxDB, err := NewDatabase(db)
	require.NoError(t, err)
	sqlxDB.SetMaxOpenConns(4)
	t.Cleanup(func() { _ = sqlxDB.Close() })

	_, err = sqlxDB.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL, weight REAL, payload BLOB)")
	require.NoError(t, err)

	manager, err := NewManager(ManagerConfig{Database: sqlxDB, MaxConnections: 2})
	require.NoError(t, err)
	t.Cleanup(manager.CloseAll)

	router := gin.New()
	NewHandler(manager, nil).Register(router.Group("/remotesql"))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return manager, NewClient(ClientConfig{
		BaseURL:     server.URL + "/remotesql",
		Credentials: nodes.Credentials{NodeID: 2, AuthSecret: "secret"},
	})
}

func TestPreparedStatementsRoundTrip(t *testing.T) {
	_, client := newRemoteServer(t)
	ctx := context.Background()

	conn, err := client.Open(ctx)
	require.NoError(t, err)
	defer conn.Close(ctx)

	insert, err := conn.Prepare(ctx, "INSERT INTO items (id, name, weight, payload) VALUES (?, ?, ?, ?)")
	require.NoError(t, err)
	result, err := insert.Update(ctx, int64(1), "anvil", 12.5, []byte{0x01, 0x02})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.UpdateCount)
	_, err = insert.Update(ctx, int64(2), "feather", nil, nil)
	require.NoError(t, err)
	require.NoError(t, insert.Close(ctx))

	query, err := conn.Prepare(ctx, "SELECT id, name, weight FROM items WHERE id >= ? ORDER BY id")
	require.NoError(t, err)
	rows, err := query.Query(ctx, int64(1))
	require.NoError(t, err)
	require.Equal(t, []string{"id", "name", "weight"}, rows.Columns)
	require.Equal(t, [][]any{{float64(1), "anvil", 12.5}, {float64(2), "feather", nil}}, rows.Rows)

	_, err = insert.Update(ctx, int64(3), "closed", nil, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.Equal(t, "unknown_prepared_statement", apiErr.Code)
}

func TestManualCommitControlsVisibility(t *testing.T) {
	_, client := newRemoteServer(t)
	ctx := context.Background()

	writer, err := client.Open(ctx)
	require.NoError(t, err)
	reader, err := client.Open(ctx)
	require.NoError(t, err)

	require.NoError(t, writer.SetAutoCommit(ctx, false))
	_, err = writer.Update(ctx, "INSERT INTO items (id, name) VALUES (10, 'pending')")
	require.NoError(t, err)

	rows, err := reader.Query(ctx, "SELECT COUNT(*) AS n FROM items")
	require.NoError(t, err)
	require.Equal(t, [][]any{{float64(0)}}, rows.Rows)

	require.NoError(t, writer.Commit(ctx))
	rows, err = reader.Query(ctx, "SELECT COUNT(*) AS n FROM items")
	require.NoError(t, err)
	require.Equal(t, [][]any{{float64(1)}}, rows.Rows)

	_, err = writer.Update(ctx, "INSERT INTO items (id, name) VALUES (11, 'discarded')")
	require.NoError(t, err)
	require.NoError(t, writer.Close(ctx))

	rows, err = reader.Query(ctx, "SELECT COUNT(*) AS n FROM items")
	require.NoError(t, err)
	require.Equal(t, [][]any{{float64(1)}}, rows.Rows)
	require.NoError(t, reader.Close(ctx))
}

func TestConnectionLimitsAndErrors(t *testing.T) {
	manager, client := newRemoteServer(t)
	ctx := context.Background()

	first, err := client.Open(ctx)
	require.NoError(t, err)
	_, err = client.Open(ctx)
	require.NoError(t, err)
	_, err = client.Open(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	require.Equal(t, 2, manager.OpenConnections())

	err = first.Commit(ctx)
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	_, err = first.Update(ctx, "INSERT INTO missing_table VALUES (1)")
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "sql_error", apiErr.Code)

	require.NoError(t, first.Close(ctx))
	err = first.Close(ctx)
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "unknown_connection", apiErr.Code)
}

func TestParamDecode(t *testing.T) {
	stamp := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	cases := []struct {
		param Param
		want  any
	}{
		{NewParam(1, nil), nil},
		{NewParam(1, int64(42)), int64(42)},
		{NewParam(1, int32(7)), int64(7)},
		{NewParam(1, true), true},
		{NewParam(1, 2.5), 2.5},
		{NewParam(1, "text"), "text"},
		{NewParam(1, []byte("raw")), []byte("raw")},
		{NewParam(1, stamp), stamp},
		{Param{Index: 1, Value: []string{"2024-05-01"}, SQLType: TypeDate}, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := tc.param.Decode()
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	_, err := Param{Index: 1, Value: []string{"x"}, SQLType: 2000}.Decode()
	require.ErrorIs(t, err, ErrUnsupportedSQLType)

	_, err = decodeParams([]Param{{Index: 0, Value: []string{"1"}, SQLType: TypeInteger}})
	require.Error(t, err)

	args, err := decodeParams([]Param{
		{Index: 2, Value: []string{"b"}, SQLType: TypeVarChar},
		{Index: 1, Value: []string{"5"}, SQLType: TypeInteger},
	})
	require.NoError(t, err)
	require.Equal(t, []any{int64(5), "b"}, args)
}
