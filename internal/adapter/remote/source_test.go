package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"KeyCompare/internal/adapter"
	"KeyCompare/internal/config"
	"KeyCompare/internal/model"
	"KeyCompare/internal/utils/httpclient"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/runs/7", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(model.ComparisonRun{ID: 7, FileA: "a.csv", FileB: "b.csv", RowsA: 2, RowsB: 1})
	})
	mux.HandleFunc("/runs/7/combinations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"side_a":[{"columns":"id, date","uniqueness_score":100}],"side_b":[{"columns":"date,id","uniqueness_score":50}]}`))
	})
	mux.HandleFunc("/runs/7/rows", func(w http.ResponseWriter, r *http.Request) {
		side := r.URL.Query().Get("side")
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, `{"row_index":%d,"values":{"id":"%s%d","qty":%d,"memo":null}}`+"\n", i, side, i, i*10)
		}
	})
	return httptest.NewServer(mux)
}

func TestSource_GetRunAndCombinations(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	src := NewSource(srv.URL+"/", "secret", httpclient.NewHTTPClient(httpclient.Options{}, logrus.New()), logrus.New())

	run, err := src.GetRun(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "a.csv", run.FileA)
	assert.Equal(t, int64(2), run.RowsA)

	res, err := src.ListCombinationResults(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, res.SideA, 1)
	require.Len(t, res.SideB, 1)
	assert.Equal(t, "date,id", res.SideA[0].ColumnsKey)
	assert.Equal(t, model.SideA, res.SideA[0].Side)
	assert.Equal(t, "date,id", res.SideB[0].ColumnsKey)
	assert.True(t, res.SideA[0].IsUniqueKey())
}

func TestSource_IterateRowsStreams(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	src := NewSource(srv.URL, "secret", http.DefaultClient, logrus.New())

	var got, qty []string
	err := src.IterateRows(context.Background(), 7, model.SideB, func(row model.Row) error {
		got = append(got, row.Values["id"])
		qty = append(qty, row.Values["qty"])
		assert.Equal(t, "", row.Values["memo"])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b0", "b1", "b2"}, got)
	// 数值列按字面量转为字符串
	assert.Equal(t, []string{"0", "10", "20"}, qty)

	stop := errors.New("stop")
	err = src.IterateRows(context.Background(), 7, model.SideA, func(row model.Row) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestSource_NotFound(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	src := NewSource(srv.URL, "", http.DefaultClient, logrus.New())

	_, err := src.GetRun(context.Background(), 99)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestFactoryRegistered(t *testing.T) {
	factory, ok := adapter.GetFactory(Kind)
	require.True(t, ok)

	_, err := factory(&config.SourceConfig{Kind: Kind}, nil, logrus.New())
	assert.Error(t, err, "base_url is required")

	src, err := adapter.NewRowSource(&config.SourceConfig{Kind: Kind, BaseURL: "http://localhost:1"}, nil, logrus.New())
	require.NoError(t, err)
	assert.Equal(t, Kind, src.GetName())

	_, err = adapter.NewRowSource(&config.SourceConfig{Kind: "ftp"}, nil, logrus.New())
	assert.Error(t, err)
}
