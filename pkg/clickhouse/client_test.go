package clickhouse

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDSN(t *testing.T) {
	dsn := BuildDSN(ClientConfig{
		Host:        "ch",
		Port:        9000,
		Database:    "tiwatcher",
		User:        "default",
		Password:    "p@ss",
		DialTimeout: 5 * time.Second,
		MaxExecTime: 30 * time.Second,
		AsyncInsert: true,
	})

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "clickhouse", u.Scheme)
	assert.Equal(t, "ch:9000", u.Host)
	assert.Equal(t, "/tiwatcher", u.Path)
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss", pw)
	assert.Equal(t, "5s", u.Query().Get("dial_timeout"))
	assert.Equal(t, "30", u.Query().Get("max_execution_time"))
	assert.Equal(t, "1", u.Query().Get("async_insert"))
	assert.Empty(t, u.Query().Get("wait_for_async_insert"))
}

func TestBuildDSNHTTP(t *testing.T) {
	dsn := BuildDSN(ClientConfig{Host: "ch", Port: 8123, Database: "d", UseHTTP: true})
	assert.Contains(t, dsn, "http://")
}

func TestArchiveTableDDL(t *testing.T) {
	ddl := ArchiveTableDDL("connections_archive")
	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS connections_archive")
	assert.Contains(t, ddl, "MergeTree")
}
