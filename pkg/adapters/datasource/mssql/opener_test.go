package mssql

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-reports/pkg/adapters/datasource"
)

func TestOpener_DSN_Structured(t *testing.T) {
	o := NewOpener(15*time.Second, nil)

	driver, dsn, err := o.DSN(datasource.ConnectionConfig{
		Host:     "sql01.plant.local",
		Instance: "SQLEXPRESS",
		Port:     14330,
		Database: "plant",
		User:     "reporter",
		Password: "p@ss:word",
	})
	require.NoError(t, err)
	assert.Equal(t, "sqlserver", driver)

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "sqlserver", u.Scheme)
	assert.Equal(t, "sql01.plant.local:14330", u.Host)
	assert.Equal(t, "/SQLEXPRESS", u.Path)
	assert.Equal(t, "reporter", u.User.Username())
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss:word", pw)
	assert.Equal(t, "plant", u.Query().Get("database"))
	assert.Equal(t, "15", u.Query().Get("dial timeout"))
	assert.Equal(t, "ekaya-reports", u.Query().Get("app name"))
}

func TestOpener_DSN_RawConnectionString(t *testing.T) {
	o := NewOpener(0, nil)

	driver, dsn, err := o.DSN(datasource.ConnectionConfig{
		RawConnectionString: "Server=sql01;Database=plant;User Id=u;Password=p;",
	})
	require.NoError(t, err)
	assert.Equal(t, "sqlserver", driver)
	assert.Equal(t, "Server=sql01;Database=plant;User Id=u;Password=p;", dsn)
}

func TestOpener_DSN_RawConnectionStringGetsDialTimeout(t *testing.T) {
	o := NewOpener(10*time.Second, nil)

	_, dsn, err := o.DSN(datasource.ConnectionConfig{RawConnectionString: "Server=sql01;Database=plant"})
	require.NoError(t, err)
	assert.Equal(t, "Server=sql01;Database=plant;dial timeout=10;", dsn)

	_, dsn, err = o.DSN(datasource.ConnectionConfig{RawConnectionString: "Server=sql01;Dial Timeout=3;"})
	require.NoError(t, err)
	assert.Equal(t, "Server=sql01;Dial Timeout=3;", dsn)

	_, dsn, err = o.DSN(datasource.ConnectionConfig{RawConnectionString: "Server=sql01;Database=O'Hare;Dial Timeout=3;"})
	require.NoError(t, err)
	assert.Equal(t, "Server=sql01;Database=O'Hare;Dial Timeout=3;", dsn)
}

func TestOpener_DSN_AzureADUsesAzureDriver(t *testing.T) {
	o := NewOpener(0, nil)

	driver, _, err := o.DSN(datasource.ConnectionConfig{
		RawConnectionString: "Server=plant.database.windows.net;Database=plant;fedauth=ActiveDirectoryServicePrincipal;User Id=app@tenant;Password=secret;",
	})
	require.NoError(t, err)
	assert.Equal(t, "azuresql", driver)
}

func TestOpener_DSN_EmptyHost(t *testing.T) {
	_, _, err := NewOpener(0, nil).DSN(datasource.ConnectionConfig{Database: "plant"})
	assert.Error(t, err)
}

func TestOpener_OpenDoesNotDial(t *testing.T) {
	db, err := NewOpener(time.Second, nil).Open(context.Background(), datasource.ConnectionConfig{
		Host:     "sql01.invalid",
		Database: "plant",
		User:     "u",
		Password: "p",
	})
	require.NoError(t, err)
	assert.NoError(t, db.Close())
}
