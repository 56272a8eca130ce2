package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectDownloadURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"onedrive short link",
			"https://1drv.ms/x/s!AbCdEf",
			"https://1drv.ms/x/s!AbCdEf?download=1",
		},
		{
			"link with existing query",
			"https://1drv.ms/x/s!AbCdEf?e=xyz",
			"https://1drv.ms/x/s!AbCdEf?e=xyz&download=1",
		},
		{
			"outlook view link",
			"https://outlook.live.com/owa/view.aspx?id=1",
			"https://outlook.live.com/owa/download.aspx?id=1",
		},
		{
			"already direct",
			"https://1drv.ms/x/s!AbCdEf?download=1",
			"https://1drv.ms/x/s!AbCdEf?download=1",
		},
		{
			"download path passthrough",
			"https://host/files/download?id=9",
			"https://host/files/download?id=9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DirectDownloadURL(tt.in))
		})
	}
}

func TestClassifyShareStatus(t *testing.T) {
	assert.NoError(t, classifyShareStatus(200))
	assert.NoError(t, classifyShareStatus(204))
	assert.ErrorIs(t, classifyShareStatus(401), ErrShareExpired)
	assert.ErrorIs(t, classifyShareStatus(403), ErrShareExpired)
	assert.ErrorIs(t, classifyShareStatus(404), ErrSourceUnreachable)
	assert.ErrorIs(t, classifyShareStatus(500), ErrSourceUnreachable)
}

func newShareConnector(url string) *CloudShare {
	return NewCloudShare(url, "ventas.csv", 1<<20, 5*time.Second, 2*time.Second)
}

func TestCloudShareValidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newShareConnector(srv.URL)
	assert.NoError(t, c.Validate(context.Background()))
}

func TestCloudShareValidateExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newShareConnector(srv.URL)
	assert.ErrorIs(t, c.Validate(context.Background()), ErrShareExpired)
}

func TestCloudShareReadsCSV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "download=1")
		w.Write([]byte("\xEF\xBB\xBFNombre,Edad\nAna,34\nLuis,29\n"))
	}))
	defer srv.Close()

	c := newShareConnector(srv.URL)

	containers, err := c.ListContainers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ventas"}, containers)

	samples, err := c.ReadSchema(context.Background(), "ventas", 100)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "Nombre", samples[0].Name, "BOM must not leak into the first header")
	assert.Equal(t, []string{"Ana", "Luis"}, samples[0].Samples)

	rows, err := c.FetchRows(context.Background(), "ventas", []string{"Edad"})
	require.NoError(t, err)
	defer rows.Close()

	var got []string
	for rows.Next() {
		got = append(got, rows.Row()[0])
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"34", "29"}, got)
}

func TestCloudShareRefetchesOnEveryCall(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("A\n1\n"))
	}))
	defer srv.Close()

	c := newShareConnector(srv.URL)
	_, err := c.ReadSchema(context.Background(), "ventas", 10)
	require.NoError(t, err)
	_, err = c.ReadSchema(context.Background(), "ventas", 10)
	require.NoError(t, err)

	assert.Equal(t, 2, calls, "no cross-call caching")
}

func TestCloudShareSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	c := NewCloudShare(srv.URL, "big.csv", 1024, 5*time.Second, 2*time.Second)
	_, err := c.ReadSchema(context.Background(), "big", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}
