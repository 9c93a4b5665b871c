package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"openbooking/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHarvestCommand(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "client-1", r.Header.Get(api.HeaderClientID))
		if r.URL.Query().Get("afterId") == "" {
			fmt.Fprintf(w, `{"next":"%s/orders-rpde?afterTimestamp=5&afterId=o1","items":[{"id":"o1","kind":"Order","state":"updated","modified":5,"data":{"@type":"Order"}}]}`, srv.URL)
			return
		}
		fmt.Fprintf(w, `{"next":"%s","items":[]}`, r.URL.String())
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{srv.URL + "/orders-rpde", "--client-id", "client-1"})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	assert.JSONEq(t, `{"id":"o1","kind":"Order","state":"updated","modified":5,"data":{"@type":"Order"}}`, lines[0])
}

func TestHarvestCommandNeedsURL(t *testing.T) {
	cmd := newRootCommand(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs(nil)
	assert.Error(t, cmd.Execute())
}

func TestFollowNeedsInterval(t *testing.T) {
	cmd := newRootCommand(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"http://localhost/feed", "--follow", "--interval", "0s"})
	assert.ErrorContains(t, cmd.Execute(), "interval")
}
