package ion

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilestream/tilestream/pkg/retry"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}
}

func TestConnection_Me(t *testing.T) {
	f := newFakeIon(t)
	c := NewConnection(nil, f.URL, "good")
	assert.Equal(t, f.URL+"/", c.APIURL())

	resp := c.Me(context.Background())
	require.NoError(t, resp.Err())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(7), resp.Value.ID)
	assert.Equal(t, int64(10), resp.Value.Storage.Total)
	assert.True(t, resp.Value.EmailVerified)
}

func TestConnection_InvalidCredentials(t *testing.T) {
	f := newFakeIon(t)
	c := NewConnection(nil, f.URL, "bad")

	resp := c.Assets(context.Background())
	assert.Nil(t, resp.Value)
	assert.True(t, resp.InvalidCredentials())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.EqualError(t, resp.Err(), "bad token (Code InvalidCredentials)")
}

func TestConnection_BareUnauthorizedIsInvalidCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	resp := NewConnection(nil, srv.URL, "x").Defaults(context.Background())
	assert.True(t, resp.InvalidCredentials())
}

func TestConnection_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"applicationMode":"production","dataStoreType":"S3","attribution":"ion"}`)
	}))
	defer srv.Close()

	c := NewConnection(nil, srv.URL, "x")
	c.SetRetry(fastRetry())
	resp := c.AppData(context.Background())
	require.NoError(t, resp.Err())
	assert.Equal(t, "S3", resp.Value.DataStoreType)
	assert.Equal(t, int32(3), calls.Load())
}

func TestConnection_ParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":`)
	}))
	defer srv.Close()

	resp := NewConnection(nil, srv.URL, "x").Tokens(context.Background())
	assert.Nil(t, resp.Value)
	assert.Equal(t, ErrorCodeParse, resp.ErrorCode)
}

func TestConnection_AssetEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ion/v1/assets/42/endpoint", r.URL.Path)
		fmt.Fprint(w, `{"type":"3DTILES","url":"https://assets.example/42/tileset.json","accessToken":"asset-token"}`)
	}))
	defer srv.Close()

	resp := NewConnection(nil, srv.URL+"/ion", "x").AssetEndpoint(context.Background(), 42)
	require.NoError(t, resp.Err())
	assert.Equal(t, "asset-token", resp.Value.AccessToken)
}

func TestAPIURL(t *testing.T) {
	f := newFakeIon(t)
	got, err := APIURL(context.Background(), nil, f.URL)
	require.NoError(t, err)
	assert.Equal(t, f.URL+"/", got)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()
	_, err = APIURL(context.Background(), nil, srv.URL)
	assert.Error(t, err)
}

func TestTokenID(t *testing.T) {
	id, ok := TokenID(signedToken(t, "abc"))
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = TokenID("garbage")
	assert.False(t, ok)

	_, ok = TokenID(signedToken(t, ""))
	assert.False(t, ok)
}

func TestResponseError(t *testing.T) {
	assert.EqualError(t, &ResponseError{StatusCode: 500}, "request failed with status 500")
	assert.EqualError(t, &ResponseError{Code: "X"}, "Code X")
	assert.EqualError(t, &ResponseError{Message: "boom"}, "boom")
	assert.NoError(t, Response[Profile]{Value: &Profile{}}.Err())
}
