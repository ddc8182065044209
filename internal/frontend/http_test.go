package frontend

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/colabio/collab-core/internal/access"
	"github.com/colabio/collab-core/internal/collab"
	"github.com/colabio/collab-core/internal/docengine/jsonengine"
	"github.com/colabio/collab-core/internal/wire"
)

func signedToken(t *testing.T, secret []byte, uid, device string) string {
	t.Helper()
	var claims = jwt.MapClaims{
		"uid":       uid,
		"device_id": device,
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
	var tok = jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	var signed, err = tok.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestHTTPFallbackServeInit(t *testing.T) {
	var ctx = context.Background()
	var mgr = newTestManager(t, ctx)
	var id = collab.ID{WorkspaceID: "w", ObjectID: "doc1"}

	// Seed the object with some state so the fallback has something to
	// diff against.
	g, err := mgr.Ensure(ctx, id)
	require.NoError(t, err)
	var doc = jsonengine.Engine{}.New()
	payload, err := doc.(*jsonengine.Document).Set("title", []byte(`"hi"`), 1)
	require.NoError(t, err)
	require.NoError(t, g.HandleClientMessage(ctx, collab.Principal{UID: "owner", DeviceID: "d1"}, "origin-owner", []*wire.Frame{
		{Kind: wire.KindUpdate, Payload: payload},
	}))

	var secret = []byte("test-secret")
	var fallback = &HTTPFallback{
		Manager: mgr,
		Tokens:  access.NewHMACTokenResolver(secret),
		Access:  allowAllResolver{},
	}
	var r = mux.NewRouter()
	fallback.RegisterRoutes(r)

	var reqFrame, encErr = wire.Encode(&wire.Frame{ObjectID: "doc1", Kind: wire.KindInitSync, Payload: []byte{}})
	require.NoError(t, encErr)

	var req = httptest.NewRequest(http.MethodPost, "/collab/w/doc1/init", bytes.NewReader(reqFrame))
	req.Header.Set("Authorization", "Bearer "+signedToken(t, secret, "reader", "d2"))
	var rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	respFrame, decErr := wire.Decode(rec.Body.Bytes())
	require.NoError(t, decErr)
	require.Equal(t, wire.KindInitSync, respFrame.Kind)
	require.NotEmpty(t, respFrame.Payload)
}

func TestHTTPFallbackRejectsMissingToken(t *testing.T) {
	var ctx = context.Background()
	var mgr = newTestManager(t, ctx)

	var fallback = &HTTPFallback{
		Manager: mgr,
		Tokens:  access.NewHMACTokenResolver([]byte("secret")),
		Access:  allowAllResolver{},
	}
	var r = mux.NewRouter()
	fallback.RegisterRoutes(r)

	var req = httptest.NewRequest(http.MethodPost, "/collab/w/doc1/init", nil)
	var rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
