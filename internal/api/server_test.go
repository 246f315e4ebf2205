package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lora-edge/gatewayd/internal/config"
	"github.com/lora-edge/gatewayd/pkg/band"
)

type stubSource struct{}

func (stubSource) GatewayID() string  { return "gw-test" }
func (stubSource) PublicKey() []byte  { return []byte{0x01, 0x02} }
func (stubSource) SignUsage() uint64  { return 7 }
func (stubSource) SignFailClosed() bool { return false }
func (stubSource) SessionStates() map[string]string {
	return map[string]string{"wss://router.test/route": "connected"}
}
func (stubSource) Plan() *band.Plan {
	plan, _ := band.Default().Resolve("EU868")
	return plan
}
func (stubSource) Concentrators() []string { return []string{"0016c001f153a3e8"} }
func (stubSource) StartedAt() time.Time    { return time.Now().Add(-time.Minute) }

func testRequest(t *testing.T, s *Server, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestRoutesWithoutAuth(t *testing.T) {
	s := New(config.APIConfig{Host: "127.0.0.1", Port: 0}, stubSource{}, nil)

	rec := testRequest(t, s, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = testRequest(t, s, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "gw-test", status["gatewayID"])
	assert.Equal(t, "EU868", status["region"])
	assert.Equal(t, false, status["signFailClosed"])

	rec = testRequest(t, s, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	assert.Equal(t, "connected", sessions["wss://router.test/route"])

	rec = testRequest(t, s, "/api/v1/region", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = testRequest(t, s, "/api/v1/key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var key map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &key))
	assert.Equal(t, float64(7), key["usage"])
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	secret := "test-secret"
	s := New(config.APIConfig{Host: "127.0.0.1", Port: 0, JWTSecret: secret}, stubSource{}, nil)

	// Health stays open; the API surface does not.
	assert.Equal(t, http.StatusOK, testRequest(t, s, "/healthz", "").Code)
	assert.Equal(t, http.StatusUnauthorized, testRequest(t, s, "/api/v1/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, testRequest(t, s, "/api/v1/status", "not-a-jwt").Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, testRequest(t, s, "/api/v1/status", token).Code)

	wrong, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, testRequest(t, s, "/api/v1/status", wrong).Code)
}
