package policynet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cresconet/loadctl/pkg/config"
)

const loginResponseXML = `<?xml version="1.0"?>
<Envelope><Body><LoginResponse><sessionToken>tok-1</sessionToken></LoginResponse></Body></Envelope>`

func policyResponseXML(element string, status int, policyID int64) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<Envelope><Body><%s><statusCode>%d</statusCode><message>ok</message><policyId>%d</policyId></%s></Body></Envelope>`,
		element, status, policyID, element)
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.DefaultPolicyNetConfig()
	cfg.Endpoint = srv.URL
	cfg.Username = "loadctl"
	cfg.Password = "secret"
	cfg.MaxRetryElapsed = 2 * time.Second

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(cfg, logger), srv
}

func TestClientCreatePolicy(t *testing.T) {
	var sawLogin, sawCreate atomic.Bool
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.Header.Get("SOAPAction") {
		case "Login":
			sawLogin.Store(true)
			assert.Contains(t, string(body), "<username>loadctl</username>")
			fmt.Fprint(w, loginResponseXML)
		case "CreatePolicy":
			sawCreate.Store(true)
			assert.Contains(t, string(body), "tok-1")
			assert.Contains(t, string(body), "<switchState>OFF</switchState>")
			assert.Contains(t, string(body), "<meterSerialNumber>LG000001</meterSerialNumber>")
			fmt.Fprint(w, policyResponseXML("CreatePolicyResponse", 200, 101))
		default:
			t.Errorf("unexpected SOAPAction %q", r.Header.Get("SOAPAction"))
		}
	}))

	result, err := client.CreatePolicy(context.Background(), CreateInput{
		PolicyName: "DLCOverride(OFF)-LG000001-1767222000",
		Site:       "NMI0001",
		Meters:     []string{"LG000001"},
		Status:     "off",
		Start:      time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
		End:        time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, int64(101), result.PolicyID)
	assert.True(t, sawLogin.Load())
	assert.True(t, sawCreate.Load())
}

func TestClientReplacePolicyCarriesSupersededID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.Header.Get("SOAPAction") {
		case "Login":
			fmt.Fprint(w, loginResponseXML)
		case "CreatePolicy":
			assert.Contains(t, string(body), "<replacesPolicyId>9</replacesPolicyId>")
			fmt.Fprint(w, policyResponseXML("CreatePolicyResponse", 200, 10))
		}
	}))

	result, err := client.ReplacePolicy(context.Background(), CreateInput{
		PolicyName: "DLCOverride(ON)-LG000001-1767222000",
		Site:       "NMI0001",
		Meters:     []string{"LG000001"},
		Status:     "ON",
		Start:      time.Now(),
		End:        time.Now().Add(time.Hour),
	}, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.PolicyID)
}

func TestClientRetriesTransportErrors(t *testing.T) {
	var attempts atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("SOAPAction") == "Login" {
			fmt.Fprint(w, loginResponseXML)
			return
		}
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, policyResponseXML("DeployPolicyResponse", 200, 101))
	}))

	result, err := client.DeployPolicy(context.Background(), 101)
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
}

func TestClientReauthenticatesOnSessionFault(t *testing.T) {
	var logins atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.Header.Get("SOAPAction") {
		case "Login":
			n := logins.Add(1)
			fmt.Fprintf(w, `<?xml version="1.0"?>
<Envelope><Body><LoginResponse><sessionToken>tok-%d</sessionToken></LoginResponse></Body></Envelope>`, n)
		case "UndeployPolicy":
			if strings.Contains(string(body), "tok-1") {
				fmt.Fprint(w, `<?xml version="1.0"?>
<Envelope><Body><Fault><faultcode>Client.SessionExpired</faultcode><faultstring>session expired</faultstring></Fault></Body></Envelope>`)
				return
			}
			fmt.Fprint(w, policyResponseXML("UndeployPolicyResponse", 200, 101))
		}
	}))

	result, err := client.UndeployPolicy(context.Background(), 101)
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, int32(2), logins.Load())
}

func TestClientPolicyExists(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.Header.Get("SOAPAction") {
		case "Login":
			fmt.Fprint(w, loginResponseXML)
		case "GetPolicy":
			if strings.Contains(string(body), "<policyId>999</policyId>") {
				fmt.Fprint(w, policyResponseXML("GetPolicyResponse", 404, 0))
				return
			}
			fmt.Fprint(w, policyResponseXML("GetPolicyResponse", 200, 101))
		}
	}))

	exists, err := client.PolicyExists(context.Background(), 101)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = client.PolicyExists(context.Background(), 999)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClientSurfacesNonSessionFaults(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("SOAPAction") == "Login" {
			fmt.Fprint(w, loginResponseXML)
			return
		}
		fmt.Fprint(w, `<?xml version="1.0"?>
<Envelope><Body><Fault><faultcode>Server.Validation</faultcode><faultstring>bad window</faultstring></Fault></Body></Envelope>`)
	}))

	_, err := client.DeletePolicy(context.Background(), 101)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad window")
}
