package ims

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csv-import-service/internal/models"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:           srv.URL,
		APIKey:            "key-123",
		Token:             "Bearer token-456",
		RequestsPerSecond: 1000,
	}, nil)
}

func TestCreateSendsAuthHeaders(t *testing.T) {
	var gotAuth, gotKey string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("x-api-key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1"}`))
	})

	created, err := client.Create(context.Background(), "products", map[string]interface{}{"productNumber": "P-1"})
	require.NoError(t, err)
	assert.Equal(t, "1", created["id"])
	assert.Equal(t, "Bearer token-456", gotAuth)
	assert.Equal(t, "key-123", gotKey)
}

func TestValidationResponseBecomesValidationError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"messageCode":"duplicate_Product","messageType":"ERROR","messageText":"Product already exists"}`))
	})

	_, err := client.Create(context.Background(), "products", map[string]interface{}{})
	require.Error(t, err)

	verr, ok := AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, "duplicate_Product", verr.MessageCode)
	assert.Equal(t, "ERROR", verr.MessageType)
	assert.Equal(t, "Product already exists", verr.MessageText)
}

func TestServerFaultIsNotValidationError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Create(context.Background(), "products", map[string]interface{}{})
	require.Error(t, err)
	_, ok := AsValidation(err)
	assert.False(t, ok)
}

func TestListAppliesFilter(t *testing.T) {
	var gotQuery string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[{"id":42},{"id":43}]`))
	})

	matches, err := client.List(context.Background(), "globalTradeItems", map[string][]string{"tradeItemNumberMatches": {"543"}})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, float64(42), matches[0]["id"])
	assert.Equal(t, "tradeItemNumberMatches=543", gotQuery)
}

func TestUpdatePatchesResource(t *testing.T) {
	var gotMethod, gotPath string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"id":"9"}`))
	})

	_, err := client.Update(context.Background(), "shipments", "9", map[string]interface{}{"carrier": "DHL"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/shipments/9", gotPath)
}

func TestPostEventMessage(t *testing.T) {
	var gotPath string
	var gotMsg models.EventMessage
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotMsg))
		w.WriteHeader(http.StatusCreated)
	})

	msg := models.NewEventMessage(models.MessageTypeInfo, "Dispatched 3 lines", "user-1", "device-1")
	require.NoError(t, client.PostEventMessage(context.Background(), "ev-1", msg))
	assert.Equal(t, "/events/ev-1/messages", gotPath)
	assert.Equal(t, models.EventMessageSource, gotMsg.Source)
	assert.Equal(t, "Dispatched 3 lines", gotMsg.MessageText)
}

func TestSuccessfulRequestIsLogged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"1"}`))
	}))
	t.Cleanup(srv.Close)

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	client := NewClient(Config{BaseURL: srv.URL, RequestsPerSecond: 1000}, logger)

	_, err := client.Create(context.Background(), "products", map[string]interface{}{"productNumber": "P-1"})
	require.NoError(t, err)

	require.NotEmpty(t, hook.Entries)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.DebugLevel, entry.Level)
	assert.Equal(t, "Remote API request succeeded", entry.Message)
	assert.Equal(t, "products", entry.Data["path"])
	assert.Equal(t, http.StatusOK, entry.Data["status"])
}

func TestGetContext(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/contexts/ctx-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"ctx-1","dataDocument":"{\"CSVImport\":[]}"}`))
	})

	dataContext, err := client.GetContext(context.Background(), "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, "ctx-1", dataContext.ID)
	assert.JSONEq(t, `{"CSVImport":[]}`, dataContext.DataDocument)
}
