package importer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csv-import-service/internal/dispatch"
	"csv-import-service/internal/fileset"
	"csv-import-service/internal/ims"
	"csv-import-service/internal/models"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []dispatch.Message
}

func (p *fakePublisher) Publish(_ context.Context, msg dispatch.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

type fakeFetcher struct {
	content []byte
	url     string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.url = url
	return f.content, nil
}

// fakeIMS records event messages and serves data contexts.
type fakeIMS struct {
	mu       sync.Mutex
	messages []models.EventMessage
	contexts map[string]models.Context
}

func (f *fakeIMS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost:
		var msg models.EventMessage
		_ = json.NewDecoder(r.Body).Decode(&msg)
		f.mu.Lock()
		f.messages = append(f.messages, msg)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	case r.Method == http.MethodGet:
		id := r.URL.Path[len("/contexts/"):]
		f.mu.Lock()
		dataContext, ok := f.contexts[id]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(dataContext)
	}
}

func (f *fakeIMS) posted() []models.EventMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.EventMessage(nil), f.messages...)
}

type testHarness struct {
	importer  *Importer
	publisher *fakePublisher
	fetcher   *fakeFetcher
	ims       *fakeIMS
}

func newHarness(t *testing.T, content string) *testHarness {
	t.Helper()
	api := &fakeIMS{contexts: make(map[string]models.Context)}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	client := ims.NewClient(ims.Config{BaseURL: srv.URL, RequestsPerSecond: 1000}, nil)
	publisher := &fakePublisher{}
	fetcher := &fakeFetcher{content: []byte(content)}
	return &testHarness{
		importer:  New(client, publisher, fetcher, 10, nil),
		publisher: publisher,
		fetcher:   fetcher,
		ims:       api,
	}
}

func dataDocument(t *testing.T, filesets []fileset.Fileset) json.RawMessage {
	t.Helper()
	doc, err := json.Marshal(fileset.Document{CSVImport: filesets})
	require.NoError(t, err)
	return doc
}

func orderEvent(t *testing.T, filesets []fileset.Fileset) *models.FileAttachedEvent {
	return &models.FileAttachedEvent{
		EventID:      "ev-1",
		DataDocument: dataDocument(t, filesets),
		EntityName:   "purchaseOrders",
		FileName:     "orders.csv",
		URL:          "https://files.example.com/orders.csv",
		UserID:       "user-1",
		DeviceName:   "device-1",
	}
}

func TestHandleFileAttachedDispatchesRowsAcrossLanes(t *testing.T) {
	h := newHarness(t, "sku,qty\nA,1\nB,2\nC,3\n")
	event := orderEvent(t, []fileset.Fileset{{
		EntityName:      "purchaseOrders",
		FileNamePattern: `.*\.csv`,
		ResourceName:    "inboundShipmentLines",
		NumWriters:      2,
	}})

	result, err := h.importer.HandleFileAttached(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, result.Status)
	assert.Equal(t, 3, result.Lines)
	assert.Equal(t, "https://files.example.com/orders.csv", h.fetcher.url)

	require.Len(t, h.publisher.messages, 3)
	lanes := make([]int, 0, 3)
	for i, msg := range h.publisher.messages {
		lanes = append(lanes, msg.Lane)
		assert.Equal(t, "ev-1#"+strconv.Itoa(i), msg.DedupID)
		assert.Equal(t, i, msg.Payload.Metadata.LineNumber)
		assert.Equal(t, 3, msg.Payload.Metadata.NumLines)
		assert.Equal(t, "inboundShipmentLines", msg.Payload.Metadata.ResourceName)
		assert.Equal(t, "orders.csv", msg.Payload.Metadata.FileName)
		assert.Equal(t, "ev-1", msg.Payload.Metadata.EventID)
		assert.Equal(t, "user-1", msg.Payload.Metadata.UserID)
	}
	assert.Equal(t, []int{0, 1, 0}, lanes)

	assert.Equal(t, map[string]interface{}{"sku": "B", "qty": "2"}, h.publisher.messages[1].Payload.Fields)

	posted := h.ims.posted()
	require.Len(t, posted, 1)
	assert.Equal(t, models.MessageTypeInfo, posted[0].MessageType)
	assert.Equal(t, "Dispatched 3 lines from file orders.csv", posted[0].MessageText)
	assert.Equal(t, models.EventMessageSource, posted[0].Source)
}

func TestHandleFileAttachedAppliesEnrichment(t *testing.T) {
	h := newHarness(t, "sku\nA\n")
	event := orderEvent(t, []fileset.Fileset{{
		EntityName:      "purchaseOrders",
		FileNamePattern: `.*`,
		ResourceName:    "inboundShipmentLines",
		Enrichment: map[string]interface{}{
			"supplierNumber": "$supplier",
			"currencyCode":   "DKK",
		},
	}})
	event.Data = map[string]interface{}{"supplier": "SUP-9"}

	_, err := h.importer.HandleFileAttached(context.Background(), event)
	require.NoError(t, err)

	require.Len(t, h.publisher.messages, 1)
	fields := h.publisher.messages[0].Payload.Fields
	assert.Equal(t, "SUP-9", fields["supplierNumber"])
	assert.Equal(t, "DKK", fields["currencyCode"])
	assert.Equal(t, "A", fields["sku"])
}

func TestHandleFileAttachedSkipsSilentlyWithoutEntityFilesets(t *testing.T) {
	h := newHarness(t, "sku\nA\n")
	event := orderEvent(t, []fileset.Fileset{{
		EntityName:      "salesOrders",
		FileNamePattern: `.*`,
		ResourceName:    "shipments",
	}})

	result, err := h.importer.HandleFileAttached(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Status)
	assert.Empty(t, h.publisher.messages)
	assert.Empty(t, h.ims.posted())
}

func TestHandleFileAttachedWarnsWhenNoPatternMatches(t *testing.T) {
	h := newHarness(t, "sku\nA\n")
	event := orderEvent(t, []fileset.Fileset{
		{EntityName: "purchaseOrders", FileNamePattern: `orders_.*\.xlsx`, ResourceName: "a"},
		{EntityName: "purchaseOrders", FileNamePattern: `legacy\.txt`, ResourceName: "b"},
	})

	result, err := h.importer.HandleFileAttached(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Status)
	assert.Empty(t, h.publisher.messages)

	posted := h.ims.posted()
	require.Len(t, posted, 1)
	assert.Equal(t, models.MessageTypeWarning, posted[0].MessageType)
	assert.Contains(t, posted[0].MessageText, "orders.csv")
	assert.Contains(t, posted[0].MessageText, `orders_.*\.xlsx`)
	assert.Contains(t, posted[0].MessageText, `legacy\.txt`)
}

func TestHandleFileAttachedEmptyFileDispatchesNothing(t *testing.T) {
	h := newHarness(t, "sku,qty\n")
	event := orderEvent(t, []fileset.Fileset{{
		EntityName:      "purchaseOrders",
		FileNamePattern: `.*`,
		ResourceName:    "inboundShipmentLines",
	}})

	result, err := h.importer.HandleFileAttached(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, StatusEmpty, result.Status)
	assert.Empty(t, h.publisher.messages)
	assert.Empty(t, h.ims.posted())
}

func TestHandleFileAttachedLoadsFilesetsFromContext(t *testing.T) {
	h := newHarness(t, "sku\nA\n")
	doc := `{"CSVImport":[{"entityName":"purchaseOrders","fileNamePattern":".*","resourceName":"inboundShipmentLines"}]}`
	h.ims.contexts["ctx-7"] = models.Context{ID: "ctx-7", DataDocument: doc}

	event := orderEvent(t, nil)
	event.DataDocument = nil
	event.ContextID = "ctx-7"

	result, err := h.importer.HandleFileAttached(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, result.Status)
	require.Len(t, h.publisher.messages, 1)
}

func TestHandleFileAttachedCapsWritersAtMaxLanes(t *testing.T) {
	h := newHarness(t, "sku\nA\nB\nC\n")
	h.importer.maxLanes = 2
	event := orderEvent(t, []fileset.Fileset{{
		EntityName:      "purchaseOrders",
		FileNamePattern: `.*`,
		ResourceName:    "inboundShipmentLines",
		NumWriters:      50,
	}})

	_, err := h.importer.HandleFileAttached(context.Background(), event)
	require.NoError(t, err)
	for _, msg := range h.publisher.messages {
		assert.Less(t, msg.Lane, 2)
	}
}

func TestHandleFileAttachedStampsFilesetVersion(t *testing.T) {
	h := newHarness(t, "sku\nA\n")
	event := orderEvent(t, []fileset.Fileset{{
		EntityName:      "purchaseOrders",
		FileNamePattern: `.*`,
		ResourceName:    "inboundShipmentLines",
		Version:         "2026-02",
	}})

	_, err := h.importer.HandleFileAttached(context.Background(), event)
	require.NoError(t, err)
	require.Len(t, h.publisher.messages, 1)
	assert.Equal(t, "2026-02", h.publisher.messages[0].Payload.FilesetVersion)
}
