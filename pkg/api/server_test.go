package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cms-pdmv/gridpack-machine/pkg/config"
	"github.com/cms-pdmv/gridpack-machine/pkg/controller"
	"github.com/cms-pdmv/gridpack-machine/pkg/events"
	"github.com/cms-pdmv/gridpack-machine/pkg/gridpack"
	"github.com/cms-pdmv/gridpack-machine/pkg/storage"
	"github.com/cms-pdmv/gridpack-machine/pkg/template"
	"github.com/cms-pdmv/gridpack-machine/pkg/types"
)

const (
	testCampaign = "Run3Summer23"
	testProcess  = "Dijet"
	testDataset  = "Dijet_Pt_50To100_madgraph"
)

type fakeCatalog struct{}

func (fakeCatalog) Branches() []string { return []string{"master"} }

func (fakeCatalog) CampaignGenerators(campaign string) ([]string, bool) {
	if campaign == testCampaign {
		return []string{gridpack.GeneratorMadGraph}, true
	}
	return nil, false
}

func (fakeCatalog) Datasets(generator, process string) ([]string, bool) {
	if generator == gridpack.GeneratorMadGraph && process == testProcess {
		return []string{testDataset}, true
	}
	return nil, false
}

// writeFilesTree lays out the minimum checkout the handlers touch
func writeFilesTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	campaignDir := filepath.Join(root, "Campaigns", testCampaign)
	require.NoError(t, os.MkdirAll(campaignDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(campaignDir, testCampaign+".json"),
		[]byte(`{"beam": 6800, "tune": "CP5"}`), 0644))

	cardsDir := filepath.Join(root, "Cards", gridpack.GeneratorMadGraph, testProcess, testDataset)
	require.NoError(t, os.MkdirAll(cardsDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cardsDir, testDataset+".json"),
		[]byte(`{}`), 0644))

	return root
}

type harness struct {
	server *Server
	store  storage.Store
	ticks  int
}

func newTestServer(t *testing.T) *harness {
	t.Helper()

	cfg := &config.Config{
		ServiceURL:             "https://cms-pdmv.cern.ch/gridpacks",
		SubmissionHost:         "lxplus.cern.ch",
		ServiceAccountUsername: "pdmvserv",
		ServiceAccountPassword: "secret",
		RemoteDirectory:        "/afs/cern.ch/work/p/pdmvserv/gridpacks",
		TicketsDirectory:       "/afs/cern.ch/work/p/pdmvserv/tickets",
		GenRepository:          "cms-sw/genproductions",
		Authorized:             "cms-ppd-conveners",
		GridpackDirectory:      "/store/gridpacks",
		GridpackFilesPath:      writeFilesTree(t),
		PublicStreamFolder:     "/eos/home-p/pdmvserv/www",
		DataDirectory:          t.TempDir(),
	}

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	ctrl := controller.NewController(cfg, store, fakeCatalog{}, broker)
	templates := template.NewRepository(cfg.GridpackFilesPath, cfg.GenRepository,
		cfg.GridpackFilesRepository, time.Minute)
	require.NoError(t, templates.ReloadLocal())

	h := &harness{
		server: NewServer(cfg, ctrl, templates),
		store:  store,
	}
	h.server.NotifyTick = func() { h.ticks++ }
	return h
}

func (h *harness) request(t *testing.T, method, target string, body any,
	authorized bool) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	if authorized {
		req.Header.Set("Adfs-Login", "jdoe")
		req.Header.Set("Adfs-Fullname", "John Doe")
		req.Header.Set("Adfs-Email", "jdoe@cern.ch")
		req.Header.Set("Adfs-Group", "cms-ppd-conveners")
	}

	recorder := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func message(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	text, _ := body["message"].(string)
	return text
}

func newDoc() *types.Gridpack {
	return &types.Gridpack{
		Campaign:       testCampaign,
		Generator:      gridpack.GeneratorMadGraph,
		Process:        testProcess,
		Dataset:        testDataset,
		Tune:           "CP5",
		Events:         10000,
		Genproductions: "master",
		JobCores:       8,
		JobMemory:      16000,
	}
}

func TestCreateAndGet(t *testing.T) {
	h := newTestServer(t)

	recorder := h.request(t, http.MethodPut, "/api/create", newDoc(), true)
	require.Equal(t, http.StatusOK, recorder.Code)
	id := message(t, recorder)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, h.ticks)

	recorder = h.request(t, http.MethodGet, "/api/get?_id="+id, nil, false)
	require.Equal(t, http.StatusOK, recorder.Code)
	var doc types.Gridpack
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &doc))
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, types.StatusNew, doc.Status)
}

func TestCreateInvalidDocument(t *testing.T) {
	h := newTestServer(t)

	doc := newDoc()
	doc.Campaign = "Run2Summer20"
	recorder := h.request(t, http.MethodPut, "/api/create", doc, true)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, message(t, recorder), "bad campaign")
	assert.Zero(t, h.ticks)
}

func TestCreateApprove(t *testing.T) {
	h := newTestServer(t)

	recorder := h.request(t, http.MethodPut, "/api/create_approve", newDoc(), true)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, 1, h.ticks)
}

func TestUnauthorized(t *testing.T) {
	h := newTestServer(t)

	targets := []struct {
		method string
		target string
	}{
		{http.MethodPut, "/api/create"},
		{http.MethodPost, "/api/approve?gridpack_id=1"},
		{http.MethodPost, "/api/reset?gridpack_id=1"},
		{http.MethodDelete, "/api/delete?gridpack_id=1"},
		{http.MethodGet, "/api/tick"},
	}
	for _, target := range targets {
		recorder := h.request(t, target.method, target.target, nil, false)
		assert.Equal(t, http.StatusForbidden, recorder.Code, target.target)
		assert.Equal(t, "You are not allowed to perform this action",
			message(t, recorder))
	}
	assert.Zero(t, h.ticks)
}

func TestApproveRequiresID(t *testing.T) {
	h := newTestServer(t)

	recorder := h.request(t, http.MethodPost, "/api/approve", nil, true)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, message(t, recorder), "gridpack_id is required")
}

func TestApproveMissingGridpack(t *testing.T) {
	h := newTestServer(t)

	recorder := h.request(t, http.MethodPost, "/api/approve?gridpack_id=1700000000404", nil, true)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, message(t, recorder), "does not exist")
}

func TestResetAndDelete(t *testing.T) {
	h := newTestServer(t)

	recorder := h.request(t, http.MethodPost, "/api/reset?gridpack_id=1700000000001", nil, true)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, message(t, recorder), "will be reset")

	recorder = h.request(t, http.MethodDelete, "/api/delete?gridpack_id=1700000000001", nil, true)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, message(t, recorder), "will be deleted")
	assert.Equal(t, 2, h.ticks)
}

func TestGetMissing(t *testing.T) {
	h := newTestServer(t)

	recorder := h.request(t, http.MethodGet, "/api/get?_id=1700000000404", nil, false)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestGetList(t *testing.T) {
	h := newTestServer(t)

	for _, id := range []string{"1700000000001", "1700000000002", "1700000000003"} {
		doc := newDoc()
		doc.ID = id
		require.NoError(t, h.store.Create(doc))
	}

	recorder := h.request(t, http.MethodGet, "/api/get?page=0&limit=2", nil, false)
	require.Equal(t, http.StatusOK, recorder.Code)
	var body struct {
		Gridpacks []*types.Gridpack `json:"gridpacks"`
		Total     int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Total)
	require.Len(t, body.Gridpacks, 2)
	assert.Equal(t, "1700000000003", body.Gridpacks[0].ID)
}

func TestArtifactMissingGridpack(t *testing.T) {
	h := newTestServer(t)

	for _, target := range []string{
		"/api/get_fragment/1700000000404",
		"/api/get_run_card/1700000000404",
		"/api/get_customize_card/1700000000404",
	} {
		recorder := h.request(t, http.MethodGet, target, nil, false)
		assert.Equal(t, http.StatusNotFound, recorder.Code, target)
	}
}

func TestSystemInfo(t *testing.T) {
	h := newTestServer(t)

	recorder := h.request(t, http.MethodGet, "/api/system_info", nil, false)
	require.Equal(t, http.StatusOK, recorder.Code)
	var body struct {
		Campaigns map[string]template.Campaign `json:"campaigns"`
		LastTick  int64                        `json:"last_tick"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Contains(t, body.Campaigns, testCampaign)
	assert.Zero(t, body.LastTick)
}

func TestUserInfo(t *testing.T) {
	h := newTestServer(t)

	recorder := h.request(t, http.MethodGet, "/api/user", nil, true)
	require.Equal(t, http.StatusOK, recorder.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "jdoe", body["username"])
	assert.Equal(t, true, body["authorized"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t)

	recorder := h.request(t, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "gridpack_ticks_total")
}
