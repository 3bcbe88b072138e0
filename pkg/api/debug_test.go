package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/version"
)

// debugScaleset provisions a managed scaleset with one registered node, the
// minimum a debug tunnel needs.
func debugScaleset(t *testing.T, f *fixture) (*types.Scaleset, *types.Node) {
	t.Helper()
	pool := createPool(t, f, "fuzz-linux", types.OSLinux, true)

	rec := f.do(t, http.MethodPost, "/scaleset", testAdminToken, scalesetCreateRequest(pool.Name))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ss := decodeBody[types.Scaleset](t, rec)

	node := &types.Node{
		PoolName:   pool.Name,
		PoolID:     &pool.PoolID,
		MachineID:  uuid.New(),
		State:      types.NodeStateFree,
		ScalesetID: &ss.ScalesetID,
		Version:    version.Version,
		OS:         pool.OS,
		Managed:    true,
		CreatedAt:  testClock,
	}
	require.NoError(t, f.reg.Nodes.Create(node))
	return &ss, node
}

func TestProxyCreateAllocatesPorts(t *testing.T) {
	f := newTestServer(t)
	ss, node := debugScaleset(t, f)

	rec := f.do(t, http.MethodPost, "/proxy", testUserToken, ProxyCreateRequest{
		ScalesetID: ss.ScalesetID, MachineID: node.MachineID, DstPort: 22, Duration: 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody[ProxyGetResult](t, rec)
	assert.Equal(t, proxyPortMin, first.Forward.Port)
	assert.Equal(t, 22, first.Forward.DstPort)
	assert.Equal(t, ss.Region, first.Forward.Region)
	assert.Equal(t, testClock.Add(2*time.Hour), first.Forward.EndTime)
	require.NotNil(t, first.Forward.ProxyID)
	// The proxy VM is not up yet, so there is no IP to dial.
	assert.Nil(t, first.IP)

	proxies, err := f.reg.Proxies.SearchByRegion(ss.Region)
	require.NoError(t, err)
	require.Len(t, proxies, 1)
	assert.Equal(t, types.VMStateInit, proxies[0].State)

	// A second tunnel takes the next port on the same regional proxy.
	rec = f.do(t, http.MethodPost, "/proxy", testUserToken, ProxyCreateRequest{
		ScalesetID: ss.ScalesetID, MachineID: node.MachineID, DstPort: 8080, Duration: 2,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody[ProxyGetResult](t, rec)
	assert.Equal(t, proxyPortMin+1, second.Forward.Port)
	assert.Equal(t, *first.Forward.ProxyID, *second.Forward.ProxyID)

	// Repeating a destination reuses the tunnel and extends its lifetime.
	rec = f.do(t, http.MethodPost, "/proxy", testUserToken, ProxyCreateRequest{
		ScalesetID: ss.ScalesetID, MachineID: node.MachineID, DstPort: 22, Duration: 5,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	reused := decodeBody[ProxyGetResult](t, rec)
	assert.Equal(t, first.Forward.Port, reused.Forward.Port)
	assert.Equal(t, testClock.Add(5*time.Hour), reused.Forward.EndTime)

	forwards, err := f.reg.ProxyForwards.SearchByMachine(ss.ScalesetID, node.MachineID)
	require.NoError(t, err)
	assert.Len(t, forwards, 2)
}

func TestProxyCreateValidation(t *testing.T) {
	f := newTestServer(t)
	ss, node := debugScaleset(t, f)

	rec := f.do(t, http.MethodPost, "/proxy", testUserToken, ProxyCreateRequest{
		ScalesetID: ss.ScalesetID, MachineID: node.MachineID, DstPort: 0, Duration: 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/proxy", testUserToken, ProxyCreateRequest{
		ScalesetID: ss.ScalesetID, MachineID: node.MachineID, DstPort: 22,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/proxy", testUserToken, ProxyCreateRequest{
		ScalesetID: uuid.New(), MachineID: node.MachineID, DstPort: 22, Duration: 1,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/proxy", testUserToken, ProxyCreateRequest{
		ScalesetID: ss.ScalesetID, MachineID: uuid.New(), DstPort: 22, Duration: 1,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A node outside the scaleset cannot be tunneled through it.
	pool, err := f.reg.Pools.GetByName("fuzz-linux")
	require.NoError(t, err)
	stray := createNode(t, f, pool, types.NodeStateFree)
	rec = f.do(t, http.MethodPost, "/proxy", testUserToken, ProxyCreateRequest{
		ScalesetID: ss.ScalesetID, MachineID: stray.MachineID, DstPort: 22, Duration: 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProxyRenewAndDelete(t *testing.T) {
	f := newTestServer(t)
	ss, node := debugScaleset(t, f)

	rec := f.do(t, http.MethodPost, "/proxy", testUserToken, ProxyCreateRequest{
		ScalesetID: ss.ScalesetID, MachineID: node.MachineID, DstPort: 22, Duration: 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet,
		"/proxy?scaleset_id="+ss.ScalesetID.String()+"&machine_id="+node.MachineID.String(), testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	results := decodeBody[[]ProxyGetResult](t, rec)
	require.Len(t, results, 1)
	assert.Equal(t, 22, results[0].Forward.DstPort)

	rec = f.do(t, http.MethodGet, "/proxy", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]*types.Proxy](t, rec), 1)

	rec = f.do(t, http.MethodPatch, "/proxy", testUserToken, ProxyRenewRequest{
		ScalesetID: ss.ScalesetID, MachineID: node.MachineID, DstPort: 22, Duration: 10,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	renewed := decodeBody[types.ProxyForward](t, rec)
	assert.Equal(t, testClock.Add(10*time.Hour), renewed.EndTime)

	rec = f.do(t, http.MethodPatch, "/proxy", testUserToken, ProxyRenewRequest{
		ScalesetID: ss.ScalesetID, MachineID: node.MachineID, DstPort: 9999, Duration: 1,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/proxy", testUserToken, ProxyDeleteRequest{
		ScalesetID: ss.ScalesetID, MachineID: node.MachineID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	forwards, err := f.reg.ProxyForwards.SearchByMachine(ss.ScalesetID, node.MachineID)
	require.NoError(t, err)
	assert.Empty(t, forwards)
}

// reproReport drops a crash report blob naming the given task.
func reproReport(t *testing.T, f *fixture, container, path string, taskID uuid.UUID) {
	t.Helper()
	require.NoError(t, f.blobs.CreateContainer(container))
	report, err := json.Marshal(map[string]any{"task_id": taskID, "executable": "fuzz.exe"})
	require.NoError(t, err)
	require.NoError(t, f.blobs.Put(container, path, bytes.NewReader(report)))
}

func TestReproLifecycle(t *testing.T) {
	f := newTestServer(t)
	pool := createPool(t, f, "fuzz-linux", types.OSLinux, false)
	job := createJob(t, f)

	rec := f.do(t, http.MethodPost, "/tasks", testUserToken, taskCreateRequest(job.JobID, pool.Name))
	require.Equal(t, http.StatusOK, rec.Code)
	task := decodeBody[types.Task](t, rec)

	reproReport(t, f, "proj-crashes", "crash-1.json", task.TaskID)

	rec = f.do(t, http.MethodPost, "/repro_vms", testUserToken, types.ReproConfig{
		Container: "proj-crashes", Path: "crash-1.json",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	repro := decodeBody[types.Repro](t, rec)
	assert.Equal(t, types.VMStateInit, repro.State)
	assert.Equal(t, task.TaskID, repro.TaskID)
	assert.Equal(t, types.OSLinux, repro.OS)
	require.NotNil(t, repro.Auth)
	_, err := f.secrets.Get(*repro.Auth)
	assert.NoError(t, err)
	require.NotNil(t, repro.EndTime)
	assert.Equal(t, testClock.Add(defaultReproHours*time.Hour), *repro.EndTime)

	rec = f.do(t, http.MethodGet, "/repro_vms?vm_id="+repro.VMID.String(), testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, repro.VMID, decodeBody[types.Repro](t, rec).VMID)

	rec = f.do(t, http.MethodGet, "/repro_vms?state=init", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]*types.Repro](t, rec), 1)

	rec = f.do(t, http.MethodDelete, "/repro_vms", testUserToken, ReproSelector{VMID: repro.VMID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.VMStateStopping, decodeBody[types.Repro](t, rec).State)
}

func TestReproCreateValidation(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/repro_vms", testUserToken, types.ReproConfig{Path: "crash-1.json"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/repro_vms", testUserToken, types.ReproConfig{
		Container: "proj-crashes", Path: "missing.json",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A report that names no task cannot be reproduced.
	require.NoError(t, f.blobs.CreateContainer("proj-crashes"))
	require.NoError(t, f.blobs.Put("proj-crashes", "no-task.json", bytes.NewReader([]byte(`{"executable":"fuzz.exe"}`))))
	rec = f.do(t, http.MethodPost, "/repro_vms", testUserToken, types.ReproConfig{
		Container: "proj-crashes", Path: "no-task.json",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	reproReport(t, f, "other-crashes", "crash-2.json", uuid.New())
	rec = f.do(t, http.MethodPost, "/repro_vms", testUserToken, types.ReproConfig{
		Container: "other-crashes", Path: "crash-2.json",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
