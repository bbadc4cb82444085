package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/edirooss/tinysched/internal/kernel"
	"github.com/edirooss/tinysched/internal/proc"
	"github.com/edirooss/tinysched/internal/sched"
	"github.com/edirooss/tinysched/internal/service"
	"github.com/edirooss/tinysched/internal/sysent"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() { gin.SetMode(gin.TestMode) }

type fixture struct {
	k *kernel.Kernel
	r *gin.Engine
}

// newFixture builds an API over a kernel whose tick loop is not running;
// tests drive selection by hand.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	k, err := kernel.New(log, kernel.Config{
		Sched:      sched.Config{MaxThreads: 8, HZ: 100},
		WakeTimers: 4,
	})
	require.NoError(t, err)

	stats := service.NewStatsService(log, k.Sched, k.Procs, nil, service.StatsOptions{TTL: time.Hour})
	r := gin.New()
	Register(r.Group("/api"), log, k, stats, 4)
	return &fixture{k: k, r: r}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func (f *fixture) create(t *testing.T, body any) sched.ThreadInfo {
	t.Helper()
	w := f.do(http.MethodPost, "/api/threads", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var info sched.ThreadInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "/api/threads/"+strconv.Itoa(int(info.ID)), w.Header().Get("Location"))
	return info
}

func threadPath(id sched.ThreadID, suffix string) string {
	return "/api/threads/" + strconv.Itoa(int(id)) + suffix
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"pong"}`, w.Body.String())
}

func TestCreateThread(t *testing.T) {
	f := newFixture(t)

	info := f.create(t, map[string]any{"priority": "high", "entry": 0x8000, "stack_addr": 0x10000, "stack_size": 0x1000})
	assert.Equal(t, sched.PriorityHigh, info.BasePriority)
	assert.Equal(t, "ready", info.State)
	assert.Equal(t, uintptr(0x8000), info.PC)

	def := f.create(t, map[string]any{"parent": int(info.ID)})
	assert.Equal(t, sched.PriorityNormal, def.BasePriority)
	assert.Equal(t, info.ID, def.Parent)
}

func TestCreateThread_Rejects(t *testing.T) {
	f := newFixture(t)

	for name, tc := range map[string]struct {
		body any
		want int
	}{
		"unknown field":   {map[string]any{"nice": 3}, http.StatusBadRequest},
		"bad json":        {"{", http.StatusBadRequest},
		"bogus priority":  {map[string]any{"priority": "urgent"}, http.StatusBadRequest},
		"error priority":  {map[string]any{"priority": "error"}, http.StatusUnprocessableEntity},
		"number priority": {map[string]any{"priority": 2}, http.StatusBadRequest},
		"missing parent":  {map[string]any{"parent": 5}, http.StatusNotFound},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, f.do(http.MethodPost, "/api/threads", tc.body).Code)
		})
	}
}

func TestCreateThread_Exhausted(t *testing.T) {
	f := newFixture(t)
	for i := 1; i < 8; i++ {
		f.create(t, map[string]any{})
	}
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/api/threads", map[string]any{}).Code)
}

func TestGetThread(t *testing.T) {
	f := newFixture(t)
	info := f.create(t, map[string]any{"priority": "low"})

	w := f.do(http.MethodGet, threadPath(info.ID, ""), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got sched.ThreadInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, info.ID, got.ID)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, threadPath(5, ""), nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, threadPath(8, ""), nil).Code)

	w = f.do(http.MethodGet, threadPath(info.ID, "/dump"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ThreadInfo")
}

func TestListThreads_Cache(t *testing.T) {
	f := newFixture(t)
	f.create(t, map[string]any{})

	w := f.do(http.MethodGet, "/api/threads", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, "2", w.Header().Get("X-Total-Count")) // idle + one

	w = f.do(http.MethodGet, "/api/threads", nil)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))

	w = f.do(http.MethodGet, "/api/threads?force=1", nil)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))

	// Writes drop the cache.
	f.create(t, map[string]any{})
	w = f.do(http.MethodGet, "/api/threads", nil)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, "3", w.Header().Get("X-Total-Count"))
}

func TestPriority(t *testing.T) {
	f := newFixture(t)
	info := f.create(t, map[string]any{})

	w := f.do(http.MethodPut, threadPath(info.ID, "/priority"), map[string]any{"priority": "above_normal"})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = f.do(http.MethodGet, threadPath(info.ID, "/priority"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"priority":"above_normal"}`, w.Body.String())

	w = f.do(http.MethodPut, threadPath(info.ID, "/priority"), map[string]any{"priority": "error"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestDie_RootIsReapedBySelection(t *testing.T) {
	f := newFixture(t)
	info := f.create(t, map[string]any{})

	w := f.do(http.MethodPost, threadPath(info.ID, "/die"), map[string]any{"retval": 7})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, threadPath(info.ID, "/die"), nil).Code)

	f.k.Sched.Switch()
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, threadPath(info.ID, ""), nil).Code)
}

func TestJoin(t *testing.T) {
	f := newFixture(t)
	parent := f.create(t, map[string]any{})
	child := f.create(t, map[string]any{"parent": int(parent.ID)})

	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, threadPath(child.ID, "/die"), map[string]any{"retval": 42}).Code)

	w := f.do(http.MethodPost, threadPath(child.ID, "/join"), map[string]any{"caller": 5})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(http.MethodPost, threadPath(parent.ID, "/join"), map[string]any{"caller": -1})
	assert.Equal(t, http.StatusNotFound, w.Code, "no caller may join a root thread")
	w = f.do(http.MethodPost, threadPath(child.ID, "/join"), map[string]any{"caller": int(child.ID)})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, threadPath(child.ID, "/join"), map[string]any{"caller": int(parent.ID)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"id":`+strconv.Itoa(int(child.ID))+`,"retval":42}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, threadPath(child.ID, ""), nil).Code)
}

func TestSleep_Timed(t *testing.T) {
	f := newFixture(t)
	info := f.create(t, map[string]any{})

	start := time.Now()
	w := f.do(http.MethodPost, threadPath(info.ID, "/sleep"), map[string]any{"ms": 20})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	var got sched.ThreadInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "ready", got.State)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, threadPath(info.ID, "/sleep"), map[string]any{"ms": -1}).Code)
}

func TestSleep_WokenByExec(t *testing.T) {
	f := newFixture(t)
	info := f.create(t, map[string]any{})

	done := make(chan int, 1)
	go func() { done <- f.do(http.MethodPost, threadPath(info.ID, "/sleep"), nil).Code }()

	require.Eventually(t, func() bool {
		ti, err := f.k.Sched.Thread(info.ID)
		return err == nil && ti.State == "waiting"
	}, time.Second, time.Millisecond)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, threadPath(info.ID, "/exec"), nil).Code)
	select {
	case code := <-done:
		assert.Equal(t, http.StatusOK, code)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep did not return")
	}
}

func TestTerminate(t *testing.T) {
	f := newFixture(t)
	parent := f.create(t, map[string]any{})
	child := f.create(t, map[string]any{"parent": int(parent.ID)})
	kw := f.create(t, map[string]any{"kworker": true})

	require.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, threadPath(parent.ID, ""), nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, threadPath(parent.ID, ""), nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, threadPath(child.ID, ""), nil).Code)

	assert.Equal(t, http.StatusConflict, f.do(http.MethodDelete, threadPath(kw.ID, ""), nil).Code)
}

func TestDetachAndYield(t *testing.T) {
	f := newFixture(t)
	info := f.create(t, map[string]any{})

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, threadPath(info.ID, "/detach"), nil).Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, threadPath(info.ID, "/yield"), nil).Code)

	ti, err := f.k.Sched.Thread(info.ID)
	require.NoError(t, err)
	assert.Contains(t, ti.Flags, "detached")
}

func TestProcs(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/procs", map[string]any{"priority": "normal"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var p proc.Process
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "/api/procs/"+strconv.FormatInt(p.PID, 10), w.Header().Get("Location"))

	w = f.do(http.MethodPost, threadPath(p.Main, "/fork"), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var child proc.Process
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &child))
	assert.Equal(t, p.PID, child.PPID)

	w = f.do(http.MethodGet, "/api/procs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-Total-Count"))

	require.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/procs/"+strconv.FormatInt(child.PID, 10), nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/procs/"+strconv.FormatInt(child.PID, 10), nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/procs/x", nil).Code)
}

func TestSched(t *testing.T) {
	f := newFixture(t)
	f.create(t, map[string]any{})
	f.k.Sched.Switch()

	w := f.do(http.MethodGet, "/api/sched/loadavg", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var la LoadAvg
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &la))

	w = f.do(http.MethodGet, "/api/sched/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st statsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 8, st.MaxThreads)
	assert.Equal(t, 2, st.NrThreads)
	assert.Equal(t, uint64(1), st.Switches)
	assert.Equal(t, 100, st.HZ)

	w = f.do(http.MethodGet, "/api/sched/trace?lines=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-Total-Count"))
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/sched/trace?lines=0", nil).Code)

	// No store configured.
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/sched/loadavg/history", nil).Code)
}

func TestLoadAvgOf(t *testing.T) {
	la := loadAvgOf([3]uint32{150, 25, 0})
	assert.Equal(t, [3]float64{1.5, 0.25, 0}, la.Load)
}

func TestSyscall(t *testing.T) {
	f := newFixture(t)
	parent := f.create(t, map[string]any{})

	var res syscallResponse
	w := f.do(http.MethodPost, "/api/syscall", map[string]any{
		"caller":  int(parent.ID),
		"code":    "thread_getpriority",
		"payload": sysent.Encode(int32(parent.ID)),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, int32(0), res.Ret)
	assert.Equal(t, sysent.Encode(int32(sched.PriorityNormal)), res.Payload)

	w = f.do(http.MethodPost, "/api/syscall", map[string]any{"caller": 0, "code": "0x7"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, -int32(sysent.ENOSYS), res.Ret)
	assert.Equal(t, "ENOSYS", res.Errno)

	w = f.do(http.MethodPost, "/api/syscall", map[string]any{"caller": 0, "code": "reboot"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
