package correlation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joelkehle/ucsbridge/internal/ucs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeBackend accepts commands and lets each test decide how to answer.
type fakeBackend struct {
	t        *testing.T
	srv      *httptest.Server
	respond  func(cmd ucs.Command)
	status   int
	received chan ucs.Command
}

func newFakeBackend(t *testing.T, respond func(cmd ucs.Command)) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{t: t, respond: respond, status: http.StatusOK, received: make(chan ucs.Command, 64)}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cmd ucs.Command
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fb.received <- cmd
		w.WriteHeader(fb.status)
		if fb.status == http.StatusOK && fb.respond != nil {
			go fb.respond(cmd)
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func postReply(t *testing.T, cmd ucs.Command, body string, header http.Header) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, cmd.Response.URL("http"), bytes.NewBufferString(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0
	}
	resp.Body.Close()
	return resp.StatusCode
}

func newTestChannel(t *testing.T, commandURL string, timeout time.Duration, reg prometheus.Registerer) *Channel {
	t.Helper()
	ch, err := New(Options{
		Name:       "client",
		CommandURL: commandURL,
		ListenAddr: "127.0.0.1:0",
		Timeout:    timeout,
		Logger:     zaptest.NewLogger(t).Sugar(),
		Registerer: reg,
	})
	require.NoError(t, err)
	require.NoError(t, ch.Start(context.Background()))
	t.Cleanup(func() { _ = ch.Stop(context.Background()) })
	return ch
}

func TestDispatchReturnsReply(t *testing.T) {
	fb := newFakeBackend(t, nil)
	fb.respond = func(cmd ucs.Command) {
		postReply(t, cmd, `{"echo":"`+cmd.Arg(0)+`"}`, nil)
	}
	ch := newTestChannel(t, fb.srv.URL, 5*time.Second, nil)

	reply, err := ch.Dispatch(context.Background(), "getMessage", []string{"m1"}, true)
	require.NoError(t, err)
	var out struct{ Echo string }
	require.NoError(t, reply.Decode(&out))
	assert.Equal(t, "m1", out.Echo)
	assert.Equal(t, 0, ch.Pending())

	cmd := <-fb.received
	require.NotNil(t, cmd.Response)
	assert.Equal(t, "127.0.0.1", cmd.Response.Host)
	assert.Equal(t, ch.Addr().String(), fmt.Sprintf("127.0.0.1:%d", cmd.Response.Port))
	assert.NotEmpty(t, cmd.Response.Context)
}

func TestDispatchSurfacesExceptionReply(t *testing.T) {
	fb := newFakeBackend(t, func(cmd ucs.Command) {
		h := http.Header{}
		ucs.WriteExceptionHeaders(h, &ucs.Error{Kind: ucs.KindUnknownUser, Message: "who is bob", ReceiverID: "bob"})
		postReply(t, cmd, "", h)
	})
	ch := newTestChannel(t, fb.srv.URL, 5*time.Second, nil)

	_, err := ch.Dispatch(context.Background(), "cancelMessage", []string{"m1"}, true)
	require.Error(t, err)
	assert.True(t, ucs.IsKind(err, ucs.KindUnknownUser))
	var ue *ucs.Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "bob", ue.ReceiverID)
	assert.Equal(t, 0, ch.Pending())
}

func TestDispatchTimesOutWithoutReply(t *testing.T) {
	fb := newFakeBackend(t, nil)
	reg := prometheus.NewRegistry()
	ch := newTestChannel(t, fb.srv.URL, time.Second, reg)

	start := time.Now()
	_, err := ch.Dispatch(context.Background(), "getStatus", nil, true)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, ucs.IsKind(err, ucs.KindTimeout))
	assert.False(t, ucs.IsKind(err, ucs.KindDelivery))
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, 0, ch.Pending())

	// The route is gone: a forged late reply is accepted and dropped.
	cmd := <-fb.received
	assert.Equal(t, http.StatusOK, postReply(t, cmd, `{"late":true}`, nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(ch.metrics.lateReplies))
	assert.Equal(t, 1.0, testutil.ToFloat64(ch.metrics.commands.WithLabelValues("getStatus", "timeout")))
}

func TestDispatchDeliveryFailures(t *testing.T) {
	fb := newFakeBackend(t, nil)
	fb.status = http.StatusInternalServerError
	ch := newTestChannel(t, fb.srv.URL, 5*time.Second, nil)

	start := time.Now()
	_, err := ch.Dispatch(context.Background(), "getMessages", nil, true)
	assert.True(t, ucs.IsKind(err, ucs.KindDelivery))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, ch.Pending())

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	ch2 := newTestChannel(t, deadURL, 5*time.Second, nil)
	_, err = ch2.Dispatch(context.Background(), "getMessages", nil, true)
	assert.True(t, ucs.IsKind(err, ucs.KindDelivery))
}

func TestFireAndForget(t *testing.T) {
	fb := newFakeBackend(t, nil)
	ch, err := New(Options{Name: "client", CommandURL: fb.srv.URL})
	require.NoError(t, err)

	// No listener is needed when no reply is expected.
	reply, err := ch.Dispatch(context.Background(), ucs.CmdUnregisterClientCallback, []string{"reg-1"}, false)
	require.NoError(t, err)
	assert.Nil(t, reply)
	cmd := <-fb.received
	assert.Nil(t, cmd.Response)
	assert.Equal(t, []string{"reg-1"}, cmd.Args)
}

func TestDispatchRequiresStartedListener(t *testing.T) {
	fb := newFakeBackend(t, nil)
	ch, err := New(Options{Name: "client", CommandURL: fb.srv.URL})
	require.NoError(t, err)
	_, err = ch.Dispatch(context.Background(), "getStatus", nil, true)
	assert.True(t, ucs.IsKind(err, ucs.KindNotConnected))
}

func TestConcurrentDispatchesGetTheirOwnReplies(t *testing.T) {
	fb := newFakeBackend(t, func(cmd ucs.Command) {
		// Later commands answer first.
		var n int
		_, _ = fmt.Sscanf(cmd.Arg(0), "%d", &n)
		time.Sleep(time.Duration(20-n) * 5 * time.Millisecond)
		postReply(t, cmd, `"`+cmd.Arg(0)+`"`, nil)
	})
	ch := newTestChannel(t, fb.srv.URL, 5*time.Second, nil)

	var wg sync.WaitGroup
	var mismatches atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			arg := fmt.Sprint(i)
			reply, err := ch.Dispatch(context.Background(), "getMessage", []string{arg}, true)
			var got string
			if err != nil || reply.Decode(&got) != nil || got != arg {
				mismatches.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(0), mismatches.Load())
	assert.Equal(t, 0, ch.Pending())
}

func TestDuplicateReplyIsIgnored(t *testing.T) {
	second := make(chan int, 1)
	fb := newFakeBackend(t, func(cmd ucs.Command) {
		postReply(t, cmd, `"first"`, nil)
		second <- postReply(t, cmd, `"second"`, nil)
	})
	ch := newTestChannel(t, fb.srv.URL, 5*time.Second, nil)

	reply, err := ch.Dispatch(context.Background(), "getMessage", nil, true)
	require.NoError(t, err)
	var got string
	require.NoError(t, reply.Decode(&got))
	assert.Equal(t, "first", got)
	assert.Equal(t, http.StatusOK, <-second)
}

func TestCallerContextStopsWaiting(t *testing.T) {
	fb := newFakeBackend(t, nil)
	ch := newTestChannel(t, fb.srv.URL, 10*time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := ch.Dispatch(ctx, "getStatus", nil, true)
	assert.True(t, ucs.IsKind(err, ucs.KindTimeout))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, ch.Pending())
}

func TestNotificationRoutesAlwaysAnswer200(t *testing.T) {
	fb := newFakeBackend(t, nil)
	ch := newTestChannel(t, fb.srv.URL, time.Second, nil)
	var calls atomic.Int32
	ch.Handle(ucs.PathNewMessage, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
		panic("listener bug")
	}))

	resp, err := http.Post(ch.BaseURL()+ucs.PathNewMessage, "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStopReleasesWaiters(t *testing.T) {
	fb := newFakeBackend(t, nil)
	ch := newTestChannel(t, fb.srv.URL, 10*time.Second, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Dispatch(context.Background(), "getStatus", nil, true)
		errCh <- err
	}()
	<-fb.received
	require.NoError(t, ch.Stop(context.Background()))
	select {
	case err := <-errCh:
		assert.True(t, ucs.IsKind(err, ucs.KindNotConnected))
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch still waiting after stop")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{CommandURL: "http://x"})
	assert.True(t, ucs.IsKind(err, ucs.KindValidation))
	_, err = New(Options{Name: "client"})
	assert.True(t, ucs.IsKind(err, ucs.KindValidation))
}

func TestAbandonedRequestIsNeverServed(t *testing.T) {
	fb := newFakeBackend(t, nil)
	ch, err := New(Options{
		Name:       "client",
		CommandURL: fb.srv.URL,
		ListenAddr: "127.0.0.1:0",
		Timeout:    time.Second,
		Workers:    1,
		Logger:     zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	require.NoError(t, ch.Start(context.Background()))
	t.Cleanup(func() { _ = ch.Stop(context.Background()) })

	entered := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})
	ch.Handle("/slow", http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		close(entered)
		<-release
	}))
	var served atomic.Int32
	ch.Handle(ucs.PathNewMessage, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		served.Add(1)
	}))

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		if resp, err := http.Post(ch.BaseURL()+"/slow", "application/json", nil); err == nil {
			resp.Body.Close()
		}
	}()
	<-entered

	// The only worker is busy, so this request sits in the queue until the
	// client gives up on it.
	impatient := &http.Client{Timeout: 100 * time.Millisecond}
	_, err = impatient.Post(ch.BaseURL()+ucs.PathNewMessage, "application/json", nil)
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(ch.metrics.abandoned) == 1
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	<-slowDone

	resp, err := http.Post(ch.BaseURL()+ucs.PathNewMessage, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), served.Load())
}
