package connectors

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testOptions() Options {
	return Options{
		Timeout:            200 * time.Millisecond,
		Retries:            1,
		RetryBackoff:       time.Millisecond,
		MaxErrorText:       500,
		MaxResponseBytes:   1 << 20,
		BreakerMaxFailures: 100,
	}
}

func newTestClient(opts Options) *Client {
	return NewClient(nil, opts, nil, zap.NewNop())
}

func jsonHandler(status int, body string, hits *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func TestPostJSONSuccess(t *testing.T) {
	var gotSession, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = r.Header.Get(SessionHeader)
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		io.WriteString(w, `{"final_decision":"ACCEPT"}`)
	}))
	defer srv.Close()

	out, err := newTestClient(testOptions()).PostJSON(context.Background(),
		Call{Module: "fusion", URL: srv.URL, SessionID: "SES-1"},
		map[string]any{"policy_id": "STRICT_STANDARD"})
	require.NoError(t, err)

	assert.Nil(t, out.Err())
	assert.Equal(t, "ACCEPT", out.Body["final_decision"])
	assert.Equal(t, "SES-1", gotSession)
	assert.JSONEq(t, `{"policy_id":"STRICT_STANDARD"}`, gotBody)
}

func TestNonJSONSuccessWrappedAsRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	out, err := newTestClient(testOptions()).PostJSON(context.Background(), Call{Module: "face", URL: srv.URL}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"raw": "ok"}, out.Body)
}

func TestModuleErrorJSONNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(jsonHandler(http.StatusUnprocessableEntity, `{"flags_summary":["LOW_LIGHT"]}`, &hits))
	defer srv.Close()

	out, err := newTestClient(testOptions()).PostJSON(context.Background(), Call{Module: "challenge", URL: srv.URL}, nil)
	require.NoError(t, err)

	merr := out.Err()
	require.NotNil(t, merr)
	assert.Equal(t, http.StatusUnprocessableEntity, merr.StatusCode)
	assert.Equal(t, http.StatusUnprocessableEntity, merr.Status())
	assert.Equal(t, []any{"LOW_LIGHT"}, merr.Body["flags_summary"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestModuleErrorTextTruncated(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, strings.Repeat("x", 10_000))
	}))
	defer srv.Close()

	opts := testOptions()
	opts.MaxErrorText = 64
	out, err := newTestClient(opts).PostJSON(context.Background(), Call{Module: "face", URL: srv.URL}, nil)
	require.NoError(t, err)

	merr := out.Err()
	require.NotNil(t, merr)
	assert.Len(t, merr.Text, 64)
	assert.Nil(t, merr.Body)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestTransportFailureRetriedThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			// первый вызов: рвём соединение без ответа
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"score_face_match":0.9}`)
	}))
	defer srv.Close()

	out, err := newTestClient(testOptions()).PostJSON(context.Background(), Call{Module: "face", URL: srv.URL}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.9, out.Body["score_face_match"])
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestTransportErrorAfterExhaustingRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	opts := testOptions()
	opts.Retries = 2
	_, err := newTestClient(opts).PostJSON(context.Background(), Call{Module: "voice", URL: url}, nil)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "voice", terr.Module)
	assert.Equal(t, 3, terr.Attempts)
	assert.NotNil(t, terr.Cause)
}

func TestTimeoutIsTransportFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.Timeout = 30 * time.Millisecond
	_, err := newTestClient(opts).PostJSON(context.Background(), Call{Module: "lipsync", URL: srv.URL}, nil)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 2, terr.Attempts)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestPostMultipartSendsFieldsAndFiles(t *testing.T) {
	dir := t.TempDir()
	videoPath := filepath.Join(dir, "clip_video.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("VIDEO"), 0o600))

	var fields map[string]string
	var fileBody, fileName, fileType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		fields = map[string]string{
			"challenge_id": r.FormValue("challenge_id"),
			"mode":         r.FormValue("mode"),
		}
		f, hdr, err := r.FormFile("clip_video")
		require.NoError(t, err)
		defer f.Close()
		b, _ := io.ReadAll(f)
		fileBody, fileName, fileType = string(b), hdr.Filename, hdr.Header.Get("Content-Type")

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"score_challenge":0.9}`)
	}))
	defer srv.Close()

	out, err := newTestClient(testOptions()).PostMultipart(context.Background(),
		Call{Module: "challenge", URL: srv.URL, SessionID: "SES-2"},
		Form{
			Fields: map[string]string{"challenge_id": "CH-9", "mode": "SPOKEN"},
			Files: []FilePart{{
				Field: "clip_video", Filename: "clip_video.mp4", ContentType: "video/mp4", Path: videoPath,
			}},
		})
	require.NoError(t, err)

	assert.Equal(t, 0.9, out.Body["score_challenge"])
	assert.Equal(t, map[string]string{"challenge_id": "CH-9", "mode": "SPOKEN"}, fields)
	assert.Equal(t, "VIDEO", fileBody)
	assert.Equal(t, "clip_video.mp4", fileName)
	assert.Equal(t, "video/mp4", fileType)
}

func TestPostMultipartStreamsFileOnEveryAttempt(t *testing.T) {
	videoPath := filepath.Join(t.TempDir(), "clip_video.mp4")
	video := strings.Repeat("v", 256<<10)
	require.NoError(t, os.WriteFile(videoPath, []byte(video), 0o600))

	var hits int32
	var lengths []int64
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lengths = append(lengths, r.ContentLength)
		if atomic.AddInt32(&hits, 1) == 1 {
			// первый вызов: читаем кусок тела и рвём соединение
			_, _ = io.CopyN(io.Discard, r.Body, 1024)
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, _, err := r.FormFile("clip_video")
		require.NoError(t, err)
		defer f.Close()
		b, _ := io.ReadAll(f)
		received = append(received, string(b))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"score_face_match":0.9}`)
	}))
	defer srv.Close()

	out, err := newTestClient(testOptions()).PostMultipart(context.Background(),
		Call{Module: "face", URL: srv.URL},
		Form{Files: []FilePart{{Field: "clip_video", Filename: "clip_video.mp4", Path: videoPath}}})
	require.NoError(t, err)

	assert.Equal(t, 0.9, out.Body["score_face_match"])
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	// длина заранее не известна: тело идёт чанками, а не готовым буфером
	assert.Equal(t, []int64{-1, -1}, lengths)
	require.Len(t, received, 1)
	assert.Equal(t, video, received[0])
}

func TestStreamFormSurfacesFileError(t *testing.T) {
	body, contentType := streamForm(Form{
		Fields: map[string]string{"mode": "SILENT"},
		Files:  []FilePart{{Field: "clip_video", Path: filepath.Join(t.TempDir(), "gone.mp4")}},
	})
	defer body.Close()

	assert.True(t, strings.HasPrefix(contentType, "multipart/form-data; boundary="))
	_, err := io.ReadAll(body)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPostMultipartMissingFile(t *testing.T) {
	_, err := newTestClient(testOptions()).PostMultipart(context.Background(),
		Call{Module: "face", URL: "http://127.0.0.1:1"},
		Form{Files: []FilePart{{Field: "clip_video", Path: filepath.Join(t.TempDir(), "missing")}}})
	require.Error(t, err)

	var terr *TransportError
	assert.False(t, errors.As(err, &terr), "local build failure is not a transport error")
}

type recordingObserver struct {
	calls  []string
	states []gobreaker.State
}

func (o *recordingObserver) ObserveCall(module, outcome string, _ time.Duration) {
	o.calls = append(o.calls, module+":"+outcome)
}

func (o *recordingObserver) ObserveBreaker(_ string, state gobreaker.State) {
	o.states = append(o.states, state)
}

func TestBreakerOpensAfterConsecutiveTransportFailures(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	opts := testOptions()
	opts.Retries = 0
	opts.BreakerMaxFailures = 2
	opts.BreakerTimeout = time.Minute
	obs := &recordingObserver{}
	c := NewClient(nil, opts, obs, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := c.PostJSON(context.Background(), Call{Module: "vsr", URL: url}, nil)
		require.Error(t, err)
	}

	_, err := c.PostJSON(context.Background(), Call{Module: "vsr", URL: url}, nil)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 0, terr.Attempts)
	assert.Contains(t, obs.states, gobreaker.StateOpen)
	assert.Equal(t, []string{"vsr:transport_error", "vsr:transport_error", "vsr:transport_error"}, obs.calls)
}

func TestModuleErrorsDoNotTripBreaker(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(jsonHandler(http.StatusBadGateway, `{}`, &hits))
	defer srv.Close()

	opts := testOptions()
	opts.BreakerMaxFailures = 1
	c := newTestClient(opts)

	for i := 0; i < 3; i++ {
		out, err := c.PostJSON(context.Background(), Call{Module: "fusion", URL: srv.URL}, nil)
		require.NoError(t, err)
		require.NotNil(t, out.Err())
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestURL(t *testing.T) {
	assert.Equal(t, "http://h:1/api/x", URL("http://h:1", "/api/x"))
	assert.Equal(t, "http://h:1/api/x", URL("http://h:1/", "api/x"))
	assert.Equal(t, "http://h:1/api/x", URL("http://h:1///", "/api/x"))
}

func TestTruncateUTF8(t *testing.T) {
	assert.Equal(t, "abc", truncateUTF8("abc", 10))
	assert.Equal(t, "ab", truncateUTF8("abc", 2))
	// "жж": по два байта на руну, резать посреди нельзя
	assert.Equal(t, "ж", truncateUTF8("жж", 3))
}
