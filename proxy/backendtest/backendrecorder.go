// Package backendtest provides a backend for testing the proxy, which
// records the received requests.
package backendtest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/pyramidproxy/pyramidproxy/backend"
)

// RecordedRequest is a request received by the recorder backend.
type RecordedRequest struct {
	Method     string
	RequestURI string
	Host       string
	Header     http.Header
	Body       string
}

// Recorder echoes the request body in the response, and records the
// received requests.
type Recorder struct {
	server   *httptest.Server
	requests []RecordedRequest
	mutex    sync.RWMutex

	// Done is closed when the expected number of requests was served.
	Done    chan struct{}
	pending int
}

func (rec *Recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error("backendrecorder: error while reading request body")
	}

	// return request body in the response
	_, err = w.Write(body)
	if err != nil {
		log.Error("backendrecorder: error while writing the response body")
	}

	rec.mutex.Lock()
	defer rec.mutex.Unlock()
	rec.requests = append(rec.requests, RecordedRequest{
		Method:     r.Method,
		RequestURI: r.RequestURI,
		Host:       r.Host,
		Header:     r.Header.Clone(),
		Body:       string(body),
	})

	rec.pending--
	if rec.pending == 0 {
		close(rec.Done)
	}
}

// Requests returns the requests received so far.
func (rec *Recorder) Requests() []RecordedRequest {
	rec.mutex.RLock()
	defer rec.mutex.RUnlock()
	return append([]RecordedRequest(nil), rec.requests...)
}

// URL returns the URL of the recorder backend.
func (rec *Recorder) URL() string {
	return rec.server.URL
}

// Address returns the backend address of the recorder.
func (rec *Recorder) Address() backend.Address {
	a, err := backend.ParseAddress(rec.server.Listener.Addr().String())
	if err != nil {
		panic(err)
	}

	return a
}

func (rec *Recorder) Close() {
	rec.server.Close()
}

// NewRecorder starts a recorder backend expecting the given number of
// requests.
func NewRecorder(expectedRequests int) *Recorder {
	rec := &Recorder{
		pending: expectedRequests,
		Done:    make(chan struct{}),
	}

	if expectedRequests == 0 {
		close(rec.Done)
	}

	rec.server = httptest.NewServer(rec)
	return rec
}
