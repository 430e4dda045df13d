package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Monios-Control/internal/errors"
	"Monios-Control/pkg/logger"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingNotifier) Channel() Channel { return Channel("recording") }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func TestReportOnlyForwardsAlertingCodes(t *testing.T) {
	rec := &recordingNotifier{}
	fanout := NewFanout(rec, &LogNotifier{Logger: logger.Discard()})

	Report(context.Background(), fanout, xerrors.New(xerrors.CodeDispatchFailure, ""), "orchestrator", "u1")
	Report(context.Background(), fanout, errors.New("plain"), "orchestrator", "u1")
	assert.Empty(t, rec.events)

	cause := xerrors.New(xerrors.CodeProvisioningFailure, "image pull failed", xerrors.WithMetadata("image", "python:3.12"))
	Report(context.Background(), fanout, cause, "sandbox", "u2")
	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, xerrors.CodeProvisioningFailure, ev.Code)
	assert.Equal(t, xerrors.SeverityCritical, ev.Severity)
	assert.Equal(t, "u2", ev.TenantID)
	assert.Equal(t, "python:3.12", ev.Metadata["image"])
}

func TestFanoutJoinsNotifierErrors(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("down")}
	err := NewFanout(failing).Notify(context.Background(), Event{Code: xerrors.CodeUnknown})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel recording")
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	require.NoError(t, n.Notify(context.Background(), Event{Code: xerrors.CodeConnectionFailure, TenantID: "u3"}))
	assert.Equal(t, xerrors.CodeConnectionFailure, got.Code)
	assert.Equal(t, "u3", got.TenantID)
}

func TestWebhookNotifierSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	require.Error(t, n.Notify(context.Background(), Event{}))
	require.NoError(t, (&WebhookNotifier{}).Notify(context.Background(), Event{}))
}
