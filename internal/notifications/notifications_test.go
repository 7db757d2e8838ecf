package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagepulse/pagepulse/internal/db"
)

type fakeUserDB struct {
	user *db.User
	err  error
}

func (f *fakeUserDB) GetUser(ctx context.Context, userID string) (*db.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.user, nil
}

type recordingChannel struct {
	name   string
	alerts []*Alert
	err    error
}

func (c *recordingChannel) Name() string { return c.name }
func (c *recordingChannel) Deliver(ctx context.Context, alert *Alert) error {
	c.alerts = append(c.alerts, alert)
	return c.err
}

func TestServiceFansOutToAllChannels(t *testing.T) {
	svc := NewService(&fakeUserDB{})
	first := &recordingChannel{name: "first"}
	second := &recordingChannel{name: "second"}
	svc.AddChannel(first)
	svc.AddChannel(second)

	err := svc.NotifyLowCredits(context.Background(), "user-1", 7)
	require.NoError(t, err)

	require.Len(t, first.alerts, 1)
	require.Len(t, second.alerts, 1)
	assert.Equal(t, TypeLowCredits, first.alerts[0].Type)
	assert.Equal(t, "user-1", first.alerts[0].UserID)
	assert.Equal(t, 7, first.alerts[0].Data["balance"])
}

func TestServiceContinuesPastFailingChannel(t *testing.T) {
	svc := NewService(&fakeUserDB{})
	broken := &recordingChannel{name: "broken", err: assert.AnError}
	healthy := &recordingChannel{name: "healthy"}
	svc.AddChannel(broken)
	svc.AddChannel(healthy)

	site := &db.Site{ID: "site-1", UserID: "user-1", Domain: "example.com"}
	err := svc.NotifyDeadURLs(context.Background(), site, 6)

	assert.Error(t, err)
	assert.Len(t, healthy.alerts, 1)
}

func TestEmailChannelSendsTransactional(t *testing.T) {
	var got transactionalRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	users := &fakeUserDB{user: &db.User{ID: "user-1", Email: "owner@example.com"}}
	channel := NewEmailChannel(users, "test-key", map[string]string{TypeLowCredits: "tmpl-low"})
	channel.endpoint = server.URL

	err := channel.Deliver(context.Background(), &Alert{
		Type:    TypeLowCredits,
		UserID:  "user-1",
		Title:   "Credit balance running low",
		Message: "7 credits remaining.",
		Data:    map[string]any{"balance": 7},
	})
	require.NoError(t, err)

	assert.Equal(t, "tmpl-low", got.TransactionalID)
	assert.Equal(t, "owner@example.com", got.Email)
	assert.Equal(t, "Credit balance running low", got.DataVariables["title"])
}

func TestEmailChannelSkipsUntemplatedAlerts(t *testing.T) {
	channel := NewEmailChannel(&fakeUserDB{}, "test-key", map[string]string{})

	err := channel.Deliver(context.Background(), &Alert{Type: TypeJobFailure})
	assert.NoError(t, err)
}

func TestEmailChannelReportsAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid template"}`, http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	users := &fakeUserDB{user: &db.User{ID: "user-1", Email: "owner@example.com"}}
	channel := NewEmailChannel(users, "test-key", map[string]string{TypeLowCredits: "tmpl-low"})
	channel.endpoint = server.URL

	err := channel.Deliver(context.Background(), &Alert{Type: TypeLowCredits, UserID: "user-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}
