package connector

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dingstreamhq/dingstream/internal/dingtalk"
)

type fakeProactiveClient struct {
	userErr  map[string]error
	groupErr map[string]error

	userSends  []string
	groupSends []string
	uploads    []string
	mediaSends []string
	uploadErr  error
}

func (f *fakeProactiveClient) SendToUsers(_ context.Context, _ dingtalk.Credentials, _ string, userIDs []string, _, _ string) error {
	f.userSends = append(f.userSends, userIDs...)
	if err, ok := f.userErr[userIDs[0]]; ok {
		return err
	}
	return nil
}

func (f *fakeProactiveClient) SendToGroup(_ context.Context, _ dingtalk.Credentials, _, openConversationID, _, _ string) error {
	f.groupSends = append(f.groupSends, openConversationID)
	if err, ok := f.groupErr[openConversationID]; ok {
		return err
	}
	return nil
}

func (f *fakeProactiveClient) SendMediaToUsers(_ context.Context, _ dingtalk.Credentials, _ string, userIDs []string, _ dingtalk.MediaMessage) error {
	f.mediaSends = append(f.mediaSends, userIDs...)
	return nil
}

func (f *fakeProactiveClient) SendMediaToGroup(_ context.Context, _ dingtalk.Credentials, _, openConversationID string, _ dingtalk.MediaMessage) error {
	f.mediaSends = append(f.mediaSends, openConversationID)
	return nil
}

func (f *fakeProactiveClient) UploadMedia(_ context.Context, _ dingtalk.Credentials, _ dingtalk.MediaKind, path string) (string, error) {
	f.uploads = append(f.uploads, path)
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return "media-1", nil
}

func permissionErr() error {
	return &dingtalk.APIError{StatusCode: 403, Message: "forbidden"}
}

func TestProactive_ResolveTargets(t *testing.T) {
	t.Parallel()

	lastSeen := NewLastSeenStore()
	p := NewProactiveSender(slog.Default(), &fakeProactiveClient{}, NewRiskStore(), lastSeen)

	// Explicit targets win.
	got, err := p.ResolveTargets(AccountConfig{ID: "a", OwnerIDs: []string{"owner"}}, []Target{{ID: "x"}})
	if err != nil || len(got) != 1 || got[0].ID != "x" {
		t.Fatalf("explicit: %v, %v", got, err)
	}

	// Owners next.
	got, err = p.ResolveTargets(AccountConfig{ID: "a", OwnerIDs: []string{"o1", "o2"}}, nil)
	if err != nil || len(got) != 2 || got[0].ID != "o1" {
		t.Fatalf("owners: %v, %v", got, err)
	}

	// Then every last-seen conversation, most recent first.
	lastSeen.now = func() time.Time { return time.Unix(100, 0) }
	lastSeen.Touch("a", "old-group", true)
	lastSeen.now = func() time.Time { return time.Unix(200, 0) }
	lastSeen.Touch("a", "fresh-user", false)
	got, err = p.ResolveTargets(AccountConfig{ID: "a"}, nil)
	if err != nil || len(got) != 2 {
		t.Fatalf("last seen: %v, %v", got, err)
	}
	if got[0].ID != "fresh-user" || got[0].IsGroup {
		t.Fatalf("last seen head: %+v", got[0])
	}
	if got[1].ID != "old-group" || !got[1].IsGroup {
		t.Fatalf("last seen tail: %+v", got[1])
	}

	// Nothing known.
	if _, err := p.ResolveTargets(AccountConfig{ID: "empty"}, nil); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("want ErrNoTarget, got %v", err)
	}
}

func TestProactive_PermissionFailureFlagsAndContinues(t *testing.T) {
	t.Parallel()

	client := &fakeProactiveClient{
		userErr: map[string]error{"bad": permissionErr()},
	}
	risk := NewRiskStore()
	p := NewProactiveSender(slog.Default(), client, risk, NewLastSeenStore())
	cfg := AccountConfig{ID: "a", RobotCode: "r"}

	results, err := p.SendText(context.Background(), cfg, []Target{{ID: "bad"}, {ID: "good"}}, "t", "hello")
	if err != nil {
		t.Fatalf("partial failure must not error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %v", results)
	}
	if results[0].Status != SendStatusFailed || results[1].Status != SendStatusSent {
		t.Fatalf("results = %+v", results)
	}
	if !risk.IsHighRisk("a", "bad") {
		t.Fatalf("permission failure must flag the target")
	}
	if risk.IsHighRisk("a", "good") {
		t.Fatalf("successful target must not be flagged")
	}
}

func TestProactive_SkipsHighRiskWithoutNetworkCall(t *testing.T) {
	t.Parallel()

	client := &fakeProactiveClient{}
	risk := NewRiskStore()
	risk.Flag("a", "flagged", "earlier 403")
	p := NewProactiveSender(slog.Default(), client, risk, NewLastSeenStore())

	results, err := p.SendText(context.Background(), AccountConfig{ID: "a"}, []Target{{ID: "flagged"}, {ID: "ok"}}, "t", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if results[0].Status != SendStatusSkipped {
		t.Fatalf("results = %+v", results)
	}
	for _, id := range client.userSends {
		if id == "flagged" {
			t.Fatalf("flagged target must not be called")
		}
	}
}

func TestProactive_SuccessClearsRisk(t *testing.T) {
	t.Parallel()

	risk := NewRiskStore()
	risk.Flag("a", "u1", "old failure")
	// Entries expire lazily; simulate the flag aging out so the send runs.
	risk.now = func() time.Time { return time.Now().Add(riskTTL + time.Hour) }

	p := NewProactiveSender(slog.Default(), &fakeProactiveClient{}, risk, NewLastSeenStore())
	results, err := p.SendText(context.Background(), AccountConfig{ID: "a"}, []Target{{ID: "u1"}}, "t", "hi")
	if err != nil || results[0].Status != SendStatusSent {
		t.Fatalf("send: %v %+v", err, results)
	}
	if risk.IsHighRisk("a", "u1") {
		t.Fatalf("successful send must clear the flag")
	}
}

func TestProactive_AllTargetsFailed(t *testing.T) {
	t.Parallel()

	client := &fakeProactiveClient{
		userErr: map[string]error{"u1": errors.New("boom"), "u2": errors.New("boom")},
	}
	p := NewProactiveSender(slog.Default(), client, NewRiskStore(), NewLastSeenStore())
	results, err := p.SendText(context.Background(), AccountConfig{ID: "a"}, []Target{{ID: "u1"}, {ID: "u2"}}, "t", "hi")
	if !errors.Is(err, ErrAllTargetsFailed) {
		t.Fatalf("want ErrAllTargetsFailed, got %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
}

func TestProactive_SendMediaUploadsOnce(t *testing.T) {
	t.Parallel()

	client := &fakeProactiveClient{}
	p := NewProactiveSender(slog.Default(), client, NewRiskStore(), NewLastSeenStore())
	cfg := AccountConfig{ID: "a"}
	targets := []Target{{ID: "u1"}, {ID: "g1", IsGroup: true}}

	results, err := p.SendMedia(context.Background(), cfg, targets, "report.pdf")
	if err != nil {
		t.Fatalf("send media: %v", err)
	}
	if len(client.uploads) != 1 {
		t.Fatalf("media must upload once, got %v", client.uploads)
	}
	if len(results) != 2 || results[0].Status != SendStatusSent || results[1].Status != SendStatusSent {
		t.Fatalf("results = %+v", results)
	}
}
