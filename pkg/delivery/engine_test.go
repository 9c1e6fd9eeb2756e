package delivery_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeblew999/plat-smtp-agent/pkg/clock"
	"github.com/joeblew999/plat-smtp-agent/pkg/delivery"
	"github.com/joeblew999/plat-smtp-agent/pkg/fingerprint"
	"github.com/joeblew999/plat-smtp-agent/pkg/mail"
	"github.com/joeblew999/plat-smtp-agent/pkg/overlay"
	"github.com/joeblew999/plat-smtp-agent/pkg/store"
	"github.com/joeblew999/plat-smtp-agent/pkg/store/storetest"
)

var testStart = time.Date(2025, 8, 7, 10, 0, 0, 0, time.UTC)

type stubSender struct {
	mu     sync.Mutex
	fail   bool
	errMsg string
	calls  [][]string
}

func (s *stubSender) Send(ctx context.Context, to []string, subject, html string) mail.Result {
	s.mu.Lock()
	s.calls = append(s.calls, append([]string(nil), to...))
	s.mu.Unlock()
	if s.fail {
		msg := s.errMsg
		if msg == "" {
			msg = "failed to send email: dial tcp: connection refused"
		}
		return mail.Result{Success: false, Error: msg}
	}
	return mail.Result{Success: true, MessageID: "<stub@test.local>"}
}

func (s *stubSender) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func defaults() overlay.Defaults {
	return overlay.Defaults{
		PollInterval:  60 * time.Second,
		MaxRetryCount: 5,
		LogLevel:      "INFO",
	}
}

func newEngine(mem *storetest.Memory, clk *clock.Fake, snd mail.Sender, d overlay.Defaults) *delivery.Engine {
	ov := overlay.New(mem, d)
	id := delivery.Identity{Version: "test", Host: "testhost", PID: 7}
	return delivery.NewEngine(mem, snd, clk, ov, id, delivery.Config{})
}

func pendingDoc(createdAt time.Time) map[string]any {
	return map[string]any{
		"to": []any{"user@example.com"},
		"message": map[string]any{
			"subject": "Welcome",
			"html":    "<p>Hello</p>",
		},
		"createdAt": createdAt,
	}
}

func agentRaw(t *testing.T, mem *storetest.Memory, id string) map[string]any {
	t.Helper()
	doc := mem.Doc(id)
	require.NotNil(t, doc)
	agent, ok := doc["smtpAgent"].(map[string]any)
	require.True(t, ok, "smtpAgent subtree missing")
	return agent
}

func TestRoundTrip(t *testing.T) {
	mem := storetest.New(func() time.Time { return testStart })
	clk := clock.NewFake(testStart)
	snd := &stubSender{}
	e := newEngine(mem, clk, snd, defaults())

	mem.Seed("m1", pendingDoc(testStart.Add(-time.Hour)))
	e.Tick(context.Background(), defaults().Resolve(nil))

	assert.Equal(t, []string{"PROCESSING", "SENT"}, mem.StateWrites("m1"))
	assert.Equal(t, 1, snd.sendCount())

	m := mem.Mail("m1")
	require.NotNil(t, m)
	assert.Equal(t, store.StateSent, m.Agent.State)
	assert.Equal(t, 1, m.Agent.Attempts)
	assert.Nil(t, m.Agent.NextRetryAt)
	require.NotNil(t, m.Agent.LastSuccessAt)
	assert.Equal(t, fingerprint.Hash("Welcome", "<p>Hello</p>", []string{"user@example.com"}), m.Agent.MessageHash)

	agent := agentRaw(t, mem, "m1")
	sd, ok := agent["smtpDelivery"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, sd["success"])
	assert.Equal(t, "custom-smtp", sd["provider"])
	assert.Equal(t, "<stub@test.local>", sd["messageId"])

	// Terminal documents are never touched again.
	writes := mem.WriteCount("m1")
	e.Tick(context.Background(), defaults().Resolve(nil))
	assert.Equal(t, writes, mem.WriteCount("m1"))
	assert.Equal(t, 1, snd.sendCount())
}

func TestTerminalStatesFilteredInCodeOnFallback(t *testing.T) {
	mem := storetest.New(func() time.Time { return testStart })
	mem.RejectNotIn = true
	clk := clock.NewFake(testStart)
	snd := &stubSender{}
	e := newEngine(mem, clk, snd, defaults())

	sent := pendingDoc(testStart.Add(-time.Hour))
	sent["smtpAgent"] = map[string]any{"state": "SENT"}
	mem.Seed("done", sent)
	mem.Seed("fresh", pendingDoc(testStart.Add(-time.Hour)))

	e.Tick(context.Background(), defaults().Resolve(nil))

	assert.Equal(t, 1, snd.sendCount())
	assert.Equal(t, 0, mem.WriteCount("done"))
	assert.Equal(t, []string{"PROCESSING", "SENT"}, mem.StateWrites("fresh"))
}

func TestValidationFailureNeverReachesSMTP(t *testing.T) {
	mem := storetest.New(func() time.Time { return testStart })
	clk := clock.NewFake(testStart)
	snd := &stubSender{}
	e := newEngine(mem, clk, snd, defaults())

	mem.Seed("bad", map[string]any{
		"to":        []any{"user@example.com"},
		"message":   map[string]any{"subject": "No body"},
		"createdAt": testStart.Add(-time.Hour),
	})
	e.Tick(context.Background(), defaults().Resolve(nil))

	assert.Equal(t, 0, snd.sendCount())
	m := mem.Mail("bad")
	require.NotNil(t, m)
	assert.Equal(t, store.StateError, m.Agent.State)
	assert.Equal(t, 1, m.Agent.Attempts)
	require.NotNil(t, m.Agent.NextRetryAt)
	assert.True(t, m.Agent.NextRetryAt.Equal(testStart.Add(120*time.Second)))

	agent := agentRaw(t, mem, "bad")
	la, ok := agent["lastAttempt"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "VALIDATION", la["errorCode"])
}

func TestSMTPFailureSchedulesBackoff(t *testing.T) {
	mem := storetest.New(func() time.Time { return testStart })
	clk := clock.NewFake(testStart)
	snd := &stubSender{fail: true}
	e := newEngine(mem, clk, snd, defaults())

	mem.Seed("m1", pendingDoc(testStart.Add(-time.Hour)))
	e.Tick(context.Background(), defaults().Resolve(nil))

	m := mem.Mail("m1")
	require.NotNil(t, m)
	assert.Equal(t, store.StateError, m.Agent.State)
	assert.Equal(t, 1, m.Agent.Attempts)
	require.NotNil(t, m.Agent.NextRetryAt)
	assert.True(t, m.Agent.NextRetryAt.Equal(testStart.Add(120*time.Second)),
		"first failure retries after 120s, got %v", m.Agent.NextRetryAt)

	agent := agentRaw(t, mem, "m1")
	la := agent["lastAttempt"].(map[string]any)
	assert.Equal(t, "SMTP", la["errorCode"])
	assert.Equal(t, false, la["success"])
}

func TestSMTPErrorMessageCapped(t *testing.T) {
	mem := storetest.New(func() time.Time { return testStart })
	clk := clock.NewFake(testStart)
	long := strings.Repeat("x", 299) + "é€ deliverability report follows"
	snd := &stubSender{fail: true, errMsg: long}
	e := newEngine(mem, clk, snd, defaults())

	mem.Seed("m1", pendingDoc(testStart.Add(-time.Hour)))
	e.Tick(context.Background(), defaults().Resolve(nil))

	agent := agentRaw(t, mem, "m1")
	la := agent["lastAttempt"].(map[string]any)
	msg, ok := la["errorMessage"].(string)
	require.True(t, ok)
	assert.LessOrEqual(t, len(msg), 300)
	assert.True(t, utf8.ValidString(msg), "stored error message must be valid UTF-8")
	assert.True(t, strings.HasPrefix(long, msg), "stored message is a prefix of the original")

	// The retry bookkeeping still lands alongside the capped message.
	m := mem.Mail("m1")
	require.NotNil(t, m)
	assert.Equal(t, store.StateError, m.Agent.State)
	assert.Equal(t, 1, m.Agent.Attempts)
	require.NotNil(t, m.Agent.NextRetryAt)
	assert.True(t, m.Agent.NextRetryAt.Equal(testStart.Add(120*time.Second)))
}

func TestRetryGateDefersWithoutWrites(t *testing.T) {
	mem := storetest.New(func() time.Time { return testStart })
	clk := clock.NewFake(testStart)
	snd := &stubSender{}
	e := newEngine(mem, clk, snd, defaults())

	doc := pendingDoc(testStart.Add(-time.Hour))
	doc["smtpAgent"] = map[string]any{
		"state":       "ERROR",
		"attempts":    int64(1),
		"nextRetryAt": testStart.Add(time.Minute),
	}
	mem.Seed("m1", doc)
	e.Tick(context.Background(), defaults().Resolve(nil))

	assert.Equal(t, 0, snd.sendCount())
	assert.Equal(t, 0, mem.WriteCount("m1"))

	// Once the slot passes the document is admitted again.
	clk.Advance(2 * time.Minute)
	e.Tick(context.Background(), defaults().Resolve(nil))
	assert.Equal(t, 1, snd.sendCount())
}

func TestBoundedRetries(t *testing.T) {
	mem := storetest.New(func() time.Time { return testStart })
	clk := clock.NewFake(testStart)
	snd := &stubSender{fail: true}
	e := newEngine(mem, clk, snd, defaults())
	mem.SetAdminConfigRaw(map[string]any{"maxRetryCount": 2})

	mem.Seed("m1", pendingDoc(testStart.Add(-time.Hour)))

	e.RunTick(context.Background())
	m := mem.Mail("m1")
	assert.Equal(t, 1, m.Agent.Attempts)
	assert.Equal(t, store.StateError, m.Agent.State)

	clk.Advance(5 * time.Minute)
	e.RunTick(context.Background())
	m = mem.Mail("m1")
	assert.Equal(t, 2, m.Agent.Attempts)

	clk.Advance(10 * time.Minute)
	e.RunTick(context.Background())
	m = mem.Mail("m1")
	assert.Equal(t, store.StateSkipped, m.Agent.State)
	assert.Equal(t, 2, m.Agent.Attempts, "skip does not count as an attempt")
	assert.Nil(t, m.Agent.NextRetryAt)
	assert.Equal(t, 2, snd.sendCount())

	agent := agentRaw(t, mem, "m1")
	la := agent["lastAttempt"].(map[string]any)
	assert.Equal(t, "SKIP", la["errorCode"])
	assert.Equal(t, "max_retries", la["errorMessage"])
}

func TestCutoffSkips(t *testing.T) {
	mem := storetest.New(func() time.Time { return testStart })
	clk := clock.NewFake(testStart)
	snd := &stubSender{}
	e := newEngine(mem, clk, snd, defaults())

	cut := testStart.Add(-30 * time.Minute)
	d := defaults()
	d.Cutoff = &cut
	d.CutoffRaw = "2025-08-07T09:30:00Z"

	mem.Seed("old", pendingDoc(testStart.Add(-time.Hour)))
	e.Tick(context.Background(), d.Resolve(nil))

	assert.Equal(t, 0, snd.sendCount())
	m := mem.Mail("old")
	require.NotNil(t, m)
	assert.Equal(t, store.StateSkipped, m.Agent.State)
	assert.Equal(t, 0, m.Agent.Attempts)

	agent := agentRaw(t, mem, "old")
	la := agent["lastAttempt"].(map[string]any)
	assert.Equal(t, "before_cutoff", la["errorMessage"])
}

func TestDuplicateCandidatesProcessedOnce(t *testing.T) {
	mem := storetest.New(func() time.Time { return testStart })
	mem.DuplicateCandidates = true
	clk := clock.NewFake(testStart)
	snd := &stubSender{}
	e := newEngine(mem, clk, snd, defaults())

	mem.Seed("m1", pendingDoc(testStart.Add(-time.Hour)))
	e.Tick(context.Background(), defaults().Resolve(nil))

	assert.Equal(t, 1, snd.sendCount())
	assert.Equal(t, []string{"PROCESSING", "SENT"}, mem.StateWrites("m1"))
}

func TestQueryFailureSkipsTick(t *testing.T) {
	mem := storetest.New(func() time.Time { return testStart })
	mem.FailQueries = true
	clk := clock.NewFake(testStart)
	snd := &stubSender{}
	e := newEngine(mem, clk, snd, defaults())

	mem.Seed("m1", pendingDoc(testStart.Add(-time.Hour)))
	e.Tick(context.Background(), defaults().Resolve(nil))

	assert.Equal(t, 0, snd.sendCount())
	assert.Equal(t, 0, mem.WriteCount("m1"))
}

func TestWriteFailureDoesNotAbort(t *testing.T) {
	mem := storetest.New(func() time.Time { return testStart })
	mem.FailWrites = true
	clk := clock.NewFake(testStart)
	snd := &stubSender{}
	e := newEngine(mem, clk, snd, defaults())

	mem.Seed("m1", pendingDoc(testStart.Add(-time.Hour)))
	e.Tick(context.Background(), defaults().Resolve(nil))

	// The claim write failed silently; the attempt itself still ran.
	assert.Equal(t, 1, snd.sendCount())
}

func TestMultiRecipientOrderAndHash(t *testing.T) {
	mem := storetest.New(func() time.Time { return testStart })
	clk := clock.NewFake(testStart)
	snd := &stubSender{}
	e := newEngine(mem, clk, snd, defaults())

	mem.Seed("m1", map[string]any{
		"to": []any{"b@example.com", "a@example.com"},
		"message": map[string]any{
			"subject": "Pair",
			"html":    "<p>both</p>",
		},
		"createdAt": testStart.Add(-time.Hour),
	})
	e.Tick(context.Background(), defaults().Resolve(nil))

	require.Equal(t, 1, snd.sendCount())
	assert.Equal(t, []string{"b@example.com", "a@example.com"}, snd.calls[0],
		"producer recipient order reaches the sender")

	agent := agentRaw(t, mem, "m1")
	la := agent["lastAttempt"].(map[string]any)
	assert.Equal(t, []string{"b@example.com", "a@example.com"}, la["toResolved"])

	m := mem.Mail("m1")
	assert.Equal(t,
		fingerprint.Hash("Pair", "<p>both</p>", []string{"a@example.com", "b@example.com"}),
		m.Agent.MessageHash,
		"hash is recipient-order independent")
}

func TestLiveReconfigureTakesNextTick(t *testing.T) {
	mem := storetest.New(func() time.Time { return testStart })
	clk := clock.NewFake(testStart)
	snd := &stubSender{}
	e := newEngine(mem, clk, snd, defaults())

	assert.Equal(t, 60*time.Second, e.RunTick(context.Background()))

	mem.SetAdminConfigRaw(map[string]any{"pollInterval": 5})
	assert.Equal(t, 5*time.Second, e.RunTick(context.Background()))

	mem.SetAdminConfigRaw(map[string]any{})
	assert.Equal(t, 60*time.Second, e.RunTick(context.Background()))
}

func TestStartStop(t *testing.T) {
	mem := storetest.New(func() time.Time { return testStart })
	clk := clock.NewFake(testStart)
	snd := &stubSender{}
	e := newEngine(mem, clk, snd, defaults())

	e.Start()
	e.Stop()
	// Idempotent either way.
	e.Stop()
}
